package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/mattjoyce/pt2/internal/log"
	"github.com/mattjoyce/pt2/internal/protocol"
)

// Conn is the runtime's side of the channel.
type Conn interface {
	Send(msg protocol.Message) error
	Receive() (protocol.Message, error)
	Close() error
}

// Runtime serves one provider over one connection.
type Runtime struct {
	provider Provider
	ops      protocol.Table
	logger   *slog.Logger
}

// NewRuntime returns a runtime for p using the default operation table.
func NewRuntime(p Provider) *Runtime {
	return &Runtime{
		provider: p,
		ops:      protocol.DefaultOperations(),
		logger:   log.WithComponent("runtime"),
	}
}

// Serve registers the provider and answers requests until the manager goes
// away or ctx is cancelled. Requests are handled concurrently. A manager
// disconnect is a normal shutdown and returns nil.
func (r *Runtime) Serve(ctx context.Context, conn Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.Send(protocol.NewRegisterBackend(r.provider.Capabilities(), r.provider.Copyright())); err != nil {
		return fmt.Errorf("register backend: %w", err)
	}
	r.logger.Info("registered", "capabilities", r.provider.Capabilities())

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		msg, err := conn.Receive()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				r.logger.Info("manager went away, shutting down")
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		if msg.Type != protocol.TypeRequest {
			r.logger.Warn("ignoring unexpected message", "type", msg.Type)
			continue
		}

		wg.Add(1)
		go func(msg protocol.Message) {
			defer wg.Done()
			logger := r.logger.With("request_id", msg.RequestID, "operation", msg.Operation)
			logger.Debug("handling request")
			reply := Handle(ctx, r.provider, r.ops, msg)
			if reply.Type == protocol.TypeError {
				logger.Warn("request failed", "error_id", reply.ErrorID, "error", reply.ErrorMessage)
			}
			if err := conn.Send(reply); err != nil {
				logger.Warn("failed to send reply", "error", err)
			}
		}(msg)
	}
}

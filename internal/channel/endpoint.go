// Package channel carries protocol messages between the manager and a
// backend runtime over a unix socket named after the backend identifier.
package channel

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/pt2/internal/log"
	"github.com/mattjoyce/pt2/internal/protocol"
)

var (
	// ErrClosed is returned when sending on a closed endpoint or connection,
	// or after the backend connection went away.
	ErrClosed = errors.New("channel closed")
	// ErrMalformed reports an inbound line that is not a valid message.
	ErrMalformed = errors.New("malformed message")
	// ErrStalled reports a backend that stopped reading its channel.
	ErrStalled = errors.New("backend stopped reading")
)

// DefaultWriteTimeout bounds a single outbound write to the backend.
const DefaultWriteTimeout = 10 * time.Second

// SocketDirEnv is the environment variable through which a launched backend
// learns where the manager bound its endpoint.
const SocketDirEnv = "PT2_SOCKET_DIR"

// Name derives the endpoint name for a backend identifier. It is stable across
// runs and safe to use as a file name.
func Name(identifier string) string {
	sum := blake3.Sum256([]byte(identifier))
	return hex.EncodeToString(sum[:16])
}

// Path returns the socket path for an endpoint name.
func Path(dir, name string) string {
	return filepath.Join(dir, name+".sock")
}

// Handler receives inbound messages in arrival order.
type Handler func(msg protocol.Message)

// FaultHandler is told once when the connection breaks because the backend
// misbehaved. The error wraps ErrMalformed or ErrStalled. It is not called
// for a clean disconnect or after Close.
type FaultHandler func(err error)

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithFaultHandler sets the callback for a misbehaving backend.
func WithFaultHandler(f FaultHandler) Option {
	return func(e *Endpoint) { e.onFault = f }
}

// WithWriteTimeout bounds each outbound write. Zero or less keeps
// DefaultWriteTimeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(e *Endpoint) {
		if d > 0 {
			e.writeTimeout = d
		}
	}
}

// Endpoint is the manager side of a channel. It accepts a single backend
// connection. Send never blocks: messages are queued and written by a
// dedicated goroutine once the backend has connected.
type Endpoint struct {
	name         string
	path         string
	ln           net.Listener
	handler      Handler
	onFault      FaultHandler
	writeTimeout time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	conn    net.Conn
	queue   []protocol.Message
	broken  bool
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	dropped chan struct{}
	drop    sync.Once
}

// Listen binds the endpoint for name inside dir. A stale socket file left by
// a previous run is removed first.
func Listen(dir, name string, handler Handler, opts ...Option) (*Endpoint, error) {
	if name == "" {
		return nil, fmt.Errorf("endpoint name is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	path := Path(dir, name)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("bind endpoint %s: %w", path, err)
	}

	e := &Endpoint{
		name:         name,
		path:         path,
		ln:           ln,
		handler:      handler,
		writeTimeout: DefaultWriteTimeout,
		logger:       log.WithComponent("channel").With("endpoint", name),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		dropped:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	go e.acceptLoop()
	return e, nil
}

// Name returns the endpoint name.
func (e *Endpoint) Name() string { return e.name }

// Path returns the bound socket path.
func (e *Endpoint) Path() string { return e.path }

// Dropped is closed when the backend connection goes away.
func (e *Endpoint) Dropped() <-chan struct{} { return e.dropped }

// Send queues msg for the backend and returns without waiting for the
// write. It fails with ErrClosed once the endpoint is closed or the backend
// connection is gone.
func (e *Endpoint) Send(msg protocol.Message) error {
	if err := protocol.Validate(msg); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.broken {
		return ErrClosed
	}
	e.queue = append(e.queue, msg)
	e.signal()
	return nil
}

// signal wakes the writer. Callers hold e.mu.
func (e *Endpoint) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Queued returns the number of messages not yet handed to the socket.
func (e *Endpoint) Queued() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Close unbinds the endpoint. It does not wait for an in-flight handler call.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	conn := e.conn
	e.queue = nil
	close(e.done)
	e.mu.Unlock()

	err := e.ln.Close()
	if conn != nil {
		if cerr := conn.Close(); cerr != nil && err == nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
	}
	if rerr := os.Remove(e.path); rerr != nil && !errors.Is(rerr, os.ErrNotExist) && err == nil {
		err = rerr
	}
	return err
}

func (e *Endpoint) isClosed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// disconnect ends the backend connection for good. A non-nil cause is
// reported to the fault handler unless the endpoint was closed.
func (e *Endpoint) disconnect(conn net.Conn, cause error) {
	e.mu.Lock()
	first := !e.broken
	e.broken = true
	e.queue = nil
	closed := e.closed
	e.mu.Unlock()

	_ = conn.Close()
	e.drop.Do(func() { close(e.dropped) })
	if !first || closed || cause == nil {
		return
	}
	e.logger.Warn("backend connection faulted", "error", cause)
	if e.onFault != nil {
		e.onFault(cause)
	}
}

func (e *Endpoint) acceptLoop() {
	for {
		conn, err := e.ln.Accept()
		if err != nil {
			if !e.isClosed() {
				e.logger.Warn("accept failed", "error", err)
			}
			return
		}

		e.mu.Lock()
		if e.conn != nil || e.closed {
			e.mu.Unlock()
			e.logger.Warn("rejecting extra connection")
			_ = conn.Close()
			continue
		}
		e.conn = conn
		queued := len(e.queue)
		e.signal()
		e.mu.Unlock()

		e.logger.Debug("backend connected", "queued", queued)
		go e.writeLoop(conn)
		go e.readLoop(conn)
	}
}

// writeLoop drains the queue onto conn. A write that does not complete
// within the write timeout means the backend stopped reading.
func (e *Endpoint) writeLoop(conn net.Conn) {
	enc := protocol.NewEncoder(conn)
	for {
		select {
		case <-e.done:
			return
		case <-e.dropped:
			return
		case <-e.wake:
		}

		e.mu.Lock()
		batch := e.queue
		e.queue = nil
		e.mu.Unlock()

		for _, msg := range batch {
			if err := conn.SetWriteDeadline(time.Now().Add(e.writeTimeout)); err != nil {
				e.disconnect(conn, nil)
				return
			}
			if err := enc.Encode(msg); err != nil {
				var cause error
				if errors.Is(err, os.ErrDeadlineExceeded) {
					cause = fmt.Errorf("%w within %s", ErrStalled, e.writeTimeout)
				}
				if cause == nil && !e.isClosed() {
					e.logger.Warn("write to backend failed", "error", err)
				}
				e.disconnect(conn, cause)
				return
			}
		}
	}
}

func (e *Endpoint) readLoop(conn net.Conn) {
	dec := protocol.NewDecoder(conn)
	for {
		msg, err := dec.Decode()
		if err != nil {
			var cause error
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), e.isClosed():
			case errors.Is(err, protocol.ErrInvalidMessage):
				cause = fmt.Errorf("%w: %v", ErrMalformed, err)
			default:
				e.logger.Warn("read from backend failed", "error", err)
			}
			e.disconnect(conn, cause)
			return
		}
		if e.handler != nil {
			e.handler(msg)
		}
	}
}

// Package backendtest provides an in-process Backend for tests. Outbound
// requests are recorded and optionally answered synchronously.
package backendtest

import (
	"context"
	"sync"

	"github.com/mattjoyce/pt2/internal/backend"
	"github.com/mattjoyce/pt2/internal/protocol"
)

// Responder produces the messages a fake backend sends back for a request.
type Responder func(req protocol.Message) []protocol.Message

// Backend is an in-process backend.
type Backend struct {
	*backend.Wrapper

	mu           sync.Mutex
	sent         []protocol.Message
	kills        int
	autoRegister bool
	capabilities []string
	copyright    string
	responder    Responder
	stopExits    bool
}

// Option configures a Backend.
type Option func(*Backend)

// WithRegistration makes Launch register immediately with the given properties.
func WithRegistration(capabilities []string, copyright string) Option {
	return func(b *Backend) {
		b.autoRegister = true
		b.capabilities = capabilities
		b.copyright = copyright
	}
}

// WithResponder answers every request with the messages r returns.
func WithResponder(r Responder) Option {
	return func(b *Backend) { b.responder = r }
}

// WithStopExits makes Stop complete immediately, as if the process exited.
func WithStopExits() Option {
	return func(b *Backend) { b.stopExits = true }
}

// New returns a stopped in-process backend.
func New(desc backend.Descriptor, opts ...Option) *Backend {
	b := &Backend{Wrapper: backend.NewWrapper(desc, nil)}
	for _, opt := range opts {
		opt(b)
	}
	b.SetDriver(b)
	return b
}

// Launch begins a launch cycle and registers if configured to.
func (b *Backend) Launch(ctx context.Context) error {
	if err := b.BeginLaunch(); err != nil {
		return err
	}
	b.mu.Lock()
	register := b.autoRegister
	caps, copyright := b.capabilities, b.copyright
	b.mu.Unlock()

	if register {
		b.HandleMessage(protocol.NewRegisterBackend(caps, copyright))
	}
	return nil
}

// Stop moves a running backend to Stopping, and to Stopped when configured
// with WithStopExits.
func (b *Backend) Stop() error {
	if !b.CompareAndSetStatus(backend.StatusStopping, backend.StatusLaunching, backend.StatusLaunched) {
		return nil
	}
	b.mu.Lock()
	exits := b.stopExits
	b.mu.Unlock()
	if exits {
		b.Exit()
	}
	return nil
}

// Exit simulates the backend process exiting.
func (b *Backend) Exit() {
	b.CompareAndSetStatus(backend.StatusStopped, backend.StatusLaunching, backend.StatusLaunched, backend.StatusStopping)
}

// Crash simulates an unexpected process fault.
func (b *Backend) Crash(reason string) {
	if b.Status().Running() {
		b.Fail(reason)
	}
}

// WaitForStopped returns once the backend is no longer running.
func (b *Backend) WaitForStopped(ctx context.Context) error {
	if !b.Status().Running() {
		return nil
	}
	done := make(chan struct{})
	var once sync.Once
	cancel := b.Subscribe(backend.ObserverFunc(func(ev backend.Event) {
		if ev.Kind == backend.EventStatusChanged && !ev.Status.Running() {
			once.Do(func() { close(done) })
		}
	}))
	defer cancel()
	if !b.Status().Running() {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kill stops the backend immediately.
func (b *Backend) Kill() error {
	b.mu.Lock()
	b.kills++
	b.mu.Unlock()
	b.CompareAndSetStatus(backend.StatusStopped, backend.StatusLaunching, backend.StatusLaunched, backend.StatusStopping)
	return nil
}

// Send records msg and delivers the responder's answers.
func (b *Backend) Send(msg protocol.Message) error {
	b.mu.Lock()
	b.sent = append(b.sent, msg)
	responder := b.responder
	b.mu.Unlock()

	if responder != nil {
		for _, reply := range responder(msg) {
			b.HandleMessage(reply)
		}
	}
	return nil
}

// Sent returns the messages sent to the backend so far.
func (b *Backend) Sent() []protocol.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]protocol.Message, len(b.sent))
	copy(out, b.sent)
	return out
}

// Kills returns how many times Kill was called.
func (b *Backend) Kills() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.kills
}

var _ backend.Backend = (*Backend)(nil)

// Package manager holds the supervised backends keyed by identifier and
// routes requests to them.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/pt2/internal/backend"
	"github.com/mattjoyce/pt2/internal/config"
	"github.com/mattjoyce/pt2/internal/discovery"
	"github.com/mattjoyce/pt2/internal/events"
	"github.com/mattjoyce/pt2/internal/log"
)

var (
	// ErrBackendNotFound is returned for unknown identifiers.
	ErrBackendNotFound = errors.New("backend not found")
	// ErrDuplicateBackend is returned when an identifier is added twice.
	ErrDuplicateBackend = errors.New("backend already added")
	// ErrAbandoned is returned by Call when the backend stopped before
	// answering.
	ErrAbandoned = errors.New("request abandoned")
)

// RequestError is a failure reported by the backend for one request.
type RequestError struct {
	ErrorID string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrorID, e.Message)
}

// Journal records request outcomes.
type Journal interface {
	backend.Observer
	Record(ctx context.Context, backendID, requestID, operation string) error
}

// Factory builds the backend for a discovered manifest.
type Factory func(info *discovery.BackendInfo, bc config.BackendConfig) backend.Backend

// Options wires the manager's sinks. Both are optional.
type Options struct {
	Hub     *events.Hub
	Journal Journal
}

type entry struct {
	info        *discovery.BackendInfo
	conf        config.BackendConfig
	backend     backend.Backend
	unsubscribe func()
}

// Manager owns a collection of backends.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

// New returns an empty manager.
func New(opts Options) *Manager {
	return &Manager{
		opts:    opts,
		logger:  log.WithComponent("manager"),
		entries: make(map[string]*entry),
	}
}

// Add registers b under info.Identifier and forwards its notifications to
// the hub and the journal.
func (m *Manager) Add(info *discovery.BackendInfo, bc config.BackendConfig, b backend.Backend) error {
	id := info.Identifier
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateBackend, id)
	}
	if bc.Timeouts == nil {
		t := config.DefaultTimeouts()
		bc.Timeouts = &t
	}
	e := &entry{info: info, conf: bc, backend: b}
	e.unsubscribe = b.Subscribe(backend.ObserverFunc(m.forward))
	m.entries[id] = e
	return nil
}

// Load adds every enabled backend of reg, built by factory.
func (m *Manager) Load(reg *discovery.Registry, cfg *config.Config, factory Factory) error {
	for _, info := range reg.All() {
		bc := cfg.Backend(info.Identifier)
		if !bc.Enabled {
			m.logger.Info("backend disabled by config", "backend", info.Identifier)
			continue
		}
		if err := m.Add(info, bc, factory(info, bc)); err != nil {
			return err
		}
	}
	for id := range cfg.Backends {
		if _, ok := reg.Get(id); !ok {
			m.logger.Warn("configured backend was not discovered", "backend", id)
		}
	}
	return nil
}

func (m *Manager) forward(ev backend.Event) {
	if m.opts.Hub != nil {
		m.opts.Hub.Publish(string(ev.Kind), ev.Backend, ev)
	}
	if m.opts.Journal != nil && ev.Resolves() {
		m.opts.Journal.Notify(ev)
	}
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBackendNotFound, id)
	}
	return e, nil
}

// Get returns the backend registered under id.
func (m *Manager) Get(id string) (backend.Backend, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return e.backend, nil
}

// Snapshot is the observable state of one backend.
type Snapshot struct {
	discovery.Manifest
	Status       backend.Status `json:"status"`
	LastError    string         `json:"last_error,omitempty"`
	Capabilities []string       `json:"capabilities"`
	Copyright    string         `json:"copyright,omitempty"`
	Pending      int            `json:"pending"`
	Autostart    bool           `json:"autostart"`
}

func (e *entry) snapshot() Snapshot {
	caps := e.backend.Capabilities()
	if caps == nil {
		caps = []string{}
	}
	return Snapshot{
		Manifest:     e.info.Manifest,
		Status:       e.backend.Status(),
		LastError:    e.backend.LastError(),
		Capabilities: caps,
		Copyright:    e.backend.Copyright(),
		Pending:      e.backend.Pending(),
		Autostart:    e.conf.Autostart,
	}
}

// Describe returns the snapshot of one backend.
func (m *Manager) Describe(id string) (Snapshot, error) {
	e, err := m.lookup(id)
	if err != nil {
		return Snapshot{}, err
	}
	return e.snapshot(), nil
}

// List returns snapshots sorted by identifier. A non-empty country keeps
// only backends serving it.
func (m *Manager) List(country string) []Snapshot {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		if e.info.ServesCountry(country) {
			entries = append(entries, e)
		}
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].info.Identifier < entries[j].info.Identifier })
	out := make([]Snapshot, len(entries))
	for i, e := range entries {
		out[i] = e.snapshot()
	}
	return out
}

// Launch starts the backend.
func (m *Manager) Launch(ctx context.Context, id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	return e.backend.Launch(ctx)
}

// Autostart launches every backend configured with autostart. Failures are
// logged; they leave the backend Invalid.
func (m *Manager) Autostart(ctx context.Context) int {
	m.mu.RLock()
	var ids []string
	for id, e := range m.entries {
		if e.conf.Autostart {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	launched := 0
	for _, id := range ids {
		if err := m.Launch(ctx, id); err != nil {
			m.logger.Error("autostart failed", "backend", id, "error", err)
			continue
		}
		launched++
	}
	return launched
}

// Stop asks the backend to exit.
func (m *Manager) Stop(id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	return e.backend.Stop()
}

// Kill terminates the backend.
func (m *Manager) Kill(id string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	return e.backend.Kill()
}

// Request issues op and returns its id without waiting for the answer.
func (m *Manager) Request(ctx context.Context, id, op string, params any) (string, error) {
	e, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	requestID, err := e.backend.RequestOperation(op, params)
	if err != nil {
		return "", err
	}
	m.record(ctx, id, requestID, op)
	return requestID, nil
}

func (m *Manager) record(ctx context.Context, id, requestID, op string) {
	if m.opts.Journal == nil {
		return
	}
	if err := m.opts.Journal.Record(ctx, id, requestID, op); err != nil {
		m.logger.Error("failed to journal request", "backend", id, "request_id", requestID, "error", err)
	}
}

// Call issues op and waits for its resolution. A backend error is returned
// as *RequestError and a purged request as ErrAbandoned; the resolving event
// is returned in both cases. Without a context deadline the backend's
// request timeout applies.
func (m *Manager) Call(ctx context.Context, id, op string, params any) (backend.Event, error) {
	e, err := m.lookup(id)
	if err != nil {
		return backend.Event{}, err
	}
	if _, ok := ctx.Deadline(); !ok && e.conf.Timeouts.Request > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.conf.Timeouts.Request)
		defer cancel()
	}

	// Subscribe first: a synchronous backend may answer inside RequestOperation.
	w := newWaiter()
	unsubscribe := e.backend.Subscribe(w)
	defer unsubscribe()

	requestID, err := e.backend.RequestOperation(op, params)
	if err != nil {
		return backend.Event{}, err
	}
	m.record(ctx, id, requestID, op)

	ev, err := w.wait(ctx, requestID)
	if err != nil {
		return backend.Event{RequestID: requestID, Backend: id, Operation: op}, fmt.Errorf("request %s: %w", requestID, err)
	}
	switch ev.Kind {
	case backend.EventErrorRegistered:
		return ev, &RequestError{ErrorID: ev.ErrorID, Message: ev.ErrorMessage}
	case backend.EventRequestAbandoned:
		return ev, fmt.Errorf("request %s: %w", requestID, ErrAbandoned)
	}
	return ev, nil
}

// Shutdown stops every running backend concurrently. A backend that has not
// exited within its stop grace period is killed.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, e := range entries {
		e := e
		if !e.backend.Status().Running() {
			continue
		}
		g.Go(func() error { return m.shutdownOne(ctx, e) })
	}
	return g.Wait()
}

func (m *Manager) shutdownOne(ctx context.Context, e *entry) error {
	id := e.info.Identifier
	if err := e.backend.Stop(); err != nil {
		m.logger.Warn("stop failed, killing", "backend", id, "error", err)
		return e.backend.Kill()
	}

	grace := e.conf.Timeouts.StopGrace
	if grace <= 0 {
		grace = config.DefaultTimeouts().StopGrace
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := e.backend.WaitForStopped(wctx); err == nil {
		return nil
	}

	m.logger.Warn("backend did not stop in time, killing", "backend", id, "grace", grace)
	if err := e.backend.Kill(); err != nil {
		return fmt.Errorf("kill %s: %w", id, err)
	}
	return nil
}

// Close detaches the manager from every backend.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		e.unsubscribe()
	}
}

// waiter buffers resolutions by request id until the caller claims one.
type waiter struct {
	mu       sync.Mutex
	resolved map[string]backend.Event
	signal   chan struct{}
}

func newWaiter() *waiter {
	return &waiter{
		resolved: make(map[string]backend.Event),
		signal:   make(chan struct{}, 1),
	}
}

func (w *waiter) Notify(ev backend.Event) {
	if !ev.Resolves() {
		return
	}
	w.mu.Lock()
	w.resolved[ev.RequestID] = ev
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *waiter) wait(ctx context.Context, requestID string) (backend.Event, error) {
	for {
		w.mu.Lock()
		ev, ok := w.resolved[requestID]
		w.mu.Unlock()
		if ok {
			return ev, nil
		}
		select {
		case <-w.signal:
		case <-ctx.Done():
			return backend.Event{}, ctx.Err()
		}
	}
}

// ParseWait parses a ?wait= duration, accepting plain seconds.
func ParseWait(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	secs, err := strconv.Atoi(s)
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("invalid wait duration %q", s)
	}
	return time.Duration(secs) * time.Second, nil
}

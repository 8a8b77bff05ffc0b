package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/mattjoyce/pt2/internal/log"
	"github.com/mattjoyce/pt2/internal/protocol"
	"github.com/mattjoyce/pt2/internal/registry"
)

var (
	// ErrUnknownOperation is returned when a request names an operation that
	// is not in the wrapper's operation table.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrAlreadyRunning is returned by Launch while a launch cycle is active.
	ErrAlreadyRunning = errors.New("backend is already running")
	// ErrNotRunning is returned when a request is issued to a backend that is
	// stopped or invalid. No pending entry is created.
	ErrNotRunning = errors.New("backend is not running")
)

// Protocol violation messages recorded as lastError.
const (
	violationRegisterNotLaunched = "Backend is registering while not yet launched"
	violationRegisterTwice       = "Backend is registering twice"
	violationReplyBeforeRegister = "Backend replied before registering"
)

// Driver is the transport-specific half of a backend: it delivers outbound
// messages and forcibly terminates the backend.
type Driver interface {
	Send(msg protocol.Message) error
	Kill() error
}

// Wrapper is the manager-side state of one backend: identity, lifecycle
// status, advertised capabilities and the registry of pending requests.
// Concrete backends embed it and supply a Driver.
type Wrapper struct {
	desc     Descriptor
	ops      protocol.Table
	registry *registry.Registry
	logger   *slog.Logger

	mu           sync.Mutex
	driver       Driver
	status       Status
	lastError    string
	capabilities []string
	copyright    string
	observers    map[int]Observer
	nextObserver int

	// emitMu is taken before mu is released so that notifications leave in
	// mutation order while observers can still read accessors.
	emitMu sync.Mutex
}

// NewWrapper returns a stopped wrapper for desc. A nil table means
// protocol.DefaultOperations.
func NewWrapper(desc Descriptor, ops protocol.Table) *Wrapper {
	if ops == nil {
		ops = protocol.DefaultOperations()
	}
	return &Wrapper{
		desc:      desc.Clone(),
		ops:       ops,
		registry:  registry.New(),
		logger:    log.WithBackend(desc.Identifier),
		observers: make(map[int]Observer),
	}
}

// SetDriver attaches the transport used for outbound messages and kills.
func (w *Wrapper) SetDriver(d Driver) {
	w.mu.Lock()
	w.driver = d
	w.mu.Unlock()
}

// SetLogger replaces the wrapper's logger.
func (w *Wrapper) SetLogger(l *slog.Logger) {
	w.mu.Lock()
	w.logger = l
	w.mu.Unlock()
}

// Logger returns the wrapper's logger.
func (w *Wrapper) Logger() *slog.Logger {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.logger
}

// Identifier returns the configured backend identifier.
func (w *Wrapper) Identifier() string { return w.desc.Identifier }

// Descriptor returns a copy of the configuration the wrapper was built from.
func (w *Wrapper) Descriptor() Descriptor { return w.desc.Clone() }

// Operations returns the table replies are decoded against.
func (w *Wrapper) Operations() protocol.Table {
	return w.ops
}

// Status returns the current lifecycle status.
func (w *Wrapper) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// LastError returns the reason the backend was last marked invalid. It is
// cleared by the next launch.
func (w *Wrapper) LastError() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastError
}

// Capabilities returns a copy of the tags advertised at registration.
func (w *Wrapper) Capabilities() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.capabilities)
}

// HasCapability reports whether the backend advertised tag.
func (w *Wrapper) HasCapability(tag string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Contains(w.capabilities, tag)
}

// Copyright returns the notice the backend registered with.
func (w *Wrapper) Copyright() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.copyright
}

// Pending returns the number of unanswered requests.
func (w *Wrapper) Pending() int {
	return w.registry.Len()
}

// Subscribe registers an observer and returns a function that removes it.
func (w *Wrapper) Subscribe(o Observer) func() {
	w.mu.Lock()
	id := w.nextObserver
	w.nextObserver++
	w.observers[id] = o
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		delete(w.observers, id)
		w.mu.Unlock()
	}
}

// WaitForStopped returns immediately. Process-backed wrappers override it.
func (w *Wrapper) WaitForStopped(ctx context.Context) error {
	return nil
}

// RequestOperation records a pending request for op and sends it to the
// backend. It never blocks on the answer: the reply arrives later as an
// EventReplyRegistered or EventErrorRegistered notification carrying the
// returned id. Requests issued while launching are queued by the driver.
func (w *Wrapper) RequestOperation(op string, params any) (string, error) {
	if _, ok := w.ops.Lookup(op); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownOperation, op)
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s params: %w", op, err)
	}

	w.mu.Lock()
	status := w.status
	driver := w.driver
	logger := w.logger
	if status != StatusLaunching && status != StatusLaunched {
		w.mu.Unlock()
		return "", fmt.Errorf("%w: %s is %s", ErrNotRunning, w.desc.Identifier, status)
	}
	pending := w.registry.Insert(op)
	w.mu.Unlock()

	logger.Debug("request created", "request_id", pending.RequestID, "operation", op)

	if driver == nil {
		logger.Warn("no transport attached, request stays pending", "request_id", pending.RequestID)
		return pending.RequestID, nil
	}
	if err := driver.Send(protocol.NewRequest(pending.RequestID, op, raw)); err != nil {
		// The entry stays pending; it is resolved by a later purge.
		logger.Warn("failed to send request", "request_id", pending.RequestID, "error", err)
	}
	return pending.RequestID, nil
}

// HandleMessage routes an inbound backend message.
func (w *Wrapper) HandleMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeRegisterBackend:
		w.RegisterBackend(msg.Capabilities, msg.Copyright)
	case protocol.TypeReply:
		w.RegisterReply(msg.RequestID, msg.Operation, msg.Result)
	case protocol.TypeError:
		w.RegisterError(msg.RequestID, msg.ErrorID, msg.ErrorMessage)
	default:
		w.Logger().Warn("ignoring unexpected message from backend", "type", msg.Type)
	}
}

// RegisterBackend completes the Launching to Launched transition.
// Registering in any other state is a protocol violation, except while
// Invalid where it is ignored.
func (w *Wrapper) RegisterBackend(capabilities []string, copyright string) {
	switch status := w.Status(); status {
	case StatusLaunching:
		w.SetBackendProperties(capabilities, copyright)
		w.CompareAndSetStatus(StatusLaunched, StatusLaunching)
	case StatusLaunched:
		w.violation(violationRegisterTwice)
	case StatusStopping, StatusStopped:
		w.violation(violationRegisterNotLaunched)
	case StatusInvalid:
		w.Logger().Debug("ignoring registration of invalid backend")
	}
}

// RegisterReply resolves a pending request with a result. Unknown ids are
// ignored. A reply whose operation does not match the pending entry, or whose
// result cannot be decoded, fails the request and the backend.
func (w *Wrapper) RegisterReply(requestID, operation string, result json.RawMessage) {
	pending, ok := w.registry.Take(requestID)
	if !ok {
		w.Logger().Debug("ignoring reply for unknown request", "request_id", requestID, "operation", operation)
		return
	}

	if w.Status() == StatusLaunching {
		w.invalidReply(pending.RequestID, pending.Operation, violationReplyBeforeRegister)
		return
	}

	if operation != pending.Operation {
		w.invalidReply(pending.RequestID, pending.Operation,
			fmt.Sprintf("Reply to %s answered as %s", pending.Operation, operation))
		return
	}

	op, _ := w.ops.Lookup(pending.Operation)
	decoded, err := op.DecodeResult(result)
	if err != nil {
		w.invalidReply(pending.RequestID, pending.Operation, fmt.Sprintf("Malformed reply: %v", err))
		return
	}

	w.mu.Lock()
	w.logger.Debug("request succeeded", "request_id", requestID, "operation", operation)
	w.commit(w.eventLocked(Event{
		Kind:      EventReplyRegistered,
		RequestID: requestID,
		Operation: operation,
		RawResult: result,
		Result:    decoded,
	}))
}

// RegisterError resolves a pending request with a backend-reported error.
func (w *Wrapper) RegisterError(requestID, errorID, errorMessage string) {
	pending, ok := w.registry.Take(requestID)
	if !ok {
		w.Logger().Debug("ignoring error for unknown request", "request_id", requestID, "error_id", errorID)
		return
	}

	w.mu.Lock()
	w.logger.Debug("request failed", "request_id", requestID, "operation", pending.Operation,
		"error_id", errorID, "error", errorMessage)
	w.commit(w.eventLocked(Event{
		Kind:         EventErrorRegistered,
		RequestID:    requestID,
		Operation:    pending.Operation,
		ErrorID:      errorID,
		ErrorMessage: errorMessage,
	}))
}

func (w *Wrapper) invalidReply(requestID, operation, reason string) {
	w.mu.Lock()
	w.commit(w.eventLocked(Event{
		Kind:         EventErrorRegistered,
		RequestID:    requestID,
		Operation:    operation,
		ErrorID:      protocol.ErrorInvalidRequestType,
		ErrorMessage: reason,
	}))
	w.violation(reason)
}

// violation kills the backend and marks it invalid.
func (w *Wrapper) violation(reason string) {
	w.mu.Lock()
	driver := w.driver
	logger := w.logger
	w.mu.Unlock()

	logger.Warn("protocol violation", "error", reason)
	if driver != nil {
		if err := driver.Kill(); err != nil {
			logger.Error("failed to kill misbehaving backend", "error", err)
		}
	}
	w.Fail(reason)
}

// SetStatus moves to status and notifies observers if it changed.
func (w *Wrapper) SetStatus(status Status) {
	w.mu.Lock()
	w.commit(w.setStatusLocked(status)...)
}

// CompareAndSetStatus moves to status only if the current status is one of
// from. It reports whether the transition happened.
func (w *Wrapper) CompareAndSetStatus(status Status, from ...Status) bool {
	w.mu.Lock()
	if !slices.Contains(from, w.status) {
		w.mu.Unlock()
		return false
	}
	w.commit(w.setStatusLocked(status)...)
	return true
}

// Fail records reason as the last error and marks the backend invalid.
func (w *Wrapper) Fail(reason string) {
	w.mu.Lock()
	w.lastError = reason
	w.logger.Error("backend failed", "error", reason)
	w.commit(w.setStatusLocked(StatusInvalid)...)
}

// BeginLaunch starts a new launch cycle from Stopped or Invalid. It clears
// the last error and the advertised properties.
func (w *Wrapper) BeginLaunch() error {
	w.mu.Lock()
	if w.status.Running() {
		status := w.status
		w.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrAlreadyRunning, w.desc.Identifier, status)
	}
	w.lastError = ""
	events := w.setPropertiesLocked(nil, "")
	events = append(events, w.setStatusLocked(StatusLaunching)...)
	w.commit(events...)
	return nil
}

// SetBackendProperties updates capabilities and copyright. Each change is
// notified independently.
func (w *Wrapper) SetBackendProperties(capabilities []string, copyright string) {
	w.mu.Lock()
	w.commit(w.setPropertiesLocked(capabilities, copyright)...)
}

func (w *Wrapper) setPropertiesLocked(capabilities []string, copyright string) []Event {
	var events []Event
	if !slices.Equal(w.capabilities, capabilities) {
		w.capabilities = slices.Clone(capabilities)
		events = append(events, w.eventLocked(Event{Kind: EventCapabilitiesChanged, Capabilities: slices.Clone(capabilities)}))
	}
	if w.copyright != copyright {
		w.copyright = copyright
		events = append(events, w.eventLocked(Event{Kind: EventCopyrightChanged, Copyright: copyright}))
	}
	return events
}

func (w *Wrapper) setStatusLocked(status Status) []Event {
	if w.status == status {
		return nil
	}
	from := w.status
	w.status = status
	w.logger.Info("backend status changed", "from", from.String(), "to", status.String())

	events := []Event{w.eventLocked(Event{Kind: EventStatusChanged, LastError: w.lastError})}

	switch status {
	case StatusStopping, StatusStopped, StatusInvalid:
		for _, p := range w.registry.Purge() {
			w.logger.Debug("request abandoned", "request_id", p.RequestID, "operation", p.Operation)
			events = append(events, w.eventLocked(Event{
				Kind:      EventRequestAbandoned,
				RequestID: p.RequestID,
				Operation: p.Operation,
			}))
		}
	}
	return events
}

func (w *Wrapper) eventLocked(ev Event) Event {
	ev.Backend = w.desc.Identifier
	ev.Status = w.status
	return ev
}

// commit must be called with mu held. It releases mu and delivers events.
func (w *Wrapper) commit(events ...Event) {
	if len(events) == 0 {
		w.mu.Unlock()
		return
	}
	observers := make([]Observer, 0, len(w.observers))
	ids := make([]int, 0, len(w.observers))
	for id := range w.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		observers = append(observers, w.observers[id])
	}

	w.emitMu.Lock()
	w.mu.Unlock()
	defer w.emitMu.Unlock()

	for _, ev := range events {
		for _, o := range observers {
			o.Notify(ev)
		}
	}
}

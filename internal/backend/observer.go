package backend

import "encoding/json"

//go:generate mockgen -destination=mocks/mock_observer.go -package=mocks github.com/mattjoyce/pt2/internal/backend Observer

// EventKind identifies a backend notification.
type EventKind string

const (
	EventStatusChanged       EventKind = "backend.status_changed"
	EventCapabilitiesChanged EventKind = "backend.capabilities_changed"
	EventCopyrightChanged    EventKind = "backend.copyright_changed"
	EventReplyRegistered     EventKind = "request.succeeded"
	EventErrorRegistered     EventKind = "request.failed"
	EventRequestAbandoned    EventKind = "request.abandoned"
)

// Event is a notification emitted by a backend wrapper. Events are delivered
// synchronously and in mutation order.
type Event struct {
	Kind    EventKind `json:"kind"`
	Backend string    `json:"backend"`
	Status  Status    `json:"status"`

	LastError    string   `json:"last_error,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Copyright    string   `json:"copyright,omitempty"`

	RequestID    string          `json:"request_id,omitempty"`
	Operation    string          `json:"operation,omitempty"`
	RawResult    json.RawMessage `json:"result,omitempty"`
	Result       any             `json:"-"`
	ErrorID      string          `json:"error_id,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// Resolves reports whether the event ends a pending request.
func (e Event) Resolves() bool {
	switch e.Kind {
	case EventReplyRegistered, EventErrorRegistered, EventRequestAbandoned:
		return true
	}
	return false
}

// Observer receives backend notifications. Notify must not call lifecycle
// methods of the emitting backend synchronously.
type Observer interface {
	Notify(ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Notify calls f(ev).
func (f ObserverFunc) Notify(ev Event) { f(ev) }

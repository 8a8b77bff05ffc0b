// Package events fans backend notifications out to API and TUI clients.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a published notification.
type Event struct {
	ID      int64           `json:"id"`
	Type    string          `json:"type"`
	Backend string          `json:"backend,omitempty"`
	At      time.Time       `json:"at"`
	Data    json.RawMessage `json:"data"`
}

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]subscriber
	nextSubID int
}

type subscriber struct {
	ch      chan Event
	backend string
}

// NewHub returns a hub that replays up to capacity events.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]subscriber),
	}
}

// Publish stamps and broadcasts an event. Slow subscribers miss events
// rather than block the publisher.
func (h *Hub) Publish(eventType, backend string, data any) Event {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ev := Event{
		ID:      h.nextID.Add(1),
		Type:    eventType,
		Backend: backend,
		At:      time.Now().UTC(),
		Data:    payload,
	}
	h.pushLocked(ev)
	for _, sub := range h.subs {
		if !sub.wants(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
	return ev
}

func (s subscriber) wants(ev Event) bool {
	return s.backend == "" || s.backend == ev.Backend
}

// Subscribe returns a channel of events for backend ("" for all) and a
// cancel function that closes it.
func (h *Hub) Subscribe(backend string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = subscriber{ch: ch, backend: backend}

	cancel := func() {
		h.mu.Lock()
		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(s.ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// SnapshotSince returns buffered events for backend ("" for all) with
// ID > lastID, oldest first.
func (h *Hub) SnapshotSince(lastID int64, backend string) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	filter := subscriber{backend: backend}
	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID > lastID && filter.wants(ev) {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}

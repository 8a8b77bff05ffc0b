// Package registry tracks the requests issued to one backend that have not
// been answered yet.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Pending is an outstanding request.
type Pending struct {
	RequestID string
	Operation string
	IssuedAt  time.Time
}

// Registry maps request ids to the operation they were issued for.
// Ids are random UUIDs so they stay unique across restarts and backends.
type Registry struct {
	mu      sync.Mutex
	pending map[string]Pending
	newID   func() string
	now     func() time.Time
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		pending: make(map[string]Pending),
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

// Insert records a new pending request for operation and returns its id.
func (r *Registry) Insert(operation string) Pending {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	for {
		if _, taken := r.pending[id]; !taken {
			break
		}
		id = r.newID()
	}
	p := Pending{RequestID: id, Operation: operation, IssuedAt: r.now()}
	r.pending[id] = p
	return p
}

// Take removes and returns the pending entry for id. The second return value
// is false when id is not pending, so each entry is taken at most once.
func (r *Registry) Take(id string) (Pending, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	return p, ok
}

// Len returns the number of pending requests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Purge removes every pending entry and returns them oldest first.
func (r *Registry) Purge() []Pending {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Pending, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, p)
	}
	r.pending = make(map[string]Pending)

	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	return out
}

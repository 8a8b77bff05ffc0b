package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertGeneratesDistinctIDs(t *testing.T) {
	r := New()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		p := r.Insert("op")
		require.False(t, seen[p.RequestID], "duplicate id %s", p.RequestID)
		seen[p.RequestID] = true
	}
	assert.Equal(t, 1000, r.Len())
}

func TestInsertRetriesOnCollision(t *testing.T) {
	r := New()
	ids := []string{"a", "a", "b"}
	r.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	first := r.Insert("op")
	second := r.Insert("op")
	assert.Equal(t, "a", first.RequestID)
	assert.Equal(t, "b", second.RequestID)
}

func TestTakeRemovesExactlyOnce(t *testing.T) {
	r := New()
	p := r.Insert("real_time_suggested_lines")

	got, ok := r.Take(p.RequestID)
	require.True(t, ok)
	assert.Equal(t, p, got)
	assert.Equal(t, "real_time_suggested_lines", got.Operation)

	_, ok = r.Take(p.RequestID)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestTakeConcurrent(t *testing.T) {
	r := New()
	p := r.Insert("op")

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := r.Take(p.RequestID); ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestPurgeOrdersOldestFirst(t *testing.T) {
	r := New()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	r.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	a := r.Insert("a")
	b := r.Insert("b")
	c := r.Insert("c")

	purged := r.Purge()
	require.Len(t, purged, 3)
	assert.Equal(t, []string{a.RequestID, b.RequestID, c.RequestID},
		[]string{purged[0].RequestID, purged[1].RequestID, purged[2].RequestID})
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Purge())
}

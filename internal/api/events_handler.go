package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/pt2/internal/events"
)

const sseKeepAlive = 15 * time.Second

// sseStream frames hub events on a flushed response.
type sseStream struct {
	w      http.ResponseWriter
	prefix string
	lastID int64
}

// send writes ev unless it was already sent or its type is filtered out.
func (s *sseStream) send(ev events.Event) error {
	if ev.ID <= s.lastID {
		return nil
	}
	s.lastID = ev.ID
	if !strings.HasPrefix(ev.Type, s.prefix) {
		return nil
	}
	if _, err := fmt.Fprintf(s.w, "id: %d\n", ev.ID); err != nil {
		return err
	}
	if ev.Type != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", ev.Type); err != nil {
			return err
		}
	}
	// Payloads are single-line JSON.
	_, err := fmt.Fprintf(s.w, "data: %s\n\n", ev.Data)
	return err
}

func (s *sseStream) ping() error {
	_, err := fmt.Fprint(s.w, ": keep-alive\n\n")
	return err
}

// handleEvents handles GET /events. ?backend= restricts the stream to one
// backend and ?type= to event types with that prefix ("request.",
// "backend.status_changed"). Last-Event-ID resumes from the ring buffer.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		s.writeError(w, http.StatusNotImplemented, "event stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	backendID := r.URL.Query().Get("backend")

	// Subscribe before replaying so nothing published in between is lost.
	ch, cancel := s.hub.Subscribe(backendID)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	stream := &sseStream{
		w:      w,
		prefix: r.URL.Query().Get("type"),
		lastID: parseLastEventID(r.Header.Get("Last-Event-ID")),
	}
	for _, ev := range s.hub.SnapshotSince(stream.lastID, backendID) {
		if err := stream.send(ev); err != nil {
			return
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		var err error
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			err = stream.send(ev)
		case <-keepAlive.C:
			err = stream.ping()
		}
		if err != nil {
			return
		}
		flusher.Flush()
	}
}

func parseLastEventID(v string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (s *Server) uptime() time.Duration {
	return time.Since(s.startedAt)
}

package tui

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/pt2/internal/events"
	"github.com/mattjoyce/pt2/internal/manager"
)

type eventMsg events.Event

type healthMsg struct {
	Status          string `json:"status"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	BackendsLoaded  int    `json:"backends_loaded"`
	BackendsRunning int    `json:"backends_running"`
	BackendsInvalid int    `json:"backends_invalid"`
}

type backendsMsg []manager.Snapshot

type tickMsg time.Time

type errMsg struct{ err error }

type sseDisconnectedMsg struct{}

type reconnectMsg struct{}

// client talks to the pt2 HTTP API.
type client struct {
	apiURL string
	apiKey string
	http   *http.Client
}

func (c *client) get(path string, timeout time.Duration) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, c.apiURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	hc := c.http
	if timeout > 0 {
		hc = &http.Client{Timeout: timeout, Transport: c.http.Transport}
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return resp, nil
}

// subscribe reads the SSE stream into ch until the connection drops.
func (c *client) subscribe(lastID func() int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodGet, c.apiURL+"/events", nil)
		if err != nil {
			return errMsg{err}
		}
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}
		if id := lastID(); id > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(id, 10))
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()

		parseSSE(bufio.NewScanner(resp.Body), ch)
		return sseDisconnectedMsg{}
	}
}

// parseSSE frames "id/event/data" blocks into events.
func parseSSE(scanner *bufio.Scanner, ch chan<- events.Event) {
	var current events.Event
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(current.Data) > 0 {
				current.At = time.Now()
				if ev, ok := decodeHubEvent(current); ok {
					ch <- ev
				}
			}
			current = events.Event{}
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				current.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			current.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			current.Data = []byte(line[6:])
		}
	}
}

// decodeHubEvent fills the backend field from the payload.
func decodeHubEvent(ev events.Event) (events.Event, bool) {
	var payload struct {
		Backend string `json:"backend"`
	}
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return ev, false
	}
	ev.Backend = payload.Backend
	return ev, true
}

func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func (c *client) fetchHealth() tea.Msg {
	resp, err := c.get("/healthz", 2*time.Second)
	if err != nil {
		return errMsg{err}
	}
	defer resp.Body.Close()

	var h healthMsg
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return errMsg{err}
	}
	return h
}

func (c *client) fetchBackends() tea.Msg {
	resp, err := c.get("/backends", 2*time.Second)
	if err != nil {
		return errMsg{err}
	}
	defer resp.Body.Close()

	var body struct {
		Backends []manager.Snapshot `json:"backends"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return errMsg{err}
	}
	return backendsMsg(body.Backends)
}

package tui

import (
	"bufio"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/pt2/internal/backend"
	"github.com/mattjoyce/pt2/internal/discovery"
	"github.com/mattjoyce/pt2/internal/events"
	"github.com/mattjoyce/pt2/internal/manager"
)

func hubEvent(t *testing.T, id int64, ev backend.Event) events.Event {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	return events.Event{ID: id, Type: string(ev.Kind), Backend: ev.Backend, At: time.Now(), Data: data}
}

func sized(t *testing.T) *Model {
	t.Helper()
	m := NewMonitor("http://127.0.0.1:0/", "")
	_, _ = m.Update(tea.WindowSizeMsg{Width: 140, Height: 40})
	return m
}

func TestInitialView(t *testing.T) {
	m := NewMonitor("http://127.0.0.1:0", "")
	assert.Equal(t, "Initializing...", m.View())
	assert.Equal(t, "http://127.0.0.1:0", m.client.apiURL)

	m = sized(t)
	view := m.View()
	assert.Contains(t, view, "Backends")
	assert.Contains(t, view, "No events yet...")
	assert.Contains(t, view, "CONNECTING")
}

func TestBackendsAndEvents(t *testing.T) {
	m := sized(t)
	_, _ = m.Update(backendsMsg([]manager.Snapshot{
		{Manifest: discovery.Manifest{Identifier: "org.b"}, Status: backend.StatusStopped},
		{Manifest: discovery.Manifest{Identifier: "org.a"}, Status: backend.StatusLaunched, Pending: 2},
	}))
	assert.Equal(t, []string{"org.a", "org.b"}, m.order)

	_, cmd := m.Update(eventMsg(hubEvent(t, 7, backend.Event{
		Kind: backend.EventStatusChanged, Backend: "org.b", Status: backend.StatusInvalid, LastError: "Backend exited with status 3",
	})))
	require.NotNil(t, cmd, "keeps receiving events")
	assert.True(t, m.connected)
	assert.Equal(t, int64(7), m.lastEventID())
	assert.Equal(t, backend.StatusInvalid, m.backends["org.b"].Status)

	_, _ = m.Update(eventMsg(hubEvent(t, 8, backend.Event{
		Kind: backend.EventReplyRegistered, Backend: "org.a", RequestID: "r1", Operation: "op",
	})))
	assert.Equal(t, 1, m.backends["org.a"].Pending)

	_, _ = m.Update(eventMsg(hubEvent(t, 9, backend.Event{
		Kind: backend.EventCapabilitiesChanged, Backend: "org.new", Capabilities: []string{"a", "b"},
	})))
	assert.Equal(t, []string{"org.a", "org.b", "org.new"}, m.order)

	rows := m.table.Rows()
	require.Len(t, rows, 3)
	assert.Equal(t, "invalid", rows[1][2])
	assert.Equal(t, "Backend exited with status 3", rows[1][5])
	assert.Equal(t, "2", rows[2][4])

	view := m.View()
	assert.Contains(t, view, "CONNECTED")
	assert.Contains(t, view, "invalid (Backend exited with status 3)")
}

func TestDisconnectAndErrors(t *testing.T) {
	m := sized(t)
	m.connected = true
	_, cmd := m.Update(sseDisconnectedMsg{})
	assert.False(t, m.connected)
	assert.NotNil(t, cmd)

	_, _ = m.Update(errMsg{errors.New("refused")})
	assert.Contains(t, m.View(), "UNREACHABLE")

	_, _ = m.Update(healthMsg{Status: "ok", BackendsLoaded: 3, BackendsRunning: 1})
	assert.Contains(t, m.View(), "Backends: 3")
}

func TestQuit(t *testing.T) {
	m := sized(t)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
}

func TestParseSSE(t *testing.T) {
	stream := strings.Join([]string{
		": keep-alive",
		"",
		"id: 3",
		"event: backend.status_changed",
		`data: {"kind":"backend.status_changed","backend":"X","status":"launched"}`,
		"",
		"id: 4",
		"data: not json",
		"",
	}, "\n")
	ch := make(chan events.Event, 4)
	parseSSE(bufio.NewScanner(strings.NewReader(stream)), ch)
	close(ch)

	var got []events.Event
	for ev := range ch {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	assert.Equal(t, int64(3), got[0].ID)
	assert.Equal(t, "X", got[0].Backend)
	assert.Equal(t, "backend.status_changed", got[0].Type)
}

// Package tui implements the pt2 watch terminal monitor.
package tui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/pt2/internal/backend"
	"github.com/mattjoyce/pt2/internal/events"
	"github.com/mattjoyce/pt2/internal/manager"
)

const (
	maxEventLog    = 200
	refreshEvery   = 5 * time.Second
	reconnectAfter = 2 * time.Second
)

// Model is the monitor's bubbletea model.
type Model struct {
	client *client
	theme  Theme

	width  int
	height int

	health    healthMsg
	backends  map[string]*manager.Snapshot
	order     []string
	eventLog  []events.Event
	lastID    int64
	hubEvents chan events.Event
	connected bool
	lastErr   error

	table    table.Model
	viewport viewport.Model
}

// NewMonitor returns a monitor for the API at apiURL.
func NewMonitor(apiURL, apiKey string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Backend", Width: 32},
			{Title: "Status", Width: 10},
			{Title: "Pending", Width: 7},
			{Title: "Capabilities", Width: 12},
			{Title: "Last error", Width: 40},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return &Model{
		client:    &client{apiURL: strings.TrimRight(apiURL, "/"), apiKey: apiKey, http: &http.Client{}},
		theme:     NewDefaultTheme(),
		backends:  make(map[string]*manager.Snapshot),
		hubEvents: make(chan events.Event, 100),
		table:     t,
		viewport:  viewport.New(80, 10),
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		m.client.subscribe(m.lastEventID, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		m.client.fetchHealth,
		m.client.fetchBackends,
		tick(),
	)
}

func (m *Model) lastEventID() int64 { return m.lastID }

func tick() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(m.width - 6)
		m.viewport.Width = m.width - 6
		m.viewport.Height = m.height / 3
		m.refreshEventView()

	case eventMsg:
		m.connected = true
		m.handleEvent(events.Event(msg))
		m.updateTable()
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health = msg
		m.lastErr = nil

	case backendsMsg:
		m.setBackends(msg)
		m.updateTable()

	case tickMsg:
		return m, tea.Batch(m.client.fetchHealth, m.client.fetchBackends, tick())

	case sseDisconnectedMsg:
		m.connected = false
		return m, tea.Tick(reconnectAfter, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, m.client.subscribe(m.lastEventID, m.hubEvents)

	case errMsg:
		m.lastErr = msg.err
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *Model) setBackends(list []manager.Snapshot) {
	m.backends = make(map[string]*manager.Snapshot, len(list))
	m.order = m.order[:0]
	for i := range list {
		snap := list[i]
		m.backends[snap.Identifier] = &snap
		m.order = append(m.order, snap.Identifier)
	}
	sort.Strings(m.order)
}

// handleEvent applies a backend notification to the local view.
func (m *Model) handleEvent(e events.Event) {
	if e.ID > m.lastID {
		m.lastID = e.ID
	}
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}
	m.refreshEventView()

	var ev backend.Event
	if err := json.Unmarshal(e.Data, &ev); err != nil {
		return
	}
	snap, ok := m.backends[ev.Backend]
	if !ok {
		snap = &manager.Snapshot{}
		snap.Identifier = ev.Backend
		m.backends[ev.Backend] = snap
		m.order = append(m.order, ev.Backend)
		sort.Strings(m.order)
	}

	switch ev.Kind {
	case backend.EventStatusChanged:
		snap.Status = ev.Status
		snap.LastError = ev.LastError
		if !ev.Status.Running() {
			snap.Pending = 0
		}
	case backend.EventCapabilitiesChanged:
		snap.Capabilities = ev.Capabilities
	case backend.EventCopyrightChanged:
		snap.Copyright = ev.Copyright
	case backend.EventReplyRegistered, backend.EventErrorRegistered, backend.EventRequestAbandoned:
		if snap.Pending > 0 {
			snap.Pending--
		}
	}
}

func (m *Model) updateTable() {
	rows := make([]table.Row, 0, len(m.order))
	for _, id := range m.order {
		snap := m.backends[id]
		rows = append(rows, table.Row{
			m.theme.Symbol(snap.Status),
			id,
			snap.Status.String(),
			fmt.Sprintf("%d", snap.Pending),
			fmt.Sprintf("%d", len(snap.Capabilities)),
			snap.LastError,
		})
	}
	m.table.SetRows(rows)
}

func (m *Model) refreshEventView() {
	var lines []string
	for _, e := range m.eventLog {
		lines = append(lines, fmt.Sprintf("%s | %-28s | %-32s | %s",
			e.At.Format("15:04:05"), e.Type, e.Backend, summarize(e)))
	}
	if len(lines) == 0 {
		lines = []string{"No events yet..."}
	}
	m.viewport.SetContent(strings.Join(lines, "\n"))
}

func summarize(e events.Event) string {
	var ev backend.Event
	if err := json.Unmarshal(e.Data, &ev); err != nil {
		return string(e.Data)
	}
	switch ev.Kind {
	case backend.EventStatusChanged:
		if ev.LastError != "" {
			return fmt.Sprintf("%s (%s)", ev.Status, ev.LastError)
		}
		return ev.Status.String()
	case backend.EventCapabilitiesChanged:
		return strings.Join(ev.Capabilities, ", ")
	case backend.EventCopyrightChanged:
		return ev.Copyright
	case backend.EventErrorRegistered:
		return fmt.Sprintf("%s %s: %s", ev.RequestID, ev.ErrorID, ev.ErrorMessage)
	}
	return fmt.Sprintf("%s %s", ev.RequestID, ev.Operation)
}

func (m *Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}
	inner := m.width - 4

	backends := m.theme.Border.Width(inner).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Backends"),
			m.table.View(),
		),
	)
	eventsView := m.theme.Border.Width(inner).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Event Stream"),
			m.viewport.View(),
		),
	)
	help := m.theme.Dim.Render(" [q] Quit • [↑/↓] Select backend")

	return m.theme.Doc.Render(lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(inner), backends, eventsView, help))
}

func (m *Model) renderHeader(inner int) string {
	status := m.theme.StatusLaunched.Render("CONNECTED")
	switch {
	case m.lastErr != nil:
		status = m.theme.StatusInvalid.Render("UNREACHABLE")
	case !m.connected:
		status = m.theme.StatusLaunching.Render("CONNECTING")
	}
	uptime := time.Duration(m.health.UptimeSeconds) * time.Second

	items := []string{
		fmt.Sprintf("API: %s", status),
		fmt.Sprintf("Uptime: %s", uptime),
		fmt.Sprintf("Backends: %d", m.health.BackendsLoaded),
		fmt.Sprintf("Running: %d  Invalid: %d", m.health.BackendsRunning, m.health.BackendsInvalid),
	}
	cols := make([]string, len(items))
	for i, it := range items {
		cols[i] = lipgloss.NewStyle().Width(inner / len(items)).Render(it)
	}
	return m.theme.Border.Width(inner).Render(lipgloss.JoinHorizontal(lipgloss.Top, cols...))
}

// Run starts the monitor and blocks until the user quits.
func Run(apiURL, apiKey string) error {
	p := tea.NewProgram(NewMonitor(apiURL, apiKey), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

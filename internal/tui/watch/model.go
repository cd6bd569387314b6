package watch

import (
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/paysink/internal/events"
)

const (
	pollEvery      = 2 * time.Second
	reconnectAfter = 2 * time.Second
)

// Model is the bubbletea model for the watch console.
type Model struct {
	client *Client
	pal    palette
	now    func() time.Time

	eventCh   chan events.Event
	lastID    int64
	connected bool

	health  healthMsg
	paused  bool
	lastErr error

	endpoints     *EndpointTracker
	endpointTable table.Model
	taskTable     table.Model
	feed          []feedEntry

	spin  spinner.Model
	pulse pulse

	width  int
	height int
}

func New(baseURL, token string) Model {
	pal := newPalette()
	return Model{
		client:        NewClient(baseURL, token),
		pal:           pal,
		now:           time.Now,
		eventCh:       make(chan events.Event, 100),
		endpoints:     NewEndpointTracker(),
		endpointTable: newEndpointTable(),
		taskTable:     newTaskTable(),
		spin:          spinner.New(spinner.WithSpinner(spinner.MiniDot), spinner.WithStyle(pal.lit)),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.client.subscribe(0, m.eventCh),
		receiveNextEvent(m.eventCh),
		m.client.fetchHealth,
		m.client.fetchScheduler,
		m.spin.Tick,
		tick(),
	)
}

func tick() tea.Cmd {
	return tea.Tick(pollEvery, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "p":
			return m, m.client.setPaused(!m.paused)
		}
		var cmd tea.Cmd
		m.taskTable, cmd = m.taskTable.Update(msg)
		return m, cmd

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case eventMsg:
		ev := events.Event(msg)
		m.connected = true
		if ev.ID > m.lastID {
			m.lastID = ev.ID
		}
		m.endpoints.Apply(ev)
		m.appendFeed(ev)
		m.pulse.hit(m.now())
		m.endpointTable.SetRows(m.endpoints.rows(m.now()))
		return m, receiveNextEvent(m.eventCh)

	case streamClosedMsg:
		m.connected = false
		if msg.lastID > m.lastID {
			m.lastID = msg.lastID
		}
		return m, tea.Tick(reconnectAfter, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, m.client.subscribe(m.lastID, m.eventCh)

	case healthMsg:
		m.health = msg
		m.connected = true
		m.lastErr = nil
		return m, nil

	case schedulerMsg:
		m.paused = msg.Paused
		m.taskTable.SetRows(taskRows(msg.Tasks, m.now()))
		return m, nil

	case errMsg:
		m.lastErr = msg
		return m, nil

	case tickMsg:
		now := time.Time(msg)
		m.endpointTable.SetRows(m.endpoints.rows(now))
		return m, tea.Batch(tick(), m.client.fetchHealth, m.client.fetchScheduler)
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n\n")
	b.WriteString(m.pal.panel.Render(m.endpointTable.View()))
	b.WriteString("\n")
	b.WriteString(m.pal.panel.Render(m.taskTable.View()))
	b.WriteString("\n")

	used := strings.Count(b.String(), "\n") + 2
	feedHeight := 10
	if m.height > 0 {
		feedHeight = m.height - used
	}
	b.WriteString(m.renderFeed(feedHeight))
	b.WriteString("\n")
	b.WriteString(m.pal.muted.Render("q quit · p pause/resume scheduler · ↑/↓ tasks"))
	return b.String()
}

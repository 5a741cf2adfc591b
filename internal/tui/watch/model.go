package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/agentrelay/internal/events"
)

const eventLogSize = 50

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	ctx    context.Context
	apiURL string
	apiKey string

	width  int
	height int

	health   HealthState
	tasks    map[string]*TaskState
	batches  []*BatchState
	eventLog []events.Event
	lastID   int64

	ticker  Ticker
	spinner Spinner
	table   table.Model
	theme   Theme

	hubEvents chan events.Event
	lastError string
	now       func() time.Time
}

// New creates a watch model for the relay at apiURL. Cancelling ctx stops
// the event stream.
func New(ctx context.Context, apiURL, apiKey string) *Model {
	theme := NewDefaultTheme()
	return &Model{
		ctx:       ctx,
		apiURL:    apiURL,
		apiKey:    apiKey,
		tasks:     make(map[string]*TaskState),
		hubEvents: make(chan events.Event, 100),
		ticker:    NewTicker(),
		spinner:   NewSpinner(),
		table:     newTaskTable(theme),
		theme:     theme,
		now:       time.Now,
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) healthLater(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg { return fetchHealth(m.apiURL) })
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.ctx, m.apiURL, m.apiKey, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL) },
		tick(),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetHeight(max(5, msg.Height/3))

	case tickMsg:
		now := time.Time(msg)
		m.ticker.Tick()
		m.spinner.Decay(now)
		m.table.SetRows(taskRows(sortedTasks(m.tasks), now))
		return m, tick()

	case eventMsg:
		m = m.apply(events.Event(msg))
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health = HealthState{
			Status:         msg.Status,
			UptimeSeconds:  msg.UptimeSeconds,
			TasksRunning:   msg.TasksRunning,
			TasksHeld:      msg.TasksHeld,
			EventListeners: msg.EventListeners,
			Connected:      true,
			LastCheck:      m.now(),
		}
		m.lastError = ""
		return m, m.healthLater(5 * time.Second)

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		// The pending receiveNextEvent keeps reading the same channel.
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg(msg) })

	case reconnectMsg:
		return m, subscribeToEvents(m.ctx, m.apiURL, m.apiKey, max(msg.lastID, m.lastID), m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, m.healthLater(5 * time.Second)
	}

	return m, nil
}

// apply folds one event into the model.
func (m Model) apply(e events.Event) Model {
	if e.ID > 0 && e.ID <= m.lastID {
		return m
	}
	m.lastID = max(m.lastID, e.ID)

	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > eventLogSize {
		m.eventLog = m.eventLog[:eventLogSize]
	}
	m.spinner.OnEvent(m.now())

	updateTaskState(m.tasks, e)
	m.batches = updateBatches(m.batches, e)
	m.table.SetRows(taskRows(sortedTasks(m.tasks), m.now()))

	m.health.Connected = true
	m.lastError = ""
	return m
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to agentrelay..."
	}

	parts := []string{
		renderHeader(m.health, m.ticker, m.spinner, m.theme, m.width),
		renderTasks(m.table, sortedTasks(m.tasks), m.theme, m.width),
		renderBatches(m.batches, m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ! %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Scroll tasks"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

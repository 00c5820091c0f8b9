// Package tui is the interactive terminal dashboard driven by the refresh
// orchestrator.
package tui

import (
	"sync/atomic"
	"time"

	"github.com/bnema/sdash/internal/adapters/render/dashboard"
	"github.com/bnema/sdash/internal/domain"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const clockTick = time.Second

// Controller is the part of the orchestrator the dashboard drives.
type Controller interface {
	RequestRefresh(force bool)
	Pause()
	Resume()
	State() domain.PollingState
	Latest() domain.Payload
}

// Toggle is a concurrency-safe flag; its Visible method doubles as a
// resource applicability predicate.
type Toggle struct {
	on atomic.Bool
}

func NewToggle(on bool) *Toggle {
	t := &Toggle{}
	t.on.Store(on)
	return t
}

func (t *Toggle) Visible() bool {
	return t.on.Load()
}

func (t *Toggle) Flip() bool {
	for {
		current := t.on.Load()
		if t.on.CompareAndSwap(current, !current) {
			return !current
		}
	}
}

// ChangedMsg carries the items delivered by the orchestrator to the UI.
type ChangedMsg struct {
	Changed domain.Payload
}

// EventMsg wraps a bus event.
type EventMsg struct {
	Event domain.Event
}

type clockMsg time.Time

type Model struct {
	controller Controller
	activity   *Toggle
	spinner    spinner.Model
	now        func() time.Time

	payload domain.Payload
	state   domain.PollingState
	warning string
	width   int
}

type Option func(*Model)

func WithClock(now func() time.Time) Option {
	return func(m *Model) { m.now = now }
}

func NewModel(controller Controller, activity *Toggle, opts ...Option) Model {
	if activity == nil {
		activity = NewToggle(false)
	}

	m := Model{
		controller: controller,
		activity:   activity,
		spinner: spinner.New(
			spinner.WithSpinner(spinner.Dot),
			spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("69"))),
		),
		now:     time.Now,
		payload: controller.Latest(),
		state:   controller.State(),
	}
	for _, opt := range opts {
		opt(&m)
	}

	return m
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tickClock())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case tea.FocusMsg:
		m.controller.Resume()
		m.state = m.controller.State()
		return m, nil
	case tea.BlurMsg:
		m.controller.Pause()
		m.state = m.controller.State()
		return m, nil
	case ChangedMsg:
		if m.payload == nil {
			m.payload = domain.Payload{}
		}
		for name, items := range msg.Changed {
			m.payload[name] = items
		}
		m.state = m.controller.State()
		return m, nil
	case EventMsg:
		m.applyEvent(msg.Event)
		return m, nil
	case clockMsg:
		m.state = m.controller.State()
		return m, tickClock()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	default:
		return m, nil
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c", "esc":
		return m, tea.Quit
	case "r":
		m.controller.RequestRefresh(true)
	case "a":
		if m.activity.Flip() {
			m.controller.RequestRefresh(false)
		}
	case "x":
		m.warning = ""
	}

	return m, nil
}

func (m *Model) applyEvent(event domain.Event) {
	switch event.Type {
	case domain.EventPollingThrottled:
		m.warning = event.Message + " Press r to retry."
	case domain.EventPollingResumed:
		m.warning = ""
	}
	m.state = m.controller.State()
}

func (m Model) View() string {
	indicator := " "
	if m.state.InFlight {
		indicator = m.spinner.View()
	}

	return dashboard.RenderView(dashboard.View{
		Payload:      m.payload,
		State:        m.state,
		Warning:      m.warning,
		ShowActivity: m.activity.Visible(),
		Indicator:    indicator,
	}, dashboard.RenderOptions{Now: m.now()}) + "\n" + helpLine()
}

func helpLine() string {
	return lipgloss.NewStyle().Faint(true).Render("r refresh · a activity · x dismiss · q quit")
}

func tickClock() tea.Cmd {
	return tea.Tick(clockTick, func(t time.Time) tea.Msg {
		return clockMsg(t)
	})
}

package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/bnema/sdash/internal/domain"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type refreshDoneMsg struct {
	result domain.CycleResult
	err    error
}

// refreshSpinnerModel keeps a spinner on screen while one refresh cycle runs.
type refreshSpinnerModel struct {
	spinner spinner.Model
	label   string
	refresh tea.Cmd
	result  domain.CycleResult
	err     error
	done    bool
}

func newRefreshSpinnerModel(label string, refresh tea.Cmd) refreshSpinnerModel {
	s := spinner.New(
		spinner.WithSpinner(spinner.MiniDot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("69"))),
	)

	return refreshSpinnerModel{spinner: s, label: label, refresh: refresh}
}

func (m refreshSpinnerModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.refresh)
}

func (m refreshSpinnerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case refreshDoneMsg:
		m.done = true
		m.result = msg.result
		m.err = msg.err
		return m, tea.Quit
	default:
		return m, nil
	}
}

func (m refreshSpinnerModel) View() string {
	if m.done {
		return ""
	}

	return fmt.Sprintf("%s %s", m.spinner.View(), m.label)
}

func runRefreshSpinner(ctx context.Context, output io.Writer, refresh func(context.Context) (domain.CycleResult, error)) (domain.CycleResult, error) {
	refreshCmd := func() tea.Msg {
		result, err := refresh(ctx)
		return refreshDoneMsg{result: result, err: err}
	}

	p := tea.NewProgram(
		newRefreshSpinnerModel("Refreshing dashboard data...", refreshCmd),
		tea.WithInput(nil),
		tea.WithOutput(output),
		tea.WithContext(ctx),
	)

	finalModel, err := p.Run()
	if err != nil {
		return domain.CycleResult{}, err
	}

	m, ok := finalModel.(refreshSpinnerModel)
	if !ok {
		return domain.CycleResult{}, fmt.Errorf("unexpected final spinner model type %T", finalModel)
	}

	return m.result, m.err
}

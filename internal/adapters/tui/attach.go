package tui

import (
	"context"

	"github.com/bnema/sdash/internal/application"
	"github.com/bnema/sdash/internal/domain"
	tea "github.com/charmbracelet/bubbletea"
)

// Sender is satisfied by *tea.Program.
type Sender interface {
	Send(msg tea.Msg)
}

type UpdaterRegistry interface {
	RegisterUpdater(fn application.UpdateFunc) string
	UnregisterUpdater(id string) bool
}

type EventSource interface {
	Subscribe(listener application.Listener) string
	Unsubscribe(id string) bool
}

// Attach forwards delivered items and bus events to the program. The
// returned func detaches both.
func Attach(sender Sender, updates UpdaterRegistry, events EventSource) func() {
	updaterID := updates.RegisterUpdater(func(_ context.Context, changed domain.Payload) error {
		sender.Send(ChangedMsg{Changed: changed})
		return nil
	})
	listenerID := events.Subscribe(func(event domain.Event) {
		sender.Send(EventMsg{Event: event})
	})

	return func() {
		updates.UnregisterUpdater(updaterID)
		events.Unsubscribe(listenerID)
	}
}

package application

import (
	"log/slog"
	"sync"

	"github.com/bnema/sdash/internal/domain"
	"github.com/google/uuid"
)

type Listener func(event domain.Event)

type subscription struct {
	id       string
	listener Listener
}

// Bus fans events out to listeners in subscription order, synchronously.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	logger *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}

	return &Bus{logger: logger}
}

func (b *Bus) Subscribe(listener Listener) string {
	if listener == nil {
		listener = func(domain.Event) {}
	}

	id := uuid.NewString()

	b.mu.Lock()
	b.subs = append(b.subs, subscription{id: id, listener: listener})
	b.mu.Unlock()

	return id
}

func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return true
		}
	}

	return false
}

func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subs)
}

func (b *Bus) Publish(event domain.Event) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs...)
	b.mu.RUnlock()

	for _, sub := range subs {
		b.deliver(sub, event)
	}
}

func (b *Bus) deliver(sub subscription, event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked", "listener", sub.id, "event", event.Type, "panic", r)
		}
	}()

	sub.listener(event)
}

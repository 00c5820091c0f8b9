package ports

import "github.com/bnema/sdash/internal/domain"

type EventPublisher interface {
	Publish(event domain.Event)
}

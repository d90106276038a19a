package ports

import "meshcall/internal/core/domain"

type EventHandler func(event domain.Event)

type EventPublisher interface {
	Publish(event domain.Event)
}

type EventSubscriber interface {
	Subscribe(handler EventHandler) (unsubscribe func())
}

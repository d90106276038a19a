package services

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
)

// EventBus fans core events out to in-process subscribers. Handlers run
// synchronously on the publishing goroutine and must not block.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[uint64]ports.EventHandler
	order    []uint64
	nextID   uint64
}

func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[uint64]ports.EventHandler)}
}

func (b *EventBus) Publish(event domain.Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]ports.EventHandler, 0, len(b.order))
	for _, id := range b.order {
		handlers = append(handlers, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

func (b *EventBus) Subscribe(handler ports.EventHandler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[id] = handler
	b.order = append(b.order, id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.handlers, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

func newEvent(t domain.EventType) domain.Event {
	return domain.Event{ID: uuid.NewString(), Type: t, Timestamp: time.Now()}
}

func peerEvent(t domain.EventType, id domain.Identity) domain.Event {
	e := newEvent(t)
	e.PeerID = id.ID
	e.Name = id.Name
	e.Role = id.Role
	return e
}

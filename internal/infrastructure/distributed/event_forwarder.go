package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"meshcall/internal/core/domain"
	"meshcall/internal/core/ports"
)

// Publisher is the subset of the redis client used for forwarding.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// ForwardedEvent is the JSON message published for out-of-process
// collaborators (analytics, advisors).
type ForwardedEvent struct {
	InstanceID string        `json:"instance_id"`
	RoomID     domain.RoomID `json:"room_id"`
	Event      domain.Event  `json:"event"`
}

type ForwarderConfig struct {
	Channel        string
	InstanceID     string
	RoomID         domain.RoomID
	QueueSize      int
	PublishTimeout time.Duration
}

// EventForwarder republishes core events on a redis channel. Handlers on the
// core bus run synchronously, so events are queued and published by Run.
type EventForwarder struct {
	client Publisher
	config ForwarderConfig
	logger *zap.SugaredLogger
	queue  chan domain.Event

	mu        sync.Mutex
	published uint64
	dropped   uint64
}

func NewEventForwarder(client Publisher, config ForwarderConfig, logger *zap.SugaredLogger) *EventForwarder {
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 2 * time.Second
	}
	return &EventForwarder{
		client: client,
		config: config,
		logger: logger,
		queue:  make(chan domain.Event, config.QueueSize),
	}
}

// Attach subscribes the forwarder to events and returns the unsubscribe func.
func (f *EventForwarder) Attach(events ports.EventSubscriber) func() {
	return events.Subscribe(f.Enqueue)
}

// Enqueue never blocks; events are dropped when the queue is full.
func (f *EventForwarder) Enqueue(event domain.Event) {
	select {
	case f.queue <- event:
	default:
		f.mu.Lock()
		f.dropped++
		f.mu.Unlock()
		f.logger.Warnw("event forward queue full, dropping event",
			"type", event.Type,
			"peer_id", event.PeerID,
		)
	}
}

// Run publishes queued events until ctx is cancelled, then flushes what is
// already queued.
func (f *EventForwarder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			f.flush()
			return
		case event := <-f.queue:
			f.forward(ctx, event)
		}
	}
}

func (f *EventForwarder) flush() {
	for {
		select {
		case event := <-f.queue:
			f.forward(context.Background(), event)
		default:
			return
		}
	}
}

func (f *EventForwarder) forward(ctx context.Context, event domain.Event) {
	if err := f.publish(ctx, event); err != nil {
		f.logger.Warnw("failed to forward event",
			"type", event.Type,
			"channel", f.config.Channel,
			"error", err,
		)
		return
	}
	f.mu.Lock()
	f.published++
	f.mu.Unlock()
}

func (f *EventForwarder) publish(ctx context.Context, event domain.Event) error {
	data, err := json.Marshal(ForwardedEvent{
		InstanceID: f.config.InstanceID,
		RoomID:     f.config.RoomID,
		Event:      event,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.config.PublishTimeout)
	defer cancel()
	if err := f.client.Publish(ctx, f.config.Channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	f.logger.Debugw("forwarded event",
		"type", event.Type,
		"peer_id", event.PeerID,
	)
	return nil
}

// Counts returns events published and events dropped on a full queue.
func (f *EventForwarder) Counts() (published, dropped uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published, f.dropped
}

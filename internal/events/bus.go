package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mir00r/mcp-orchestrator/pkg/logger"
)

// ErrBusClosed is returned when publishing to a closed bus
var ErrBusClosed = fmt.Errorf("event bus is closed")

type subscription struct {
	id      uint64
	handler Handler
}

// Bus delivers events to in-process subscribers and, when a relay is attached, to an
// external broker. It works with zero subscribers and without a relay.
type Bus struct {
	logger *logger.Logger
	source string
	now    func() time.Time

	mu       sync.RWMutex
	handlers map[Topic][]subscription
	nextID   uint64
	relay    Relay
	closed   bool
}

// BusOption configures a Bus
type BusOption func(*Bus)

// WithSource sets the Source stamped on published events
func WithSource(source string) BusOption {
	return func(b *Bus) {
		b.source = source
	}
}

// WithRelay attaches an external broker relay
func WithRelay(relay Relay) BusOption {
	return func(b *Bus) {
		b.relay = relay
	}
}

// WithClock overrides the timestamp source
func WithClock(now func() time.Time) BusOption {
	return func(b *Bus) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBus creates an event bus
func NewBus(log *logger.Logger, opts ...BusOption) *Bus {
	if log == nil {
		log = logger.NewNop()
	}
	b := &Bus{
		logger:   log.EventsLogger(),
		source:   "orchestrator",
		now:      time.Now,
		handlers: make(map[Topic][]subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetRelay attaches or detaches the external relay
func (b *Bus) SetRelay(relay Relay) {
	b.mu.Lock()
	b.relay = relay
	b.mu.Unlock()
}

// HasRelay reports whether an external relay is attached
func (b *Bus) HasRelay() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.relay != nil
}

// Subscribe registers a handler for topic. The returned function removes it.
func (b *Bus) Subscribe(topic Topic, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[topic] = append(b.handlers[topic], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[topic]
		for i, s := range subs {
			if s.id == id {
				b.handlers[topic] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// SubscriberCount returns the number of handlers for topic
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[topic])
}

// Publish stamps an id and timestamp on a new event, relays it when a relay is attached
// and delivers it synchronously to local handlers in subscription order. Handler and
// relay failures are logged and do not fail the publish.
func (b *Bus) Publish(ctx context.Context, topic Topic, payload map[string]interface{}) (Event, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return Event{}, ErrBusClosed
	}
	subs := make([]subscription, len(b.handlers[topic]))
	copy(subs, b.handlers[topic])
	relay := b.relay
	b.mu.RUnlock()

	if payload == nil {
		payload = map[string]interface{}{}
	}
	event := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Timestamp: b.now(),
		Source:    b.source,
		Payload:   payload,
	}

	if relay != nil {
		if err := relay.Publish(ctx, event); err != nil {
			b.logger.WithError(err).WithFields(map[string]interface{}{
				"event_id": event.ID,
				"topic":    string(topic),
			}).Warn("Failed to relay event to broker, delivering locally only")
		}
	}

	for _, s := range subs {
		b.deliver(ctx, s.handler, event)
	}

	return event, nil
}

func (b *Bus) deliver(ctx context.Context, handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(map[string]interface{}{
				"event_id": event.ID,
				"topic":    string(event.Topic),
				"panic":    fmt.Sprintf("%v", r),
			}).Error("Event handler panicked")
		}
	}()

	if err := handler(ctx, event); err != nil {
		b.logger.WithError(err).WithFields(map[string]interface{}{
			"event_id": event.ID,
			"topic":    string(event.Topic),
		}).Warn("Event handler returned error")
	}
}

// Close stops accepting events and closes the relay
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	relay := b.relay
	b.relay = nil
	b.mu.Unlock()

	if relay != nil {
		return relay.Close()
	}
	return nil
}

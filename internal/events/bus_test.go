package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/mcp-orchestrator/pkg/logger"
)

type failingRelay struct {
	mu     sync.Mutex
	calls  int
	closed bool
}

func (f *failingRelay) Publish(ctx context.Context, event Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return errors.New("broker unreachable")
}

func (f *failingRelay) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestBusPublishWithoutSubscribers(t *testing.T) {
	t.Parallel()

	bus := NewBus(logger.NewNop())
	event, err := bus.Publish(context.Background(), TopicServiceRegistered, nil)

	require.NoError(t, err)
	assert.NotEmpty(t, event.ID)
	assert.Equal(t, TopicServiceRegistered, event.Topic)
	assert.Equal(t, "orchestrator", event.Source)
	assert.NotNil(t, event.Payload)
	assert.False(t, event.Timestamp.IsZero())
}

func TestBusDeliversInSubscriptionOrder(t *testing.T) {
	t.Parallel()

	bus := NewBus(logger.NewNop())
	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		bus.Subscribe(TopicServiceFailover, func(ctx context.Context, e Event) error {
			order = append(order, i)
			return nil
		})
	}
	bus.Subscribe(TopicServiceRecovery, func(ctx context.Context, e Event) error {
		t.Error("handler for another topic must not be invoked")
		return nil
	})

	_, err := bus.Publish(context.Background(), TopicServiceFailover, map[string]interface{}{"failed_instance_id": "g1"})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestBusHandlerFailuresDoNotStopDelivery(t *testing.T) {
	t.Parallel()

	bus := NewBus(logger.NewNop())
	delivered := 0
	bus.Subscribe(TopicServiceHealthWarning, func(ctx context.Context, e Event) error {
		return errors.New("boom")
	})
	bus.Subscribe(TopicServiceHealthWarning, func(ctx context.Context, e Event) error {
		panic("handler bug")
	})
	bus.Subscribe(TopicServiceHealthWarning, func(ctx context.Context, e Event) error {
		delivered++
		return nil
	})

	_, err := bus.Publish(context.Background(), TopicServiceHealthWarning, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)
}

func TestBusUnsubscribe(t *testing.T) {
	t.Parallel()

	bus := NewBus(logger.NewNop())
	calls := 0
	unsubscribe := bus.Subscribe(TopicServiceRegistered, func(ctx context.Context, e Event) error {
		calls++
		return nil
	})
	assert.Equal(t, 1, bus.SubscriberCount(TopicServiceRegistered))

	unsubscribe()
	_, _ = bus.Publish(context.Background(), TopicServiceRegistered, nil)

	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, bus.SubscriberCount(TopicServiceRegistered))
}

func TestBusRelayFailureStillDeliversLocally(t *testing.T) {
	t.Parallel()

	relay := &failingRelay{}
	bus := NewBus(logger.NewNop(), WithRelay(relay))
	received := 0
	bus.Subscribe(TopicServiceFailover, func(ctx context.Context, e Event) error {
		received++
		return nil
	})

	_, err := bus.Publish(context.Background(), TopicServiceFailover, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, received)
	assert.Equal(t, 1, relay.calls)
}

func TestBusClose(t *testing.T) {
	t.Parallel()

	relay := &failingRelay{}
	bus := NewBus(logger.NewNop(), WithRelay(relay))

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())
	assert.True(t, relay.closed)
	assert.False(t, bus.HasRelay())

	_, err := bus.Publish(context.Background(), TopicServiceRegistered, nil)
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestBusClockAndSource(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	bus := NewBus(nil, WithSource("test"), WithClock(func() time.Time { return fixed }))

	event, err := bus.Publish(context.Background(), TopicServiceRecovery, nil)
	require.NoError(t, err)
	assert.Equal(t, fixed, event.Timestamp)
	assert.Equal(t, "test", event.Source)
}

func TestRedisRelayRoundTrip(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	relay := NewRedisRelay(client, "test:", logger.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, relay.Ping(ctx))
	assert.Equal(t, "test:service_failover", relay.Channel(TopicServiceFailover))

	sub, err := relay.Subscribe(ctx, TopicServiceFailover)
	require.NoError(t, err)

	received := make(chan Event, 1)
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- sub.Run(runCtx, func(ctx context.Context, e Event) error {
			received <- e
			return nil
		})
	}()

	bus := NewBus(logger.NewNop(), WithRelay(relay))
	published, err := bus.Publish(ctx, TopicServiceFailover, map[string]interface{}{
		"failed_instance_id":     "g2",
		"substitute_instance_id": "g1",
		"policy":                 "graceful",
	})
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, published.ID, got.ID)
		assert.Equal(t, TopicServiceFailover, got.Topic)
		assert.Equal(t, "g2", got.String("failed_instance_id"))
		assert.Equal(t, "g1", got.String("substitute_instance_id"))
	case <-ctx.Done():
		t.Fatal("relayed event was not received")
	}

	stop()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRedisRelayPublishFailsWhenBrokerDown(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	relay := NewRedisRelay(client, "", nil)

	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, relay.Ping(ctx))
	assert.Error(t, relay.Publish(ctx, Event{ID: "x", Topic: TopicServiceRegistered}))
}

func TestDialRedisRelayInvalidURL(t *testing.T) {
	t.Parallel()

	_, err := DialRedisRelay("not a url", "", nil)
	assert.Error(t, err)
}

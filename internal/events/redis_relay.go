package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mir00r/mcp-orchestrator/pkg/logger"
)

// DefaultChannelPrefix is prepended to topic names to form Redis channel names
const DefaultChannelPrefix = "mcp:events:"

// RedisRelay publishes events on Redis pub/sub channels named <prefix><topic>
type RedisRelay struct {
	client redis.UniversalClient
	prefix string
	logger *logger.Logger
	owned  bool
}

// NewRedisRelay wraps an existing client. The relay does not close a client it did not create.
func NewRedisRelay(client redis.UniversalClient, prefix string, log *logger.Logger) *RedisRelay {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &RedisRelay{
		client: client,
		prefix: prefix,
		logger: log.EventsLogger().WithField("relay", "redis"),
	}
}

// DialRedisRelay parses a redis:// URL and creates a relay that owns its client
func DialRedisRelay(url, prefix string, log *logger.Logger) (*RedisRelay, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	relay := NewRedisRelay(redis.NewClient(opts), prefix, log)
	relay.owned = true
	return relay, nil
}

// Ping checks broker connectivity
func (r *RedisRelay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Channel returns the Redis channel for topic
func (r *RedisRelay) Channel(topic Topic) string {
	return r.prefix + string(topic)
}

// Publish JSON-encodes the event and publishes it on the topic channel
func (r *RedisRelay) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.ID, err)
	}
	if err := r.client.Publish(ctx, r.Channel(event.Topic), data).Err(); err != nil {
		return fmt.Errorf("publish event %s: %w", event.ID, err)
	}
	return nil
}

// Close closes the client when the relay created it
func (r *RedisRelay) Close() error {
	if r.owned {
		return r.client.Close()
	}
	return nil
}

// RelaySubscription is a confirmed subscription to one or more topic channels
type RelaySubscription struct {
	pubsub *redis.PubSub
	logger *logger.Logger
}

// Subscribe subscribes to the channels of the given topics and waits for the broker
// to confirm the subscription.
func (r *RedisRelay) Subscribe(ctx context.Context, topics ...Topic) (*RelaySubscription, error) {
	if len(topics) == 0 {
		topics = AllTopics()
	}
	channels := make([]string, len(topics))
	for i, topic := range topics {
		channels[i] = r.Channel(topic)
	}

	pubsub := r.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %v: %w", channels, err)
	}
	return &RelaySubscription{pubsub: pubsub, logger: r.logger}, nil
}

// Run decodes relayed events and passes them to handler until ctx is done or the
// subscription is closed. Undecodable messages are logged and skipped.
func (s *RelaySubscription) Run(ctx context.Context, handler Handler) error {
	defer s.pubsub.Close()

	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				s.logger.WithError(err).WithField("channel", msg.Channel).Warn("Discarding malformed relayed event")
				continue
			}
			if err := handler(ctx, event); err != nil {
				s.logger.WithError(err).WithField("event_id", event.ID).Warn("Relayed event handler returned error")
			}
		}
	}
}

// Close ends the subscription
func (s *RelaySubscription) Close() error {
	return s.pubsub.Close()
}

// Consume subscribes to topics and runs handler for every relayed event until ctx is done
func (r *RedisRelay) Consume(ctx context.Context, topics []Topic, handler Handler) error {
	sub, err := r.Subscribe(ctx, topics...)
	if err != nil {
		return err
	}
	return sub.Run(ctx, handler)
}

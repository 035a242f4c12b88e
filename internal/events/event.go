package events

import (
	"context"
	"encoding/json"
	"time"
)

// Topic names an event stream
type Topic string

const (
	TopicServiceRegistered    Topic = "service_registered"
	TopicServiceUnregistered  Topic = "service_unregistered"
	TopicServiceHealthWarning Topic = "service_health_warning"
	TopicServiceFailover      Topic = "service_failover"
	TopicServiceRecovery      Topic = "service_recovery"
)

// AllTopics lists every topic the orchestrator publishes
func AllTopics() []Topic {
	return []Topic{
		TopicServiceRegistered,
		TopicServiceUnregistered,
		TopicServiceHealthWarning,
		TopicServiceFailover,
		TopicServiceRecovery,
	}
}

// Event is one published notification
type Event struct {
	ID        string                 `json:"id"`
	Topic     Topic                  `json:"topic"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	Payload   map[string]interface{} `json:"payload"`
}

// String returns a payload value as a string, or "" when absent
func (e Event) String(key string) string {
	if v, ok := e.Payload[key].(string); ok {
		return v
	}
	return ""
}

// Float returns a numeric payload value, or 0 when absent
func (e Event) Float(key string) float64 {
	switch v := e.Payload[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	default:
		return 0
	}
}

// Handler consumes an event
type Handler func(ctx context.Context, event Event) error

// Relay forwards events to an external broker
type Relay interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

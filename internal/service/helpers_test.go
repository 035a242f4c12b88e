package service

import (
	"context"
	"sync"
	"time"

	"github.com/mir00r/mcp-orchestrator/internal/domain"
	"github.com/mir00r/mcp-orchestrator/internal/events"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeProber returns a fixed result per instance id
type fakeProber struct {
	mu       sync.Mutex
	results  map[string]ProbeResult
	fallback ProbeResult
	calls    map[string]int
}

func newFakeProber(fallback ProbeResult) *fakeProber {
	return &fakeProber{
		results:  make(map[string]ProbeResult),
		fallback: fallback,
		calls:    make(map[string]int),
	}
}

func (p *fakeProber) Set(id string, result ProbeResult) {
	p.mu.Lock()
	p.results[id] = result
	p.mu.Unlock()
}

func (p *fakeProber) Calls(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

func (p *fakeProber) Probe(ctx context.Context, instance *domain.ServiceInstance) ProbeResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[instance.ID]++
	if result, ok := p.results[instance.ID]; ok {
		return result
	}
	return p.fallback
}

func healthyResult(rt time.Duration) ProbeResult {
	return ProbeResult{Healthy: true, StatusCode: 200, ResponseTime: rt}
}

func unhealthyResult() ProbeResult {
	return ProbeResult{StatusCode: 503, ResponseTime: 5 * time.Millisecond}
}

// recordingPublisher captures published events
type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, topic events.Topic, payload map[string]interface{}) (events.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := events.Event{Topic: topic, Timestamp: time.Now(), Payload: payload}
	p.events = append(p.events, e)
	return e, nil
}

func (p *recordingPublisher) ByTopic(topic events.Topic) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, e := range p.events {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}

func newInstance(id string, serviceType domain.ServiceType, status domain.ServiceStatus) *domain.ServiceInstance {
	inst := domain.NewServiceInstance(id, id, serviceType, "localhost", 9000)
	inst.SetStatus(status)
	return inst
}

func runningInstance(id string, serviceType domain.ServiceType) *domain.ServiceInstance {
	return newInstance(id, serviceType, domain.StatusRunning)
}

func instanceIDs(instances []*domain.ServiceInstance) []string {
	ids := make([]string, len(instances))
	for i, inst := range instances {
		ids[i] = inst.ID
	}
	return ids
}

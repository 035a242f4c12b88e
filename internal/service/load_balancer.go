package service

import (
	"context"
	"sync"

	"github.com/mir00r/mcp-orchestrator/internal/domain"
	"github.com/mir00r/mcp-orchestrator/internal/errors"
	"github.com/mir00r/mcp-orchestrator/pkg/logger"
)

// PoolReader provides pool snapshots keyed by service type
type PoolReader interface {
	GetPool(serviceType domain.ServiceType) (*domain.ServicePool, bool)
}

// CallGate reports whether calls to an instance are currently allowed
type CallGate interface {
	Allowed(instanceID string) bool
}

// LoadBalancerEngine selects one callable instance from a pool
type LoadBalancerEngine struct {
	pools    PoolReader
	breakers CallGate
	logger   *logger.Logger
	rings    *ringCache

	countersMu sync.Mutex
	counters   map[domain.ServiceType]*uint64
}

// NewLoadBalancerEngine creates an engine reading pools from pools and consulting
// breakers for every candidate.
func NewLoadBalancerEngine(pools PoolReader, breakers CallGate, log *logger.Logger) *LoadBalancerEngine {
	if log == nil {
		log = logger.NewNop()
	}
	return &LoadBalancerEngine{
		pools:    pools,
		breakers: breakers,
		logger:   log.LoadBalancerLogger(),
		rings:    newRingCache(DefaultVirtualNodes),
		counters: make(map[domain.ServiceType]*uint64),
	}
}

func (e *LoadBalancerEngine) counter(serviceType domain.ServiceType) *uint64 {
	e.countersMu.Lock()
	defer e.countersMu.Unlock()

	c, ok := e.counters[serviceType]
	if !ok {
		c = new(uint64)
		e.counters[serviceType] = c
	}
	return c
}

// SelectService picks an instance of serviceType. Healthy instances are preferred;
// when none exist, running instances are used instead. Candidates whose breaker
// rejects calls are removed before the pool strategy runs.
func (e *LoadBalancerEngine) SelectService(ctx context.Context, serviceType domain.ServiceType, rc *domain.RequestContext) (*domain.ServiceInstance, error) {
	pool, ok := e.pools.GetPool(serviceType)
	if !ok {
		return nil, errors.NewPoolNotFoundError(string(serviceType))
	}

	candidates := filterInstances(pool.Instances, (*domain.ServiceInstance).IsHealthy)
	degraded := false
	if len(candidates) == 0 {
		candidates = filterInstances(pool.Instances, (*domain.ServiceInstance).IsRunning)
		degraded = true
	}
	if len(candidates) == 0 {
		e.logger.WithField("service_type", string(serviceType)).Warn("No healthy or running instances available")
		return nil, errors.NewNoHealthyInstanceError(string(serviceType))
	}

	callable := candidates[:0:0]
	for _, inst := range candidates {
		if e.breakers == nil || e.breakers.Allowed(inst.ID) {
			callable = append(callable, inst)
		}
	}
	if len(callable) == 0 {
		e.logger.WithFields(map[string]interface{}{
			"service_type": string(serviceType),
			"candidates":   len(candidates),
		}).Warn("All candidate instances are circuit broken")
		return nil, errors.NewAllCircuitBrokenError(string(serviceType), len(candidates))
	}

	strategy, ok := NewStrategy(pool.Config.Strategy)
	if !ok {
		strategy = RoundRobinStrategy{}
	}

	selected := strategy.Select(&Selection{
		ServiceType: serviceType,
		Candidates:  callable,
		Weights:     pool.Config.Weights,
		Request:     rc,
		counter:     e.counter(serviceType),
		rings:       e.rings,
	})

	e.logger.WithFields(map[string]interface{}{
		"service_type": string(serviceType),
		"strategy":     string(strategy.Name()),
		"instance_id":  selected.ID,
		"candidates":   len(callable),
		"degraded":     degraded,
	}).Debug("Selected service instance")

	return selected, nil
}

// ResetCounters zeroes every round-robin counter
func (e *LoadBalancerEngine) ResetCounters() {
	e.countersMu.Lock()
	defer e.countersMu.Unlock()
	e.counters = make(map[domain.ServiceType]*uint64)
}

func filterInstances(instances []*domain.ServiceInstance, keep func(*domain.ServiceInstance) bool) []*domain.ServiceInstance {
	var out []*domain.ServiceInstance
	for _, inst := range instances {
		if keep(inst) {
			out = append(out, inst)
		}
	}
	return out
}

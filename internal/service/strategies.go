package service

import (
	"math"
	"sync/atomic"

	"github.com/mir00r/mcp-orchestrator/internal/domain"
)

// Selection is the input to a strategy: the callable candidates of one pool plus the
// state shared by the strategies of that service type.
type Selection struct {
	ServiceType domain.ServiceType
	Candidates  []*domain.ServiceInstance
	Weights     map[string]float64
	Request     *domain.RequestContext

	counter *uint64
	rings   *ringCache
}

// nextIndex atomically advances the per-service-type round-robin counter
func (s *Selection) nextIndex(n int) int {
	next := atomic.AddUint64(s.counter, 1) - 1
	return int(next % uint64(n))
}

// Strategy picks one instance among non-empty candidates
type Strategy interface {
	Select(sel *Selection) *domain.ServiceInstance
	Name() domain.OrchestrationStrategy
}

// NewStrategy returns the implementation for name
func NewStrategy(name domain.OrchestrationStrategy) (Strategy, bool) {
	switch name {
	case domain.RoundRobinStrategy:
		return RoundRobinStrategy{}, true
	case domain.LeastConnectionsStrategy:
		return LeastConnectionsStrategy{}, true
	case domain.FastestResponseStrategy:
		return FastestResponseStrategy{}, true
	case domain.WeightedRoundRobinStrategy:
		return WeightedRoundRobinStrategy{}, true
	case domain.ConsistentHashStrategy:
		return ConsistentHashStrategy{}, true
	case domain.ResourceAwareStrategy:
		return ResourceAwareStrategy{}, true
	default:
		return nil, false
	}
}

// RoundRobinStrategy cycles through candidates using the shared counter
type RoundRobinStrategy struct{}

func (RoundRobinStrategy) Select(sel *Selection) *domain.ServiceInstance {
	return sel.Candidates[sel.nextIndex(len(sel.Candidates))]
}

func (RoundRobinStrategy) Name() domain.OrchestrationStrategy {
	return domain.RoundRobinStrategy
}

// LeastConnectionsStrategy minimizes requests_total - error_count
type LeastConnectionsStrategy struct{}

func (LeastConnectionsStrategy) Select(sel *Selection) *domain.ServiceInstance {
	var selected *domain.ServiceInstance
	best := int64(math.MaxInt64)
	for _, inst := range sel.Candidates {
		m := inst.Metrics()
		load := m.RequestsTotal - m.ErrorCount
		if selected == nil || load < best {
			selected = inst
			best = load
		}
	}
	return selected
}

func (LeastConnectionsStrategy) Name() domain.OrchestrationStrategy {
	return domain.LeastConnectionsStrategy
}

// FastestResponseStrategy minimizes response_time_avg; instances without data rank last
type FastestResponseStrategy struct{}

func (FastestResponseStrategy) Select(sel *Selection) *domain.ServiceInstance {
	selected := sel.Candidates[0]
	best := math.Inf(1)
	for _, inst := range sel.Candidates {
		rt := inst.Metrics().ResponseTimeAvg
		if rt <= 0 {
			rt = math.Inf(1)
		}
		if rt < best {
			selected = inst
			best = rt
		}
	}
	return selected
}

func (FastestResponseStrategy) Name() domain.OrchestrationStrategy {
	return domain.FastestResponseStrategy
}

// WeightedRoundRobinStrategy replicates each candidate round(weight*10) times and runs
// round robin over the expanded list. Unweighted candidates count as weight 1.0.
type WeightedRoundRobinStrategy struct{}

func (WeightedRoundRobinStrategy) Select(sel *Selection) *domain.ServiceInstance {
	if len(sel.Weights) == 0 {
		return RoundRobinStrategy{}.Select(sel)
	}

	var expanded []*domain.ServiceInstance
	weighted := false
	for _, inst := range sel.Candidates {
		weight, ok := sel.Weights[inst.ID]
		if ok {
			weighted = true
		} else {
			weight = 1.0
		}
		copies := int(math.Round(weight * 10))
		for i := 0; i < copies; i++ {
			expanded = append(expanded, inst)
		}
	}
	if !weighted || len(expanded) == 0 {
		return RoundRobinStrategy{}.Select(sel)
	}
	return expanded[sel.nextIndex(len(expanded))]
}

func (WeightedRoundRobinStrategy) Name() domain.OrchestrationStrategy {
	return domain.WeightedRoundRobinStrategy
}

// ConsistentHashStrategy maps the request affinity key onto a hash ring of the
// candidates. Requests without a key fall back to round robin.
type ConsistentHashStrategy struct{}

func (ConsistentHashStrategy) Select(sel *Selection) *domain.ServiceInstance {
	key := sel.Request.Key()
	if key == "" || sel.rings == nil {
		return RoundRobinStrategy{}.Select(sel)
	}

	id, ok := sel.rings.get(sel.ServiceType, sel.Candidates).Lookup(key)
	if !ok {
		return RoundRobinStrategy{}.Select(sel)
	}
	for _, inst := range sel.Candidates {
		if inst.ID == id {
			return inst
		}
	}
	return RoundRobinStrategy{}.Select(sel)
}

func (ConsistentHashStrategy) Name() domain.OrchestrationStrategy {
	return domain.ConsistentHashStrategy
}

// ResourceAwareStrategy maximizes the mean of cpu headroom, memory headroom and
// 1/(1+response_time_avg).
type ResourceAwareStrategy struct{}

func (ResourceAwareStrategy) Select(sel *Selection) *domain.ServiceInstance {
	var selected *domain.ServiceInstance
	best := math.Inf(-1)
	for _, inst := range sel.Candidates {
		score := ResourceScore(inst.Metrics())
		if selected == nil || score > best {
			selected = inst
			best = score
		}
	}
	return selected
}

func (ResourceAwareStrategy) Name() domain.OrchestrationStrategy {
	return domain.ResourceAwareStrategy
}

// ResourceScore returns the resource-aware score of an instance
func ResourceScore(m domain.InstanceMetrics) float64 {
	cpuScore := 1 - m.CPUUsage/100
	memoryScore := 1 - m.MemoryUsage/100
	responseScore := 1 / (1 + m.ResponseTimeAvg)
	return (cpuScore + memoryScore + responseScore) / 3
}

package domain

import (
	"fmt"
	"strings"
	"time"
)

// OrchestrationStrategy selects among callable instances of a pool
type OrchestrationStrategy string

const (
	RoundRobinStrategy         OrchestrationStrategy = "round_robin"
	LeastConnectionsStrategy   OrchestrationStrategy = "least_connections"
	FastestResponseStrategy    OrchestrationStrategy = "fastest_response"
	WeightedRoundRobinStrategy OrchestrationStrategy = "weighted_round_robin"
	ConsistentHashStrategy     OrchestrationStrategy = "consistent_hash"
	ResourceAwareStrategy      OrchestrationStrategy = "resource_aware"
)

// AvailableStrategies returns all supported strategies
func AvailableStrategies() []OrchestrationStrategy {
	return []OrchestrationStrategy{
		RoundRobinStrategy,
		LeastConnectionsStrategy,
		FastestResponseStrategy,
		WeightedRoundRobinStrategy,
		ConsistentHashStrategy,
		ResourceAwareStrategy,
	}
}

// ParseStrategy accepts snake_case and kebab-case names
func ParseStrategy(s string) (OrchestrationStrategy, error) {
	normalized := OrchestrationStrategy(normalizeName(s))
	for _, known := range AvailableStrategies() {
		if normalized == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("unsupported orchestration strategy %q", s)
}

// FailoverPolicy governs how a substitute is chosen after a routed call fails
type FailoverPolicy string

const (
	ImmediateFailover        FailoverPolicy = "immediate"
	GracefulFailover         FailoverPolicy = "graceful"
	CircuitBreakerFailover   FailoverPolicy = "circuit_breaker"
	RetryWithBackoffFailover FailoverPolicy = "retry_with_backoff"
)

// AvailableFailoverPolicies returns all supported failover policies
func AvailableFailoverPolicies() []FailoverPolicy {
	return []FailoverPolicy{
		ImmediateFailover,
		GracefulFailover,
		CircuitBreakerFailover,
		RetryWithBackoffFailover,
	}
}

// ParseFailoverPolicy accepts snake_case and kebab-case names
func ParseFailoverPolicy(s string) (FailoverPolicy, error) {
	normalized := FailoverPolicy(normalizeName(s))
	for _, known := range AvailableFailoverPolicies() {
		if normalized == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("unsupported failover policy %q", s)
}

func normalizeName(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
}

// PoolConfig is the routing and failover configuration of one pool
type PoolConfig struct {
	Strategy                OrchestrationStrategy `json:"strategy" yaml:"strategy"`
	FailoverPolicy          FailoverPolicy        `json:"failover_policy" yaml:"failover_policy"`
	Weights                 map[string]float64    `json:"weights,omitempty" yaml:"weights"`
	CircuitBreakerThreshold float64               `json:"circuit_breaker_threshold" yaml:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration         `json:"circuit_breaker_timeout" yaml:"circuit_breaker_timeout"`
	HealthCheckInterval     time.Duration         `json:"health_check_interval" yaml:"health_check_interval"`
	MaxRetries              int                   `json:"max_retries" yaml:"max_retries"`
	RetryDelay              time.Duration         `json:"retry_delay" yaml:"retry_delay"`
}

// DefaultPoolConfig returns the configuration used for lazily created pools
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Strategy:                RoundRobinStrategy,
		FailoverPolicy:          GracefulFailover,
		Weights:                 map[string]float64{},
		CircuitBreakerThreshold: 0.5,
		CircuitBreakerTimeout:   60 * time.Second,
		HealthCheckInterval:     30 * time.Second,
		MaxRetries:              3,
		RetryDelay:              time.Second,
	}
}

// Validate checks a pool configuration
func (c PoolConfig) Validate() error {
	if _, err := ParseStrategy(string(c.Strategy)); err != nil {
		return err
	}
	if _, err := ParseFailoverPolicy(string(c.FailoverPolicy)); err != nil {
		return err
	}
	if c.CircuitBreakerThreshold <= 0 || c.CircuitBreakerThreshold > 1 {
		return fmt.Errorf("circuit breaker threshold must be in (0, 1], got %v", c.CircuitBreakerThreshold)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry delay cannot be negative")
	}
	for id, w := range c.Weights {
		if w < 0 {
			return fmt.Errorf("weight for %s cannot be negative", id)
		}
	}
	return nil
}

// ServicePool is the set of interchangeable instances for one service type.
// Instances keep registration order, which only matters for round-robin tie-breaks.
type ServicePool struct {
	Type      ServiceType        `json:"service_type"`
	Config    PoolConfig         `json:"config"`
	Instances []*ServiceInstance `json:"instances"`
}

// NewServicePool creates an empty pool
func NewServicePool(serviceType ServiceType, config PoolConfig) *ServicePool {
	if config.Weights == nil {
		config.Weights = map[string]float64{}
	}
	return &ServicePool{
		Type:   serviceType,
		Config: config,
	}
}

// Find returns the instance with the given id
func (p *ServicePool) Find(id string) *ServiceInstance {
	for _, inst := range p.Instances {
		if inst.ID == id {
			return inst
		}
	}
	return nil
}

// Upsert replaces an instance with the same id or appends a new one.
// Returns true when an existing instance was replaced.
func (p *ServicePool) Upsert(instance *ServiceInstance) bool {
	for i, inst := range p.Instances {
		if inst.ID == instance.ID {
			p.Instances[i] = instance
			return true
		}
	}
	p.Instances = append(p.Instances, instance)
	return false
}

// Remove deletes the instance with the given id
func (p *ServicePool) Remove(id string) *ServiceInstance {
	for i, inst := range p.Instances {
		if inst.ID == id {
			p.Instances = append(p.Instances[:i:i], p.Instances[i+1:]...)
			return inst
		}
	}
	return nil
}

// Snapshot returns a copy of the pool that is safe to read without the registry lock.
// Instance pointers are shared.
func (p *ServicePool) Snapshot() *ServicePool {
	weights := make(map[string]float64, len(p.Config.Weights))
	for k, v := range p.Config.Weights {
		weights[k] = v
	}
	cfg := p.Config
	cfg.Weights = weights

	instances := make([]*ServiceInstance, len(p.Instances))
	copy(instances, p.Instances)

	return &ServicePool{
		Type:      p.Type,
		Config:    cfg,
		Instances: instances,
	}
}

// HealthyExcept returns the healthy instances other than excludeID, in pool order
func (p *ServicePool) HealthyExcept(excludeID string) []*ServiceInstance {
	var healthy []*ServiceInstance
	for _, inst := range p.Instances {
		if inst.ID != excludeID && inst.IsHealthy() {
			healthy = append(healthy, inst)
		}
	}
	return healthy
}

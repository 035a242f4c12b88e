package service

import (
	"time"

	"github.com/mir00r/mcp-orchestrator/internal/breaker"
	"github.com/mir00r/mcp-orchestrator/internal/domain"
)

// InstanceStatus describes one instance in a status report
type InstanceStatus struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Type      domain.ServiceType     `json:"type"`
	URL       string                 `json:"url"`
	Status    domain.ServiceStatus   `json:"status"`
	IsHealthy bool                   `json:"is_healthy"`
	Degraded  bool                   `json:"degraded"`
	LastSeen  *time.Time             `json:"last_seen,omitempty"`
	Metrics   domain.InstanceMetrics `json:"metrics"`
}

// PoolStatus describes one pool in a status report
type PoolStatus struct {
	ServiceType      domain.ServiceType           `json:"service_type"`
	Strategy         domain.OrchestrationStrategy `json:"strategy"`
	FailoverPolicy   domain.FailoverPolicy        `json:"failover_policy"`
	TotalInstances   int                          `json:"total_instances"`
	HealthyInstances int                          `json:"healthy_instances"`
	Instances        []InstanceStatus             `json:"instances"`
}

// StatusReport is the read-only snapshot returned by GetServiceStatus
type StatusReport struct {
	State               State                       `json:"orchestrator_status"`
	Timestamp           time.Time                   `json:"timestamp"`
	TotalServices       int                         `json:"total_services"`
	HealthyServices     int                         `json:"healthy_services"`
	ServiceAvailability float64                     `json:"service_availability"`
	Pools               map[string]PoolStatus       `json:"pools"`
	CircuitBreakers     map[string]breaker.Snapshot `json:"circuit_breakers"`
	Metrics             MetricsSnapshot             `json:"metrics"`
	EventRelay          bool                        `json:"event_relay"`
}

// PoolCount returns the number of instances of serviceType in the report
func (r StatusReport) PoolCount(serviceType domain.ServiceType) int {
	pool, ok := r.Pools[string(serviceType)]
	if !ok {
		return 0
	}
	return pool.TotalInstances
}

// InstanceShare is one instance's portion of its pool's traffic
type InstanceShare struct {
	Requests        int64   `json:"requests"`
	Errors          int64   `json:"errors"`
	Percentage      float64 `json:"percentage"`
	ResponseTimeAvg float64 `json:"response_time_avg"`
	IsHealthy       bool    `json:"is_healthy"`
}

// PoolDistribution is the request distribution of one pool
type PoolDistribution struct {
	Strategy      domain.OrchestrationStrategy `json:"strategy"`
	TotalRequests int64                        `json:"total_requests"`
	Instances     map[string]InstanceShare     `json:"instances"`
}

// LoadBalancingStats is the per-pool request distribution
type LoadBalancingStats struct {
	Timestamp time.Time                   `json:"timestamp"`
	Pools     map[string]PoolDistribution `json:"pools"`
}

func buildPoolStatus(pool *domain.ServicePool) PoolStatus {
	ps := PoolStatus{
		ServiceType:    pool.Type,
		Strategy:       pool.Config.Strategy,
		FailoverPolicy: pool.Config.FailoverPolicy,
		TotalInstances: len(pool.Instances),
		Instances:      make([]InstanceStatus, 0, len(pool.Instances)),
	}
	for _, inst := range pool.Instances {
		is := NewInstanceStatus(inst)
		if is.IsHealthy {
			ps.HealthyInstances++
		}
		ps.Instances = append(ps.Instances, is)
	}
	return ps
}

// NewInstanceStatus captures the current state of one instance
func NewInstanceStatus(inst *domain.ServiceInstance) InstanceStatus {
	is := InstanceStatus{
		ID:        inst.ID,
		Name:      inst.Name,
		Type:      inst.Type,
		URL:       inst.URL(),
		Status:    inst.Status(),
		IsHealthy: inst.IsHealthy(),
		Degraded:  inst.IsDegraded(),
		Metrics:   inst.Metrics(),
	}
	if seen := inst.LastSeen(); !seen.IsZero() {
		is.LastSeen = &seen
	}
	return is
}

func buildPoolDistribution(pool *domain.ServicePool) PoolDistribution {
	dist := PoolDistribution{
		Strategy:  pool.Config.Strategy,
		Instances: make(map[string]InstanceShare, len(pool.Instances)),
	}

	metrics := make([]domain.InstanceMetrics, len(pool.Instances))
	for i, inst := range pool.Instances {
		metrics[i] = inst.Metrics()
		dist.TotalRequests += metrics[i].RequestsTotal
	}

	for i, inst := range pool.Instances {
		share := InstanceShare{
			Requests:        metrics[i].RequestsTotal,
			Errors:          metrics[i].ErrorCount,
			ResponseTimeAvg: metrics[i].ResponseTimeAvg,
			IsHealthy:       inst.IsHealthy(),
		}
		if dist.TotalRequests > 0 {
			share.Percentage = float64(metrics[i].RequestsTotal) / float64(dist.TotalRequests) * 100
		}
		dist.Instances[inst.ID] = share
	}
	return dist
}

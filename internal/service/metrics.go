package service

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mir00r/mcp-orchestrator/internal/domain"
)

// MetricsCollector exports orchestration metrics to Prometheus. Each collector owns a
// private registry so several orchestrators can live in one process.
type MetricsCollector struct {
	registry *prometheus.Registry

	requests     *prometheus.CounterVec
	failovers    *prometheus.CounterVec
	trips        prometheus.Counter
	availability prometheus.Gauge
	selection    prometheus.Histogram
	probes       *prometheus.HistogramVec
	warnings     prometheus.Counter
}

// NewMetricsCollector creates and registers all metrics
func NewMetricsCollector() *MetricsCollector {
	registry := prometheus.NewRegistry()

	c := &MetricsCollector{
		registry: registry,
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_requests_total",
				Help: "Total number of routing requests by outcome",
			},
			[]string{"service_type", "outcome"},
		),
		failovers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_failovers_total",
				Help: "Total number of handled service failures by failover policy",
			},
			[]string{"policy"},
		),
		trips: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "orchestrator_circuit_breaker_trips_total",
				Help: "Total number of circuit breaker transitions to open",
			},
		),
		availability: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchestrator_service_availability_percent",
				Help: "Percentage of registered instances that are healthy",
			},
		),
		selection: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "orchestrator_selection_duration_seconds",
				Help:    "Time spent selecting an instance",
				Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
			},
		),
		probes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_probe_duration_seconds",
				Help:    "Health probe latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service_type", "result"},
		),
		warnings: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "orchestrator_health_warnings_total",
				Help: "Total number of health degradation warnings published",
			},
		),
	}

	registry.MustRegister(c.requests)
	registry.MustRegister(c.failovers)
	registry.MustRegister(c.trips)
	registry.MustRegister(c.availability)
	registry.MustRegister(c.selection)
	registry.MustRegister(c.probes)
	registry.MustRegister(c.warnings)

	return c
}

// Registry returns the underlying Prometheus registry
func (c *MetricsCollector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler serving the registry in exposition format
func (c *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// OrchestrationMetrics holds the process-wide aggregate counters. When a collector is
// attached every update is mirrored to Prometheus.
type OrchestrationMetrics struct {
	mu sync.RWMutex

	totalRequests       int64
	successfulRequests  int64
	failedRequests      int64
	avgResponseTime     float64
	failoverCount       int64
	circuitBreakerTrips int64
	healthWarnings      int64
	availability        float64

	collector *MetricsCollector
}

// MetricsSnapshot is a copy of the aggregate counters
type MetricsSnapshot struct {
	TotalRequests       int64   `json:"total_requests"`
	SuccessfulRequests  int64   `json:"successful_requests"`
	FailedRequests      int64   `json:"failed_requests"`
	AvgResponseTime     float64 `json:"avg_response_time"`
	FailoverCount       int64   `json:"failover_count"`
	CircuitBreakerTrips int64   `json:"circuit_breaker_trips"`
	HealthWarnings      int64   `json:"health_warnings"`
	ServiceAvailability float64 `json:"service_availability"`
}

// NewOrchestrationMetrics creates the aggregate metrics. collector may be nil.
func NewOrchestrationMetrics(collector *MetricsCollector) *OrchestrationMetrics {
	return &OrchestrationMetrics{collector: collector}
}

// RecordRouteSuccess counts a successful routing call and folds its duration into the
// running mean response time. The mean is taken over all routing calls, so calls that
// found no instance weigh it down.
func (m *OrchestrationMetrics) RecordRouteSuccess(serviceType domain.ServiceType, elapsed time.Duration) {
	m.mu.Lock()
	m.totalRequests++
	m.successfulRequests++
	x := elapsed.Seconds()
	m.avgResponseTime += (x - m.avgResponseTime) / float64(m.totalRequests)
	m.mu.Unlock()

	if m.collector != nil {
		m.collector.requests.WithLabelValues(string(serviceType), "success").Inc()
		m.collector.selection.Observe(elapsed.Seconds())
	}
}

// RecordRouteFailure counts a routing call that found no instance
func (m *OrchestrationMetrics) RecordRouteFailure(serviceType domain.ServiceType) {
	m.mu.Lock()
	m.totalRequests++
	m.failedRequests++
	m.mu.Unlock()

	if m.collector != nil {
		m.collector.requests.WithLabelValues(string(serviceType), "no_available_service").Inc()
	}
}

// RecordServiceFailure counts a caller-reported failure handled by the failover manager
func (m *OrchestrationMetrics) RecordServiceFailure(policy domain.FailoverPolicy) {
	m.mu.Lock()
	m.failedRequests++
	m.failoverCount++
	m.mu.Unlock()

	if m.collector != nil {
		m.collector.failovers.WithLabelValues(string(policy)).Inc()
	}
}

// RecordCircuitBreakerTrip counts a breaker transition to open
func (m *OrchestrationMetrics) RecordCircuitBreakerTrip() {
	m.mu.Lock()
	m.circuitBreakerTrips++
	m.mu.Unlock()

	if m.collector != nil {
		m.collector.trips.Inc()
	}
}

// RecordHealthWarning counts a published degradation warning
func (m *OrchestrationMetrics) RecordHealthWarning() {
	m.mu.Lock()
	m.healthWarnings++
	m.mu.Unlock()

	if m.collector != nil {
		m.collector.warnings.Inc()
	}
}

// RecordProbe observes one health probe
func (m *OrchestrationMetrics) RecordProbe(serviceType domain.ServiceType, result domain.SampleStatus, elapsed time.Duration) {
	if m.collector != nil {
		m.collector.probes.WithLabelValues(string(serviceType), string(result)).Observe(elapsed.Seconds())
	}
}

// SetAvailability stores the computed availability percentage
func (m *OrchestrationMetrics) SetAvailability(percent float64) {
	m.mu.Lock()
	m.availability = percent
	m.mu.Unlock()

	if m.collector != nil {
		m.collector.availability.Set(percent)
	}
}

// Snapshot returns a copy of the counters
func (m *OrchestrationMetrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MetricsSnapshot{
		TotalRequests:       m.totalRequests,
		SuccessfulRequests:  m.successfulRequests,
		FailedRequests:      m.failedRequests,
		AvgResponseTime:     m.avgResponseTime,
		FailoverCount:       m.failoverCount,
		CircuitBreakerTrips: m.circuitBreakerTrips,
		HealthWarnings:      m.healthWarnings,
		ServiceAvailability: m.availability,
	}
}

// Availability returns healthy/total as a percentage, 0 when there are no instances
func Availability(healthy, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(healthy) / float64(total) * 100
}

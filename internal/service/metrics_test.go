package service

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/mir00r/mcp-orchestrator/internal/domain"
)

func TestOrchestrationMetricsAverageCountsAllRequests(t *testing.T) {
	m := NewOrchestrationMetrics(nil)

	m.RecordRouteFailure(domain.ServiceTypeCore)
	m.RecordRouteSuccess(domain.ServiceTypeCore, 2*time.Second)

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.TotalRequests)
	assert.Equal(t, int64(1), snap.SuccessfulRequests)
	assert.Equal(t, int64(1), snap.FailedRequests)
	assert.InDelta(t, 1.0, snap.AvgResponseTime, 1e-9)

	m.RecordRouteSuccess(domain.ServiceTypeCore, 4*time.Second)
	assert.InDelta(t, 2.0, m.Snapshot().AvgResponseTime, 1e-9)
}

func TestOrchestrationMetricsMirrorsCollector(t *testing.T) {
	collector := NewMetricsCollector()
	m := NewOrchestrationMetrics(collector)

	m.RecordRouteSuccess(domain.ServiceTypeCore, time.Millisecond)
	m.RecordRouteFailure(domain.ServiceTypeCore)
	m.RecordServiceFailure(domain.ImmediateFailover)
	m.RecordCircuitBreakerTrip()
	m.SetAvailability(50)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.requests.WithLabelValues(string(domain.ServiceTypeCore), "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.requests.WithLabelValues(string(domain.ServiceTypeCore), "no_available_service")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.failovers.WithLabelValues(string(domain.ImmediateFailover))))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.trips))
	assert.Equal(t, 50.0, testutil.ToFloat64(collector.availability))

	snap := m.Snapshot()
	assert.Equal(t, int64(2), snap.FailedRequests)
	assert.Equal(t, int64(1), snap.FailoverCount)
	assert.Equal(t, 50.0, snap.ServiceAvailability)
}

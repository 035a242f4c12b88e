package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/mcp-orchestrator/internal/config"
	"github.com/mir00r/mcp-orchestrator/internal/domain"
	"github.com/mir00r/mcp-orchestrator/internal/middleware"
	"github.com/mir00r/mcp-orchestrator/internal/service"
	"github.com/mir00r/mcp-orchestrator/pkg/logger"
)

type healthyProber struct{}

func (healthyProber) Probe(ctx context.Context, instance *domain.ServiceInstance) service.ProbeResult {
	return service.ProbeResult{Healthy: true, StatusCode: http.StatusOK, ResponseTime: time.Millisecond}
}

type testAPI struct {
	orch    *service.Orchestrator
	handler http.Handler
	metrics *middleware.HTTPMetrics
}

func newTestAPI(t *testing.T, withReloader bool, policy domain.FailoverPolicy) *testAPI {
	t.Helper()

	pool := domain.DefaultPoolConfig()
	pool.FailoverPolicy = policy

	collector := service.NewMetricsCollector()
	orch := service.NewOrchestrator(service.Options{
		Pools: map[domain.ServiceType]domain.PoolConfig{domain.ServiceTypeCore: pool},
		Services: []*domain.ServiceInstance{
			domain.NewServiceInstance("core-1", "core one", domain.ServiceTypeCore, "10.0.0.1", 8080),
			domain.NewServiceInstance("core-2", "core two", domain.ServiceTypeCore, "10.0.0.2", 8080),
		},
		Monitor:   service.HealthMonitorConfig{Interval: time.Hour},
		Prober:    healthyProber{},
		Collector: collector,
	}, logger.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = orch.Close(ctx)
	})

	var reloader *service.ConfigReloadService
	if withReloader {
		reloader = service.NewConfigReloadService(config.DefaultConfig(), orch, "", 0, logger.NewNop())
	}

	metrics, err := middleware.NewHTTPMetrics(collector.Registry())
	require.NoError(t, err)

	admin := NewAdminHandler(orch, reloader, "test", logger.NewNop())
	router := admin.NewRouter(metrics.Middleware())

	return &testAPI{
		orch:    orch,
		handler: middleware.RequestIDMiddleware()(router),
		metrics: metrics,
	}
}

func (a *testAPI) start(t *testing.T) {
	t.Helper()
	require.NoError(t, a.orch.Start(context.Background()))
	require.Eventually(t, func() bool {
		return a.orch.GetServiceStatus().HealthyServices == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func (a *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	req.Header.Set(middleware.RequestIDHeader, "req-test")
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body struct {
		Error map[string]interface{} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestHealthEndpoints(t *testing.T) {
	api := newTestAPI(t, false, domain.GracefulFailover)

	rec := api.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "not ready before start")

	api.start(t)
	rec = api.do(t, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body["status"])
	assert.Equal(t, "running", body["state"])
	assert.Equal(t, "test", body["version"])
}

func TestStatusEndpoint(t *testing.T) {
	api := newTestAPI(t, false, domain.GracefulFailover)
	api.start(t)

	rec := api.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var report service.StatusReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, service.StateRunning, report.State)
	assert.Equal(t, 2, report.TotalServices)
	assert.Equal(t, 100.0, report.ServiceAvailability)
	assert.Len(t, report.Pools["core"].Instances, 2)
	assert.Equal(t, "CLOSED", report.CircuitBreakers["core-1"].State)
}

func TestRouteEndpoint(t *testing.T) {
	api := newTestAPI(t, false, domain.GracefulFailover)
	api.start(t)

	var selected []string
	for i := 0; i < 2; i++ {
		rec := api.do(t, http.MethodPost, "/route/core", `{"session_id":"s-1"}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp RouteResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "req-test", resp.RequestID)
		selected = append(selected, resp.Instance.ID)
	}
	assert.Equal(t, []string{"core-1", "core-2"}, selected)

	rec := api.do(t, http.MethodPost, "/route/core", "")
	assert.Equal(t, http.StatusOK, rec.Code, "body is optional")

	rec = api.do(t, http.MethodGet, "/stats/load-balancing", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats service.LoadBalancingStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(3), stats.Pools["core"].TotalRequests)
}

func TestRouteEndpointErrors(t *testing.T) {
	api := newTestAPI(t, false, domain.GracefulFailover)
	api.start(t)

	t.Run("unknown service type", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/route/mainframe", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_REQUEST", errorBody(t, rec)["code"])
	})

	t.Run("no pool", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/route/github", "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		body := errorBody(t, rec)
		assert.Equal(t, "NO_AVAILABLE_SERVICE", body["code"])
		assert.Equal(t, "req-test", body["request_id"])
	})

	t.Run("malformed body", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/route/core", `{"session_id":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_REQUEST", errorBody(t, rec)["code"])
	})
}

func TestServiceLifecycleEndpoints(t *testing.T) {
	api := newTestAPI(t, false, domain.GracefulFailover)
	api.start(t)

	rec := api.do(t, http.MethodPost, "/services",
		`{"id":"core-3","type":"core","host":"10.0.0.3","port":9000,"tags":["canary"]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created service.InstanceStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "core-3", created.ID)
	assert.Equal(t, "core-3", created.Name)
	assert.Equal(t, domain.ServiceTypeCore, created.Type)

	require.Eventually(t, func() bool {
		rec := api.do(t, http.MethodGet, "/services/core-3", "")
		var got service.InstanceStatus
		return rec.Code == http.StatusOK &&
			json.Unmarshal(rec.Body.Bytes(), &got) == nil &&
			got.IsHealthy
	}, 2*time.Second, 5*time.Millisecond, "registration schedules a probe")

	rec = api.do(t, http.MethodDelete, "/services/core-3", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = api.do(t, http.MethodGet, "/services/core-3", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorBody(t, rec)["code"])

	rec = api.do(t, http.MethodDelete, "/services/core-3", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegisterServiceRejectsInvalidSpecs(t *testing.T) {
	api := newTestAPI(t, false, domain.GracefulFailover)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"missing port", `{"id":"x","type":"core","host":"localhost"}`, "INVALID_SERVICE_SPEC"},
		{"unknown type", `{"id":"x","type":"mainframe","host":"localhost","port":80}`, "INVALID_SERVICE_SPEC"},
		{"unknown field", `{"id":"x","weight":3}`, "INVALID_REQUEST"},
		{"empty body", ``, "INVALID_REQUEST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, http.MethodPost, "/services", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, errorBody(t, rec)["code"])
		})
	}
}

func TestReportFailureEndpoint(t *testing.T) {
	t.Run("immediate failover returns a substitute", func(t *testing.T) {
		api := newTestAPI(t, false, domain.ImmediateFailover)
		api.start(t)

		rec := api.do(t, http.MethodPost, "/services/core-1/failures", `{"error":"connection reset"}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var substitute service.InstanceStatus
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &substitute))
		assert.Equal(t, "core-2", substitute.ID)
		assert.Equal(t, int64(1), api.orch.Metrics().FailoverCount)
	})

	t.Run("no substitute once every instance is drained", func(t *testing.T) {
		api := newTestAPI(t, false, domain.GracefulFailover)
		api.start(t)

		rec := api.do(t, http.MethodPost, "/services/core-1/failures", "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		rec = api.do(t, http.MethodPost, "/services/core-2/failures", "")
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})

	t.Run("unknown instance", func(t *testing.T) {
		api := newTestAPI(t, false, domain.ImmediateFailover)
		rec := api.do(t, http.MethodPost, "/services/missing/failures", `{"error":"x"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestReloadConfigEndpoint(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		api := newTestAPI(t, false, domain.GracefulFailover)
		rec := api.do(t, http.MethodPost, "/config/reload", "service_pools: {}")
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "INVALID_STATE", errorBody(t, rec)["code"])
	})

	t.Run("applies pools", func(t *testing.T) {
		api := newTestAPI(t, true, domain.GracefulFailover)
		api.start(t)

		rec := api.do(t, http.MethodPost, "/config/reload", `
service_pools:
  core:
    strategy: least_connections
    failover_policy: immediate
`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var stats map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
		assert.EqualValues(t, 1, stats["reload_count"])

		report := api.orch.GetServiceStatus()
		assert.Equal(t, domain.LeastConnectionsStrategy, report.Pools["core"].Strategy)
		assert.Equal(t, domain.ImmediateFailover, report.Pools["core"].FailoverPolicy)
	})

	t.Run("invalid document", func(t *testing.T) {
		api := newTestAPI(t, true, domain.GracefulFailover)
		rec := api.do(t, http.MethodPost, "/config/reload", "service_pools: [")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "INVALID_REQUEST", errorBody(t, rec)["code"])
	})
}

func TestMetricsEndpointIncludesHTTPMetrics(t *testing.T) {
	api := newTestAPI(t, false, domain.GracefulFailover)
	api.start(t)

	api.do(t, http.MethodGet, "/services/core-1", "")
	api.do(t, http.MethodGet, "/services/core-2", "")

	rec := api.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(),
		`orchestrator_http_requests_total{method="GET",route="/services/{id}",status_code="200"} 2`)
	assert.Contains(t, rec.Body.String(), "orchestrator_http_requests_in_flight 1")
}

func TestUnknownRouteReturnsJSON(t *testing.T) {
	api := newTestAPI(t, false, domain.GracefulFailover)

	rec := api.do(t, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "req-test", errorBody(t, rec)["request_id"])
	assert.True(t, bytes.Contains(rec.Body.Bytes(), []byte("NOT_FOUND")))
}

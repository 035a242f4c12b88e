package service

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/mir00r/mcp-orchestrator/internal/domain"
	"github.com/mir00r/mcp-orchestrator/internal/errors"
)

func instanceFor(t *testing.T, rawURL string) *domain.ServiceInstance {
	t.Helper()

	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return domain.NewServiceInstance("probe-target", "probe-target", domain.ServiceTypeCustom, host, port)
}

func TestHTTPProber(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","metrics":{"requests_total":5,"error_count":1,"cpu_usage":3.5,"memory_usage":40}}`))
	})
	mux.HandleFunc("/degraded", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok","errors":["cache miss storm",{"code":7}]}`))
	})
	mux.HandleFunc("/plain", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/unavailable", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	prober := NewHTTPProber(nil)

	t.Run("healthy with metrics", func(t *testing.T) {
		result := prober.Probe(context.Background(), instanceFor(t, srv.URL))

		require.NoError(t, result.Err)
		assert.True(t, result.Healthy)
		assert.False(t, result.Degraded)
		assert.Equal(t, http.StatusOK, result.StatusCode)
		assert.Greater(t, result.ResponseTime, time.Duration(0))
		assert.Equal(t, "ok", result.Payload["status"])
		require.NotNil(t, result.Metrics)
		require.NotNil(t, result.Metrics.RequestsTotal)
		assert.Equal(t, int64(5), *result.Metrics.RequestsTotal)
		assert.Equal(t, 3.5, *result.Metrics.CPUUsage)
		assert.Equal(t, domain.SampleHealthy, result.SampleStatus())
	})

	t.Run("errors mark the instance degraded", func(t *testing.T) {
		inst := instanceFor(t, srv.URL)
		inst.HealthCheckURL = srv.URL + "/degraded"

		result := prober.Probe(context.Background(), inst)
		assert.True(t, result.Healthy)
		assert.True(t, result.Degraded)
		assert.Equal(t, []string{"cache miss storm", `{"code":7}`}, result.Errors)
	})

	t.Run("non json body", func(t *testing.T) {
		inst := instanceFor(t, srv.URL)
		inst.HealthCheckURL = srv.URL + "/plain"

		result := prober.Probe(context.Background(), inst)
		assert.True(t, result.Healthy)
		assert.Nil(t, result.Payload)
		assert.Nil(t, result.Metrics)
	})

	t.Run("non 200 is unhealthy", func(t *testing.T) {
		inst := instanceFor(t, srv.URL)
		inst.HealthCheckURL = srv.URL + "/unavailable"

		result := prober.Probe(context.Background(), inst)
		assert.False(t, result.Healthy)
		assert.NoError(t, result.Err)
		assert.Equal(t, http.StatusServiceUnavailable, result.StatusCode)
		assert.Equal(t, domain.SampleUnhealthy, result.SampleStatus())
	})

	t.Run("deadline exceeded is a probe timeout", func(t *testing.T) {
		inst := instanceFor(t, srv.URL)
		inst.HealthCheckURL = srv.URL + "/slow"

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()

		result := prober.Probe(ctx, inst)
		assert.False(t, result.Healthy)
		require.Error(t, result.Err)
		assert.True(t, stderrors.Is(result.Err, errors.ErrProbeTimeout))
		assert.Equal(t, domain.SampleError, result.SampleStatus())
	})
}

func TestHTTPProberConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	inst := instanceFor(t, srv.URL)
	srv.Close()

	result := NewHTTPProber(nil).Probe(context.Background(), inst)
	assert.False(t, result.Healthy)
	require.Error(t, result.Err)
	assert.True(t, stderrors.Is(result.Err, errors.ErrProbeTransportError))
}

func startHealthServer(t *testing.T) (*health.Server, string) {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)

	go func() {
		_ = server.Serve(lis)
	}()
	t.Cleanup(server.Stop)

	return healthServer, "http://" + lis.Addr().String()
}

func TestGRPCProber(t *testing.T) {
	healthServer, addr := startHealthServer(t)
	healthServer.SetServingStatus("search.v1.Search", healthpb.HealthCheckResponse_SERVING)

	prober := NewGRPCProber()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("server health", func(t *testing.T) {
		inst := instanceFor(t, addr)
		inst.Protocol = "grpc"

		result := prober.Probe(ctx, inst)
		require.NoError(t, result.Err)
		assert.True(t, result.Healthy)
		assert.Equal(t, "SERVING", result.Payload["status"])
	})

	t.Run("named service", func(t *testing.T) {
		inst := instanceFor(t, addr)
		inst.Metadata = map[string]string{"grpc_service": "search.v1.Search"}

		assert.True(t, prober.Probe(ctx, inst).Healthy)

		healthServer.SetServingStatus("search.v1.Search", healthpb.HealthCheckResponse_NOT_SERVING)
		result := prober.Probe(ctx, inst)
		assert.False(t, result.Healthy)
		assert.NoError(t, result.Err)
		assert.Equal(t, domain.SampleUnhealthy, result.SampleStatus())
	})

	t.Run("unknown service", func(t *testing.T) {
		inst := instanceFor(t, addr)
		inst.Metadata = map[string]string{"grpc_service": "missing.v1.Service"}

		result := prober.Probe(ctx, inst)
		assert.False(t, result.Healthy)
		require.Error(t, result.Err)
		assert.True(t, stderrors.Is(result.Err, errors.ErrProbeTransportError))
	})
}

func TestProtocolProberDispatch(t *testing.T) {
	httpProber := newFakeProber(healthyResult(time.Millisecond))
	grpcProber := newFakeProber(unhealthyResult())
	prober := &ProtocolProber{HTTP: httpProber, GRPC: grpcProber}

	web := runningInstance("web", domain.ServiceTypeCustom)
	rpc := runningInstance("rpc", domain.ServiceTypeCustom)
	rpc.Protocol = "GRPC"

	assert.True(t, prober.Probe(context.Background(), web).Healthy)
	assert.False(t, prober.Probe(context.Background(), rpc).Healthy)
	assert.Equal(t, 1, httpProber.Calls("web"))
	assert.Equal(t, 1, grpcProber.Calls("rpc"))
	assert.Equal(t, 0, httpProber.Calls("rpc"))
}

package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/mir00r/mcp-orchestrator/internal/domain"
	"github.com/mir00r/mcp-orchestrator/internal/errors"
)

const maxProbeBody = 1 << 20

// ProbeResult is the outcome of one health probe
type ProbeResult struct {
	Healthy      bool
	Degraded     bool
	StatusCode   int
	ResponseTime time.Duration
	Metrics      *domain.ReportedMetrics
	Payload      map[string]interface{}
	Errors       []string
	Err          error
}

// SampleStatus classifies the result for the health history
func (r ProbeResult) SampleStatus() domain.SampleStatus {
	switch {
	case r.Healthy:
		return domain.SampleHealthy
	case r.Err != nil:
		return domain.SampleError
	default:
		return domain.SampleUnhealthy
	}
}

// Prober checks the health of one instance
type Prober interface {
	Probe(ctx context.Context, instance *domain.ServiceInstance) ProbeResult
}

// HTTPProber issues GET requests against the instance health URL
type HTTPProber struct {
	client    *http.Client
	userAgent string
}

// NewHTTPProber creates an HTTP prober. The per-probe deadline comes from the context.
func NewHTTPProber(client *http.Client) *HTTPProber {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        50,
				IdleConnTimeout:     30 * time.Second,
				DisableCompression:  true,
				MaxIdleConnsPerHost: 2,
			},
		}
	}
	return &HTTPProber{
		client:    client,
		userAgent: "MCP-Orchestrator-HealthMonitor/1.0",
	}
}

type healthBody struct {
	Metrics *domain.ReportedMetrics `json:"metrics"`
	Errors  []json.RawMessage       `json:"errors"`
}

// Probe performs the health check. A 200 response is healthy; a JSON body may carry a
// metrics object and an errors array, the latter marking the instance degraded.
func (p *HTTPProber) Probe(ctx context.Context, instance *domain.ServiceInstance) ProbeResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, instance.HealthURL(), nil)
	if err != nil {
		return ProbeResult{Err: errors.NewProbeTransportError(instance.ID, err)}
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", "application/json, text/plain, */*")

	start := time.Now()
	resp, err := p.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return ProbeResult{ResponseTime: elapsed, Err: classifyProbeError(instance.ID, err)}
	}
	defer resp.Body.Close()

	result := ProbeResult{
		StatusCode:   resp.StatusCode,
		ResponseTime: elapsed,
	}
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxProbeBody))
		return result
	}
	result.Healthy = true

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
	if err != nil || len(data) == 0 {
		return result
	}

	var payload map[string]interface{}
	if json.Unmarshal(data, &payload) != nil {
		return result
	}
	result.Payload = payload

	var body healthBody
	if json.Unmarshal(data, &body) == nil {
		result.Metrics = body.Metrics
		for _, raw := range body.Errors {
			var s string
			if json.Unmarshal(raw, &s) == nil {
				result.Errors = append(result.Errors, s)
			} else {
				result.Errors = append(result.Errors, string(raw))
			}
		}
	}
	result.Degraded = len(result.Errors) > 0

	return result
}

// GRPCProber calls grpc.health.v1.Health/Check on the instance address. The checked
// service name is taken from the grpc_service metadata entry, empty meaning the server.
type GRPCProber struct {
	dialOptions []grpc.DialOption
}

// NewGRPCProber creates a gRPC prober using plaintext transport unless options say otherwise
func NewGRPCProber(opts ...grpc.DialOption) *GRPCProber {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &GRPCProber{dialOptions: opts}
}

// Probe performs the health check
func (p *GRPCProber) Probe(ctx context.Context, instance *domain.ServiceInstance) ProbeResult {
	conn, err := grpc.NewClient(instance.Address(), p.dialOptions...)
	if err != nil {
		return ProbeResult{Err: errors.NewProbeTransportError(instance.ID, err)}
	}
	defer conn.Close()

	start := time.Now()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{
		Service: instance.Metadata["grpc_service"],
	})
	elapsed := time.Since(start)
	if err != nil {
		if status.Code(err) == codes.DeadlineExceeded {
			return ProbeResult{ResponseTime: elapsed, Err: errors.NewProbeTimeoutError(instance.ID, err)}
		}
		return ProbeResult{ResponseTime: elapsed, Err: classifyProbeError(instance.ID, err)}
	}

	result := ProbeResult{
		ResponseTime: elapsed,
		Healthy:      resp.GetStatus() == healthpb.HealthCheckResponse_SERVING,
		Payload: map[string]interface{}{
			"status": resp.GetStatus().String(),
		},
	}
	return result
}

// ProtocolProber dispatches to the gRPC prober for grpc instances and to the HTTP
// prober otherwise.
type ProtocolProber struct {
	HTTP Prober
	GRPC Prober
}

// NewProtocolProber creates a dispatcher with default HTTP and gRPC probers
func NewProtocolProber(client *http.Client) *ProtocolProber {
	return &ProtocolProber{
		HTTP: NewHTTPProber(client),
		GRPC: NewGRPCProber(),
	}
}

// Probe performs the health check with the prober matching the instance protocol
func (p *ProtocolProber) Probe(ctx context.Context, instance *domain.ServiceInstance) ProbeResult {
	if strings.EqualFold(instance.Protocol, "grpc") && p.GRPC != nil {
		return p.GRPC.Probe(ctx, instance)
	}
	return p.HTTP.Probe(ctx, instance)
}

func classifyProbeError(instanceID string, err error) error {
	var netErr net.Error
	if stderrors.Is(err, context.DeadlineExceeded) || (stderrors.As(err, &netErr) && netErr.Timeout()) {
		return errors.NewProbeTimeoutError(instanceID, err)
	}
	return errors.NewProbeTransportError(instanceID, fmt.Errorf("probe %s: %w", instanceID, err))
}

package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mir00r/mcp-orchestrator/internal/config"
	"github.com/mir00r/mcp-orchestrator/pkg/logger"
)

const maxCatalogSize = 4 << 20

// HTTPProvider reads the service catalog from an HTTP endpoint
type HTTPProvider struct {
	logger   *logger.Logger
	client   *http.Client
	endpoint string
}

// HTTPServiceResponse is the catalog document served at {endpoint}/services
type HTTPServiceResponse struct {
	Services []*Service `json:"services"`
}

// NewHTTPProvider creates a new HTTP catalog provider
func NewHTTPProvider(cfg config.DiscoveryConfig, log *logger.Logger) (*HTTPProvider, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("no discovery endpoint configured")
	}
	if log == nil {
		log = logger.NewNop()
	}

	return &HTTPProvider{
		logger:   log,
		client:   &http.Client{Timeout: cfg.Timeout},
		endpoint: strings.TrimRight(cfg.Endpoint, "/"),
	}, nil
}

// Name returns the provider name
func (h *HTTPProvider) Name() string {
	return "http"
}

// DiscoverServices fetches the current catalog
func (h *HTTPProvider) DiscoverServices(ctx context.Context) ([]*Service, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint+"/services", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create services request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query services: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("services query failed with status: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCatalogSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var response HTTPServiceResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse services: %w", err)
	}

	h.logger.WithFields(map[string]interface{}{
		"endpoint": h.endpoint,
		"services": len(response.Services),
	}).Debug("Fetched service catalog")
	return response.Services, nil
}

// Health checks that the catalog endpoint answers
func (h *HTTPProvider) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}
	return nil
}

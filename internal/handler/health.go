package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mir00r/mcp-orchestrator/internal/service"
)

// StateReporter exposes the orchestrator lifecycle state
type StateReporter interface {
	State() service.State
}

// HealthHandler provides liveness and readiness endpoints
type HealthHandler struct {
	orchestrator StateReporter
	startTime    time.Time
	version      string
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(orch StateReporter, version string) *HealthHandler {
	return &HealthHandler{
		orchestrator: orch,
		startTime:    time.Now(),
		version:      version,
	}
}

// ReadinessHandler reports ready only while the orchestrator is running
func (h *HealthHandler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	state := h.orchestrator.State()

	status, code := "ready", http.StatusOK
	if state != service.StateRunning {
		status, code = "not_ready", http.StatusServiceUnavailable
	}

	h.write(w, code, map[string]interface{}{
		"status":    status,
		"state":     state,
		"timestamp": time.Now().UTC(),
		"version":   h.version,
		"uptime":    time.Since(h.startTime).String(),
	})
}

// LivenessHandler checks if the process is alive
func (h *HealthHandler) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	h.write(w, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"timestamp": time.Now().UTC(),
		"version":   h.version,
		"uptime":    time.Since(h.startTime).String(),
	})
}

func (h *HealthHandler) write(w http.ResponseWriter, code int, body map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

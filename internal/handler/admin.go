package handler

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mir00r/mcp-orchestrator/internal/config"
	"github.com/mir00r/mcp-orchestrator/internal/domain"
	"github.com/mir00r/mcp-orchestrator/internal/errors"
	"github.com/mir00r/mcp-orchestrator/internal/middleware"
	"github.com/mir00r/mcp-orchestrator/internal/service"
	"github.com/mir00r/mcp-orchestrator/pkg/logger"
)

const maxBodySize = 1 << 20

// AdminHandler exposes the orchestrator over a JSON admin API
type AdminHandler struct {
	orchestrator *service.Orchestrator
	reloader     *service.ConfigReloadService
	logger       *logger.Logger
	version      string
}

// NewAdminHandler creates a new admin handler. reloader may be nil, in which case
// configuration reloads are rejected.
func NewAdminHandler(orch *service.Orchestrator, reloader *service.ConfigReloadService, version string, log *logger.Logger) *AdminHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &AdminHandler{
		orchestrator: orch,
		reloader:     reloader,
		logger:       log.AdminLogger(),
		version:      version,
	}
}

// RouteRequest is the optional body of a routing call
type RouteRequest struct {
	SessionID   string            `json:"session_id,omitempty"`
	AffinityKey string            `json:"affinity_key,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// FailureReport is the body of a failure report
type FailureReport struct {
	Error string `json:"error"`
}

// RouteResponse describes the instance chosen for a request
type RouteResponse struct {
	RequestID string                 `json:"request_id,omitempty"`
	Instance  service.InstanceStatus `json:"instance"`
}

// RegisterRoutes attaches the admin endpoints to router
func (h *AdminHandler) RegisterRoutes(router *mux.Router) {
	health := NewHealthHandler(h.orchestrator, h.version)
	router.HandleFunc("/health", health.LivenessHandler).Methods(http.MethodGet)
	router.HandleFunc("/ready", health.ReadinessHandler).Methods(http.MethodGet)

	router.HandleFunc("/status", h.StatusHandler).Methods(http.MethodGet)
	router.HandleFunc("/stats/load-balancing", h.LoadBalancingStatsHandler).Methods(http.MethodGet)
	router.Handle("/metrics", h.orchestrator.MetricsHandler()).Methods(http.MethodGet)

	router.HandleFunc("/services", h.RegisterServiceHandler).Methods(http.MethodPost)
	router.HandleFunc("/services/{id}", h.GetServiceHandler).Methods(http.MethodGet)
	router.HandleFunc("/services/{id}", h.UnregisterServiceHandler).Methods(http.MethodDelete)
	router.HandleFunc("/services/{id}/failures", h.ReportFailureHandler).Methods(http.MethodPost)

	router.HandleFunc("/route/{service_type}", h.RouteHandler).Methods(http.MethodPost)
	router.HandleFunc("/config/reload", h.ReloadConfigHandler).Methods(http.MethodPost)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := errors.NewError(errors.ErrCodeNotFound, "admin_api", "Route not found").
			WithMetadata("path", r.URL.Path).
			WithRequestID(middleware.RequestIDFromContext(r.Context()))
		middleware.WriteError(w, err)
	})
}

// NewRouter builds a router with every admin endpoint. Extra middleware is attached
// with router.Use so that it sees the matched route.
func (h *AdminHandler) NewRouter(mw ...mux.MiddlewareFunc) *mux.Router {
	router := mux.NewRouter()
	for _, m := range mw {
		router.Use(m)
	}
	h.RegisterRoutes(router)
	return router
}

// StatusHandler returns the orchestration status report
func (h *AdminHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.orchestrator.GetServiceStatus())
}

// LoadBalancingStatsHandler returns the request distribution per pool
func (h *AdminHandler) LoadBalancingStatsHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.orchestrator.GetLoadBalancingStats())
}

// RegisterServiceHandler registers or replaces a service instance
func (h *AdminHandler) RegisterServiceHandler(w http.ResponseWriter, r *http.Request) {
	var sc config.ServiceConfig
	if err := decodeBody(r, &sc, false); err != nil {
		h.writeError(w, r, err)
		return
	}

	inst, err := sc.ToInstance()
	if err != nil {
		h.writeError(w, r, errors.NewInvalidServiceSpecError(err))
		return
	}
	if err := h.orchestrator.RegisterService(r.Context(), inst); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.WithFields(map[string]interface{}{
		"instance_id":  inst.ID,
		"service_type": string(inst.Type),
		"request_id":   middleware.RequestIDFromContext(r.Context()),
	}).Info("Service registered via admin API")

	h.writeJSON(w, http.StatusCreated, service.NewInstanceStatus(inst))
}

// GetServiceHandler returns one registered instance
func (h *AdminHandler) GetServiceHandler(w http.ResponseWriter, r *http.Request) {
	inst, err := h.orchestrator.GetInstance(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, service.NewInstanceStatus(inst))
}

// UnregisterServiceHandler removes an instance
func (h *AdminHandler) UnregisterServiceHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.orchestrator.UnregisterService(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.logger.WithField("instance_id", id).Info("Service unregistered via admin API")
	w.WriteHeader(http.StatusNoContent)
}

// RouteHandler selects an instance of the requested service type
func (h *AdminHandler) RouteHandler(w http.ResponseWriter, r *http.Request) {
	serviceType, err := domain.ParseServiceType(mux.Vars(r)["service_type"])
	if err != nil {
		h.writeError(w, r, errors.NewError(errors.ErrCodeInvalidRequest, "admin_api", err.Error()))
		return
	}

	var body RouteRequest
	if err := decodeBody(r, &body, true); err != nil {
		h.writeError(w, r, err)
		return
	}

	requestID := middleware.RequestIDFromContext(r.Context())
	rc := &domain.RequestContext{
		RequestID:   requestID,
		SessionID:   body.SessionID,
		AffinityKey: body.AffinityKey,
		Attributes:  body.Attributes,
	}

	inst, err := h.orchestrator.RouteRequest(r.Context(), serviceType, rc)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, RouteResponse{
		RequestID: requestID,
		Instance:  service.NewInstanceStatus(inst),
	})
}

// ReportFailureHandler reports a failed call to an instance and returns the
// substitute chosen by the pool's failover policy, or 204 when there is none.
func (h *AdminHandler) ReportFailureHandler(w http.ResponseWriter, r *http.Request) {
	var report FailureReport
	if err := decodeBody(r, &report, true); err != nil {
		h.writeError(w, r, err)
		return
	}

	var cause error
	if report.Error != "" {
		cause = stderrors.New(report.Error)
	}

	substitute, err := h.orchestrator.HandleServiceErrorByID(r.Context(), mux.Vars(r)["id"], cause)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if substitute == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.writeJSON(w, http.StatusOK, service.NewInstanceStatus(substitute))
}

// ReloadConfigHandler applies a YAML configuration document to the running pools
func (h *AdminHandler) ReloadConfigHandler(w http.ResponseWriter, r *http.Request) {
	if h.reloader == nil {
		h.writeError(w, r, errors.NewError(errors.ErrCodeInvalidState, "admin_api", "Configuration reload is not enabled"))
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.writeError(w, r, errors.NewError(errors.ErrCodeInvalidRequest, "admin_api", "failed to read request body"))
		return
	}

	if err := h.reloader.ReloadFromYAML(data); err != nil {
		var orchErr *errors.OrchestratorError
		if !stderrors.As(err, &orchErr) {
			err = errors.NewErrorWithCause(errors.ErrCodeInvalidRequest, "admin_api", "invalid configuration", err)
		}
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, h.reloader.GetReloadStats())
}

// decodeBody decodes a JSON request body into v. An empty body is accepted when
// optional is set.
func decodeBody(r *http.Request, v interface{}, optional bool) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		if optional && stderrors.Is(err, io.EOF) {
			return nil
		}
		return errors.NewErrorWithCause(errors.ErrCodeInvalidRequest, "admin_api", "invalid JSON body", err)
	}
	return nil
}

func (h *AdminHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WithError(err).Error("Failed to encode response")
	}
}

func (h *AdminHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := middleware.RequestIDFromContext(r.Context())

	var orchErr *errors.OrchestratorError
	if stderrors.As(err, &orchErr) && orchErr.RequestID == "" && requestID != "" {
		tagged := *orchErr
		tagged.RequestID = requestID
		err = &tagged
	}

	h.logger.WithError(err).WithFields(map[string]interface{}{
		"request_id": requestID,
		"path":       r.URL.Path,
	}).Debug("Admin request failed")
	middleware.WriteError(w, err)
}

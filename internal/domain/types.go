package domain

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// ServiceType is the category of backend an instance belongs to. Every pool is keyed
// by exactly one ServiceType.
type ServiceType string

const (
	ServiceTypeCore       ServiceType = "core"
	ServiceTypePlaywright ServiceType = "playwright"
	ServiceTypeGitHub     ServiceType = "github"
	ServiceTypeWebSearch  ServiceType = "websearch"
	ServiceTypeCustom     ServiceType = "custom"
	ServiceTypeProxy      ServiceType = "proxy"
	ServiceTypeGateway    ServiceType = "gateway"
)

// KnownServiceTypes lists every supported service type
var KnownServiceTypes = []ServiceType{
	ServiceTypeCore,
	ServiceTypePlaywright,
	ServiceTypeGitHub,
	ServiceTypeWebSearch,
	ServiceTypeCustom,
	ServiceTypeProxy,
	ServiceTypeGateway,
}

// ParseServiceType converts a configuration string into a ServiceType
func ParseServiceType(s string) (ServiceType, error) {
	candidate := ServiceType(strings.ToLower(strings.TrimSpace(s)))
	if candidate.IsValid() {
		return candidate, nil
	}
	return "", fmt.Errorf("unknown service type %q", s)
}

// IsValid reports whether t is one of the known service types
func (t ServiceType) IsValid() bool {
	for _, known := range KnownServiceTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ServiceStatus is the lifecycle status of a service instance
type ServiceStatus string

const (
	StatusStarting ServiceStatus = "starting"
	StatusRunning  ServiceStatus = "running"
	StatusStopped  ServiceStatus = "stopped"
	StatusError    ServiceStatus = "error"
	StatusUnknown  ServiceStatus = "unknown"
)

// InstanceMetrics holds the per-instance counters used by the selection strategies.
// ResponseTimeAvg is expressed in seconds; zero means no measurement yet.
type InstanceMetrics struct {
	RequestsTotal   int64     `json:"requests_total"`
	ErrorCount      int64     `json:"error_count"`
	ResponseTimeAvg float64   `json:"response_time_avg"`
	CPUUsage        float64   `json:"cpu_usage"`
	MemoryUsage     float64   `json:"memory_usage"`
	LastHealthCheck time.Time `json:"last_health_check"`
}

// ReportedMetrics is the optional `metrics` object of a health endpoint response.
// Nil fields were absent from the payload and leave the instance value untouched.
type ReportedMetrics struct {
	RequestsTotal *int64   `json:"requests_total,omitempty"`
	ErrorCount    *int64   `json:"error_count,omitempty"`
	CPUUsage      *float64 `json:"cpu_usage,omitempty"`
	MemoryUsage   *float64 `json:"memory_usage,omitempty"`
}

// ServiceInstance is one backend endpoint. Identity fields are immutable after
// registration; runtime state is guarded by an internal lock.
type ServiceInstance struct {
	ID             string            `json:"id" yaml:"id"`
	Name           string            `json:"name" yaml:"name"`
	Type           ServiceType       `json:"type" yaml:"type"`
	Host           string            `json:"host" yaml:"host"`
	Port           int               `json:"port" yaml:"port"`
	Path           string            `json:"path" yaml:"path"`
	Protocol       string            `json:"protocol" yaml:"protocol"`
	HealthCheckURL string            `json:"health_check_url,omitempty" yaml:"health_check_url"`
	Description    string            `json:"description,omitempty" yaml:"description"`
	Tags           []string          `json:"tags,omitempty" yaml:"tags"`
	Metadata       map[string]string `json:"metadata,omitempty" yaml:"metadata"`

	mu       sync.RWMutex
	status   ServiceStatus
	degraded bool
	lastSeen time.Time
	metrics  InstanceMetrics
}

// NewServiceInstance creates an instance with default path, protocol and status
func NewServiceInstance(id, name string, serviceType ServiceType, host string, port int) *ServiceInstance {
	return &ServiceInstance{
		ID:       id,
		Name:     name,
		Type:     serviceType,
		Host:     host,
		Port:     port,
		Path:     "/",
		Protocol: "http",
		status:   StatusUnknown,
	}
}

// Validate checks the fields required for registration
func (s *ServiceInstance) Validate() error {
	if s == nil {
		return fmt.Errorf("instance cannot be nil")
	}
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("instance id is required")
	}
	if !s.Type.IsValid() {
		return fmt.Errorf("instance %s has invalid service type %q", s.ID, s.Type)
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("instance %s has invalid port %d", s.ID, s.Port)
	}
	return nil
}

// URL returns protocol://host:port/path
func (s *ServiceInstance) URL() string {
	protocol := s.Protocol
	if protocol == "" {
		protocol = "http"
	}
	host := s.Host
	if host == "" {
		host = "localhost"
	}
	path := s.Path
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return fmt.Sprintf("%s://%s:%d%s", protocol, host, s.Port, path)
}

// Address returns host:port
func (s *ServiceInstance) Address() string {
	host := s.Host
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s:%d", host, s.Port)
}

// HealthURL returns the explicit health check URL or {url}/health
func (s *ServiceInstance) HealthURL() string {
	if s.HealthCheckURL != "" {
		return s.HealthCheckURL
	}
	return strings.TrimRight(s.URL(), "/") + "/health"
}

// Status returns the current status
func (s *ServiceInstance) Status() ServiceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return StatusUnknown
	}
	return s.status
}

// SetStatus updates the status
func (s *ServiceInstance) SetStatus(status ServiceStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// IsDegraded reports whether the instance carries an unresolved error flag
func (s *ServiceInstance) IsDegraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// SetDegraded sets or clears the unresolved error flag
func (s *ServiceInstance) SetDegraded(degraded bool) {
	s.mu.Lock()
	s.degraded = degraded
	s.mu.Unlock()
}

// IsHealthy returns true when the instance is running without an unresolved error
func (s *ServiceInstance) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status == StatusRunning && !s.degraded
}

// IsRunning returns true when status is running, degraded or not
func (s *ServiceInstance) IsRunning() bool {
	return s.Status() == StatusRunning
}

// LastSeen returns the timestamp of the last successful contact
func (s *ServiceInstance) LastSeen() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSeen
}

// MarkRecovered moves the instance back to running, clears the error flag and
// refreshes last-seen.
func (s *ServiceInstance) MarkRecovered(at time.Time) {
	s.mu.Lock()
	s.status = StatusRunning
	s.degraded = false
	s.lastSeen = at
	s.mu.Unlock()
}

// Metrics returns a snapshot of the instance metrics
func (s *ServiceInstance) Metrics() InstanceMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metrics
}

// RecordRequest increments requests_total
func (s *ServiceInstance) RecordRequest() {
	s.mu.Lock()
	s.metrics.RequestsTotal++
	s.mu.Unlock()
}

// RecordError increments error_count
func (s *ServiceInstance) RecordError() {
	s.mu.Lock()
	s.metrics.ErrorCount++
	s.mu.Unlock()
}

// SetMetrics replaces the metrics snapshot. Intended for seeding and tests.
func (s *ServiceInstance) SetMetrics(m InstanceMetrics) {
	s.mu.Lock()
	s.metrics = m
	s.mu.Unlock()
}

// ApplyHealthy records a successful probe: status running, last-seen, response time,
// optional reported metrics, and the degraded flag.
func (s *ServiceInstance) ApplyHealthy(at time.Time, responseTime time.Duration, reported *ReportedMetrics, degraded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status = StatusRunning
	s.degraded = degraded
	s.lastSeen = at
	s.metrics.LastHealthCheck = at
	s.metrics.ResponseTimeAvg = responseTime.Seconds()

	if reported == nil {
		return
	}
	if reported.RequestsTotal != nil {
		s.metrics.RequestsTotal = *reported.RequestsTotal
	}
	if reported.ErrorCount != nil {
		s.metrics.ErrorCount = *reported.ErrorCount
	}
	if reported.CPUUsage != nil {
		s.metrics.CPUUsage = *reported.CPUUsage
	}
	if reported.MemoryUsage != nil {
		s.metrics.MemoryUsage = *reported.MemoryUsage
	}
}

// ApplyUnhealthy records a failed probe
func (s *ServiceInstance) ApplyUnhealthy(at time.Time) {
	s.mu.Lock()
	s.status = StatusError
	s.metrics.LastHealthCheck = at
	s.mu.Unlock()
}

// SampleStatus is the outcome class of one health probe
type SampleStatus string

const (
	SampleHealthy   SampleStatus = "healthy"
	SampleUnhealthy SampleStatus = "unhealthy"
	SampleError     SampleStatus = "error"
)

// HealthSample is one health-check result for one instance at one point in time.
// ResponseTime is zero when no response was received.
type HealthSample struct {
	InstanceID   string                 `json:"instance_id"`
	Timestamp    time.Time              `json:"timestamp"`
	Status       SampleStatus           `json:"status"`
	ResponseTime time.Duration          `json:"response_time"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	Errors       []string               `json:"errors,omitempty"`
}

// Healthy reports whether the sample counts as healthy for trend scoring
func (h HealthSample) Healthy() bool {
	return h.Status == SampleHealthy
}

// RequestContext carries per-request routing hints
type RequestContext struct {
	RequestID   string            `json:"request_id,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	AffinityKey string            `json:"affinity_key,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Key returns the affinity key used for consistent hashing, or "" when absent
func (rc *RequestContext) Key() string {
	if rc == nil {
		return ""
	}
	if rc.AffinityKey != "" {
		return rc.AffinityKey
	}
	return rc.SessionID
}

package errors

import (
	"errors"
	"fmt"
	"runtime"
	"time"
)

// ErrorCode represents a specific error type for better error handling
type ErrorCode string

const (
	// Selection errors
	ErrCodePoolNotFound       ErrorCode = "POOL_NOT_FOUND"
	ErrCodeNoHealthyInstance  ErrorCode = "NO_HEALTHY_INSTANCE"
	ErrCodeAllCircuitBroken   ErrorCode = "ALL_CIRCUIT_BROKEN"
	ErrCodeNoAvailableService ErrorCode = "NO_AVAILABLE_SERVICE"

	// Registry errors
	ErrCodeInvalidServiceSpec ErrorCode = "INVALID_SERVICE_SPEC"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"

	// Health probe errors
	ErrCodeProbeTimeout        ErrorCode = "PROBE_TIMEOUT"
	ErrCodeProbeTransportError ErrorCode = "PROBE_TRANSPORT_ERROR"

	// Configuration errors
	ErrCodeConfigLoad            ErrorCode = "CONFIG_LOAD_FAILED"
	ErrCodeInvalidStrategy       ErrorCode = "INVALID_STRATEGY"
	ErrCodeInvalidFailoverPolicy ErrorCode = "INVALID_FAILOVER_POLICY"

	// Request processing errors
	ErrCodeInvalidRequest    ErrorCode = "INVALID_REQUEST"
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal errors
	ErrCodeInvalidState  ErrorCode = "INVALID_STATE"
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// Sentinels for errors.Is comparisons. Matching is by code only.
var (
	ErrPoolNotFound        = &OrchestratorError{Code: ErrCodePoolNotFound}
	ErrNoHealthyInstance   = &OrchestratorError{Code: ErrCodeNoHealthyInstance}
	ErrAllCircuitBroken    = &OrchestratorError{Code: ErrCodeAllCircuitBroken}
	ErrNoAvailableService  = &OrchestratorError{Code: ErrCodeNoAvailableService}
	ErrInvalidServiceSpec  = &OrchestratorError{Code: ErrCodeInvalidServiceSpec}
	ErrNotFound            = &OrchestratorError{Code: ErrCodeNotFound}
	ErrProbeTimeout        = &OrchestratorError{Code: ErrCodeProbeTimeout}
	ErrProbeTransportError = &OrchestratorError{Code: ErrCodeProbeTransportError}
	ErrInvalidState        = &OrchestratorError{Code: ErrCodeInvalidState}
)

// OrchestratorError represents a structured error with context
type OrchestratorError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	Details    string                 `json:"details,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	RequestID  string                 `json:"request_id,omitempty"`
	Component  string                 `json:"component,omitempty"`
	StackTrace string                 `json:"stack_trace,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Cause      error                  `json:"-"`
}

// Error implements the error interface
func (e *OrchestratorError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	if e.RequestID != "" {
		return fmt.Sprintf("[%s][%s] %s: %s", e.RequestID, e.Code, e.Component, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Component, e.Message)
}

// Unwrap returns the underlying error
func (e *OrchestratorError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error code
func (e *OrchestratorError) Is(target error) bool {
	if t, ok := target.(*OrchestratorError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithMetadata adds metadata to the error
func (e *OrchestratorError) WithMetadata(key string, value interface{}) *OrchestratorError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithRequestID adds request ID to the error
func (e *OrchestratorError) WithRequestID(requestID string) *OrchestratorError {
	e.RequestID = requestID
	return e
}

// WithStackTrace adds stack trace to the error
func (e *OrchestratorError) WithStackTrace() *OrchestratorError {
	e.StackTrace = getStackTrace()
	return e
}

// IsRetryable returns true if the error might be resolved by retrying
func (e *OrchestratorError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeNoHealthyInstance, ErrCodeAllCircuitBroken, ErrCodeNoAvailableService, ErrCodeProbeTimeout:
		return true
	default:
		return false
	}
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *OrchestratorError) HTTPStatusCode() int {
	switch e.Code {
	case ErrCodeInvalidRequest, ErrCodeInvalidServiceSpec, ErrCodeInvalidStrategy, ErrCodeInvalidFailoverPolicy:
		return 400
	case ErrCodeNotFound, ErrCodePoolNotFound:
		return 404
	case ErrCodeInvalidState:
		return 409
	case ErrCodeRateLimitExceeded:
		return 429
	case ErrCodeNoHealthyInstance, ErrCodeAllCircuitBroken, ErrCodeNoAvailableService:
		return 503
	case ErrCodeProbeTimeout:
		return 504
	case ErrCodeProbeTransportError:
		return 502
	default:
		return 500
	}
}

// NewError creates a new OrchestratorError
func NewError(code ErrorCode, component, message string) *OrchestratorError {
	return &OrchestratorError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewErrorWithCause creates a new OrchestratorError with an underlying cause
func NewErrorWithCause(code ErrorCode, component, message string, cause error) *OrchestratorError {
	e := NewError(code, component, message)
	if cause != nil {
		e.Cause = cause
		e.Details = cause.Error()
	}
	return e
}

// WrapError wraps an existing error with OrchestratorError structure
func WrapError(err error, code ErrorCode, component, message string) *OrchestratorError {
	if err == nil {
		return nil
	}
	return NewErrorWithCause(code, component, message, err)
}

// NewPoolNotFoundError is returned when no pool exists for the service type
func NewPoolNotFoundError(serviceType string) *OrchestratorError {
	return NewError(
		ErrCodePoolNotFound,
		"load_balancer",
		fmt.Sprintf("No pool registered for service type %s", serviceType),
	).WithMetadata("service_type", serviceType)
}

// NewNoHealthyInstanceError is returned when a pool has no healthy or running instance
func NewNoHealthyInstanceError(serviceType string) *OrchestratorError {
	return NewError(
		ErrCodeNoHealthyInstance,
		"load_balancer",
		fmt.Sprintf("No healthy instance available for service type %s", serviceType),
	).WithMetadata("service_type", serviceType)
}

// NewAllCircuitBrokenError is returned when every candidate has an open breaker
func NewAllCircuitBrokenError(serviceType string, candidates int) *OrchestratorError {
	return NewError(
		ErrCodeAllCircuitBroken,
		"load_balancer",
		fmt.Sprintf("All %d candidate instances of %s have open circuit breakers", candidates, serviceType),
	).WithMetadata("service_type", serviceType).WithMetadata("candidates", candidates)
}

// NewNoAvailableServiceError is returned by the orchestrator when routing fails
func NewNoAvailableServiceError(serviceType string, cause error) *OrchestratorError {
	return NewErrorWithCause(
		ErrCodeNoAvailableService,
		"orchestrator",
		fmt.Sprintf("No available service for type %s", serviceType),
		cause,
	).WithMetadata("service_type", serviceType)
}

// NewInvalidServiceSpecError is returned when an instance fails validation
func NewInvalidServiceSpecError(cause error) *OrchestratorError {
	return NewErrorWithCause(
		ErrCodeInvalidServiceSpec,
		"orchestrator",
		"Invalid service specification",
		cause,
	)
}

// NewNotFoundError is returned when an instance id is unknown
func NewNotFoundError(instanceID string) *OrchestratorError {
	return NewError(
		ErrCodeNotFound,
		"orchestrator",
		fmt.Sprintf("Service instance %s not found", instanceID),
	).WithMetadata("instance_id", instanceID)
}

// NewProbeTimeoutError is returned when a health probe exceeds its deadline
func NewProbeTimeoutError(instanceID string, cause error) *OrchestratorError {
	return NewErrorWithCause(
		ErrCodeProbeTimeout,
		"health_monitor",
		fmt.Sprintf("Health probe for %s timed out", instanceID),
		cause,
	).WithMetadata("instance_id", instanceID)
}

// NewProbeTransportError is returned when a health probe cannot reach the instance
func NewProbeTransportError(instanceID string, cause error) *OrchestratorError {
	return NewErrorWithCause(
		ErrCodeProbeTransportError,
		"health_monitor",
		fmt.Sprintf("Health probe for %s failed", instanceID),
		cause,
	).WithMetadata("instance_id", instanceID)
}

// NewInvalidStateError is returned for illegal lifecycle transitions
func NewInvalidStateError(current, operation string) *OrchestratorError {
	return NewError(
		ErrCodeInvalidState,
		"orchestrator",
		fmt.Sprintf("Cannot %s while orchestrator is %s", operation, current),
	).WithMetadata("state", current)
}

// NewRateLimitError creates an error for rate limiting
func NewRateLimitError(clientIP string, limit int) *OrchestratorError {
	return NewError(
		ErrCodeRateLimitExceeded,
		"rate_limiter",
		fmt.Sprintf("Rate limit exceeded for client %s (limit: %d)", clientIP, limit),
	).WithMetadata("client_ip", clientIP).WithMetadata("limit", limit)
}

// getStackTrace captures the current stack trace
func getStackTrace() string {
	buf := make([]byte, 1024)
	for {
		n := runtime.Stack(buf, false)
		if n < len(buf) {
			return string(buf[:n])
		}
		buf = make([]byte, 2*len(buf))
	}
}

// IsOrchestratorError checks if an error is an OrchestratorError
func IsOrchestratorError(err error) bool {
	var oe *OrchestratorError
	return errors.As(err, &oe)
}

// GetErrorCode extracts the error code from an error
func GetErrorCode(err error) ErrorCode {
	var oe *OrchestratorError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ErrCodeInternalError
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var oe *OrchestratorError
	if errors.As(err, &oe) {
		return oe.IsRetryable()
	}
	return false
}

// GetHTTPStatusCode gets the appropriate HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	var oe *OrchestratorError
	if errors.As(err, &oe) {
		return oe.HTTPStatusCode()
	}
	return 500
}

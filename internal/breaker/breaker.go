package breaker

import (
	"sync"
	"time"

	"github.com/mir00r/mcp-orchestrator/pkg/logger"
)

// State represents the state of a circuit breaker
type State int

const (
	// StateClosed - Circuit breaker is closed, calls pass through
	StateClosed State = iota
	// StateOpen - Circuit breaker is open, calls are rejected
	StateOpen
	// StateHalfOpen - Circuit breaker lets calls through to test recovery
	StateHalfOpen
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config holds circuit breaker tuning
type Config struct {
	// FailureThreshold is the failure ratio in (0, 1] at which the breaker opens
	FailureThreshold float64
	// Timeout is how long an open breaker waits after the last failure before half-opening
	Timeout time.Duration
}

// DefaultConfig returns a breaker configuration with a 50% threshold and 60s timeout
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 0.5,
		Timeout:          60 * time.Second,
	}
}

// Clock returns the current time
type Clock func() time.Time

// Option configures a CircuitBreaker
type Option func(*CircuitBreaker)

// WithClock overrides the time source
func WithClock(clock Clock) Option {
	return func(cb *CircuitBreaker) {
		if clock != nil {
			cb.now = clock
		}
	}
}

// CircuitBreaker is a per-instance failure-rate state machine. Transitions are
// evaluated lazily when the breaker is consulted; no timers are involved.
type CircuitBreaker struct {
	id     string
	config Config
	logger *logger.Logger
	now    Clock

	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time

	mu sync.Mutex
}

// Snapshot is a point-in-time view of a breaker
type Snapshot struct {
	State            string    `json:"state"`
	FailureCount     int       `json:"failure_count"`
	SuccessCount     int       `json:"success_count"`
	LastFailureTime  time.Time `json:"last_failure_time,omitempty"`
	FailureThreshold float64   `json:"failure_threshold"`
	Timeout          string    `json:"timeout"`
}

// New creates a closed circuit breaker for the given instance
func New(id string, config Config, log *logger.Logger, opts ...Option) *CircuitBreaker {
	if config.FailureThreshold <= 0 || config.FailureThreshold > 1 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.Timeout < 0 {
		config.Timeout = 0
	}
	if log == nil {
		log = logger.NewNop()
	}

	cb := &CircuitBreaker{
		id:     id,
		config: config,
		logger: log.WithFields(map[string]interface{}{
			"component":   "circuit_breaker",
			"instance_id": id,
		}),
		now:   time.Now,
		state: StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// ID returns the instance id the breaker guards
func (cb *CircuitBreaker) ID() string {
	return cb.id
}

// CallAllowed reports whether a call may be routed to the instance. An open breaker
// whose timeout has elapsed since the last failure moves to half-open and allows the call.
func (cb *CircuitBreaker) CallAllowed() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) > cb.config.Timeout {
			cb.state = StateHalfOpen
			cb.logger.Info("Circuit breaker transitioning to half-open state")
			return true
		}
		return false
	default:
		return false
	}
}

// IsOpen reports whether the breaker is currently open without evaluating the timeout
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.State() == StateOpen
}

// RecordSuccess records a successful call. A success while half-open closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successCount++
	if cb.state == StateHalfOpen {
		cb.state = StateClosed
		cb.failureCount = 0
		cb.logger.Info("Circuit breaker closing after successful recovery")
	}
}

// RecordFailure records a failed call and returns true when this failure opened the breaker
func (cb *CircuitBreaker) RecordFailure() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateHalfOpen:
		cb.state = StateOpen
		cb.logger.Warn("Circuit breaker opening again after failure in half-open state")
		return true
	case StateClosed:
		ratio := float64(cb.failureCount) / float64(cb.failureCount+cb.successCount)
		if ratio >= cb.config.FailureThreshold {
			cb.state = StateOpen
			cb.logger.WithFields(map[string]interface{}{
				"failures":          cb.failureCount,
				"successes":         cb.successCount,
				"failure_ratio":     ratio,
				"failure_threshold": cb.config.FailureThreshold,
			}).Warn("Circuit breaker opening due to failures")
			return true
		}
	}
	return false
}

// Reset returns the breaker to closed with cleared counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateClosed {
		cb.logger.Info("Circuit breaker reset")
	}
	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.lastFailureTime = time.Time{}
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// FailureCount returns the current failure count
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

// Snapshot returns breaker statistics
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Snapshot{
		State:            cb.state.String(),
		FailureCount:     cb.failureCount,
		SuccessCount:     cb.successCount,
		LastFailureTime:  cb.lastFailureTime,
		FailureThreshold: cb.config.FailureThreshold,
		Timeout:          cb.config.Timeout.String(),
	}
}

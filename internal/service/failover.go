package service

import (
	"context"
	"sync"
	"time"

	"github.com/mir00r/mcp-orchestrator/internal/breaker"
	"github.com/mir00r/mcp-orchestrator/internal/domain"
	"github.com/mir00r/mcp-orchestrator/internal/events"
	"github.com/mir00r/mcp-orchestrator/pkg/logger"
)

// PoolLocator finds the pool owning an instance
type PoolLocator interface {
	GetPoolOf(instanceID string) (*domain.ServicePool, bool)
	Exists(instanceID string) bool
}

// FailoverManager picks a substitute for a failed instance according to the owning
// pool's failover policy and schedules delayed recovery re-checks.
type FailoverManager struct {
	pools     PoolLocator
	breakers  *breaker.Registry
	metrics   *OrchestrationMetrics
	publisher EventPublisher
	scheduler *RetryScheduler
	prober    Prober
	logger    *logger.Logger
	now       func() time.Time

	probeTimeout time.Duration

	mu      sync.Mutex
	retries map[string]int
}

// NewFailoverManager creates a failover manager
func NewFailoverManager(pools PoolLocator, breakers *breaker.Registry, metrics *OrchestrationMetrics, publisher EventPublisher, scheduler *RetryScheduler, prober Prober, log *logger.Logger) *FailoverManager {
	if log == nil {
		log = logger.NewNop()
	}
	if metrics == nil {
		metrics = NewOrchestrationMetrics(nil)
	}
	return &FailoverManager{
		pools:        pools,
		breakers:     breakers,
		metrics:      metrics,
		publisher:    publisher,
		scheduler:    scheduler,
		prober:       prober,
		logger:       log.FailoverLogger(),
		now:          time.Now,
		probeTimeout: DefaultHealthMonitorConfig().ProbeTimeout,
		retries:      make(map[string]int),
	}
}

// SetProbeTimeout sets the deadline of recovery re-checks
func (f *FailoverManager) SetProbeTimeout(timeout time.Duration) {
	if timeout > 0 {
		f.probeTimeout = timeout
	}
}

// SetClock overrides the time source used when marking recovered instances
func (f *FailoverManager) SetClock(now func() time.Time) {
	if now != nil {
		f.now = now
	}
}

// HandleServiceFailure records the failure and returns a substitute, or nil when the
// policy decides not to substitute or no healthy alternative exists.
func (f *FailoverManager) HandleServiceFailure(ctx context.Context, failed *domain.ServiceInstance, cause error) *domain.ServiceInstance {
	pool, ok := f.pools.GetPoolOf(failed.ID)
	if !ok {
		f.logger.WithField("instance_id", failed.ID).Warn("Failure reported for unregistered instance")
		return nil
	}
	policy := pool.Config.FailoverPolicy

	cb := f.breakers.Ensure(failed.ID, breaker.Config{
		FailureThreshold: pool.Config.CircuitBreakerThreshold,
		Timeout:          pool.Config.CircuitBreakerTimeout,
	})
	if cb.RecordFailure() {
		f.metrics.RecordCircuitBreakerTrip()
	}
	failed.RecordError()
	f.metrics.RecordServiceFailure(policy)

	log := f.logger.InstanceLogger(failed.ID, failed.URL()).WithFields(map[string]interface{}{
		"service_type":    string(pool.Type),
		"failover_policy": string(policy),
	})
	if cause != nil {
		log = log.WithError(cause)
	}
	log.Warn("Handling service failure")

	var substitute *domain.ServiceInstance
	switch policy {
	case domain.ImmediateFailover:
		substitute = f.immediate(pool, failed)
	case domain.GracefulFailover:
		substitute = f.graceful(pool, failed)
	case domain.CircuitBreakerFailover:
		substitute = f.circuitBreaker(pool, failed, cb)
	case domain.RetryWithBackoffFailover:
		substitute = f.retryWithBackoff(pool, failed)
	default:
		substitute = f.immediate(pool, failed)
	}

	if substitute == nil {
		log.Info("No failover substitute selected")
		return nil
	}

	payload := map[string]interface{}{
		"failed_instance_id":     failed.ID,
		"substitute_instance_id": substitute.ID,
		"service_type":           string(pool.Type),
		"policy":                 string(policy),
	}
	if cause != nil {
		payload["error"] = cause.Error()
	}
	f.publish(ctx, events.TopicServiceFailover, payload)

	log.WithField("substitute_instance_id", substitute.ID).Info("Failed over to substitute instance")
	return substitute
}

func (f *FailoverManager) immediate(pool *domain.ServicePool, failed *domain.ServiceInstance) *domain.ServiceInstance {
	healthy := pool.HealthyExcept(failed.ID)
	if len(healthy) == 0 {
		return nil
	}
	return healthy[0]
}

// graceful drains the failed instance and picks the least loaded healthy alternative.
// One recovery re-check is scheduled after the pool retry delay.
func (f *FailoverManager) graceful(pool *domain.ServicePool, failed *domain.ServiceInstance) *domain.ServiceInstance {
	failed.SetStatus(domain.StatusError)
	f.scheduleRecheck(failed, pool.Config.RetryDelay, domain.GracefulFailover, 0)

	var selected *domain.ServiceInstance
	var fewest int64
	for _, inst := range pool.HealthyExcept(failed.ID) {
		requests := inst.Metrics().RequestsTotal
		if selected == nil || requests < fewest {
			selected = inst
			fewest = requests
		}
	}
	return selected
}

// circuitBreaker only substitutes once the failed instance's breaker is open
func (f *FailoverManager) circuitBreaker(pool *domain.ServicePool, failed *domain.ServiceInstance, cb *breaker.CircuitBreaker) *domain.ServiceInstance {
	if cb.State() != breaker.StateOpen {
		return nil
	}
	return f.immediate(pool, failed)
}

// retryWithBackoff schedules a re-check after retry_delay * 2^retry_count while
// retries remain and answers the current request with a healthy alternative. Once
// retries are exhausted no substitute is returned.
func (f *FailoverManager) retryWithBackoff(pool *domain.ServicePool, failed *domain.ServiceInstance) *domain.ServiceInstance {
	f.mu.Lock()
	attempt := f.retries[failed.ID]
	exhausted := attempt >= pool.Config.MaxRetries
	if !exhausted {
		f.retries[failed.ID] = attempt + 1
	}
	f.mu.Unlock()

	if exhausted {
		f.logger.WithFields(map[string]interface{}{
			"instance_id": failed.ID,
			"max_retries": pool.Config.MaxRetries,
		}).Warn("Retries exhausted, no recovery re-check scheduled")
		return nil
	}

	f.scheduleRecheck(failed, BackoffDelay(pool.Config.RetryDelay, attempt), domain.RetryWithBackoffFailover, attempt+1)
	return f.immediate(pool, failed)
}

func (f *FailoverManager) scheduleRecheck(inst *domain.ServiceInstance, delay time.Duration, policy domain.FailoverPolicy, attempt int) {
	if f.scheduler == nil || f.prober == nil {
		return
	}
	scheduled := f.scheduler.Schedule("recheck:"+inst.ID, delay, func(ctx context.Context) {
		f.Recheck(ctx, inst, policy, attempt)
	})
	if !scheduled {
		f.logger.WithField("instance_id", inst.ID).Debug("Recovery re-check not scheduled, scheduler stopped")
	}
}

// Recheck probes the instance once. On success the instance returns to running, its
// breaker and retry counter are reset and service_recovery is published.
func (f *FailoverManager) Recheck(ctx context.Context, inst *domain.ServiceInstance, policy domain.FailoverPolicy, attempt int) bool {
	if !f.pools.Exists(inst.ID) {
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, f.probeTimeout)
	defer cancel()

	result := f.prober.Probe(probeCtx, inst)
	log := f.logger.InstanceLogger(inst.ID, inst.URL()).WithField("attempt", attempt)
	if !result.Healthy {
		if result.Err != nil {
			log = log.WithError(result.Err)
		}
		log.Info("Recovery re-check failed")
		return false
	}

	now := f.now()
	inst.ApplyHealthy(now, result.ResponseTime, result.Metrics, result.Degraded)
	if cb, ok := f.breakers.Get(inst.ID); ok {
		cb.Reset()
	}
	f.ResetRetries(inst.ID)

	log.Info("Service instance recovered")
	f.publish(ctx, events.TopicServiceRecovery, map[string]interface{}{
		"instance_id":  inst.ID,
		"service_type": string(inst.Type),
		"policy":       string(policy),
		"attempt":      attempt,
	})
	return true
}

// RetryCount returns the retry counter of an instance
func (f *FailoverManager) RetryCount(instanceID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.retries[instanceID]
}

// ResetRetries clears the retry counter of an instance
func (f *FailoverManager) ResetRetries(instanceID string) {
	f.mu.Lock()
	delete(f.retries, instanceID)
	f.mu.Unlock()
}

func (f *FailoverManager) publish(ctx context.Context, topic events.Topic, payload map[string]interface{}) {
	if f.publisher == nil {
		return
	}
	if _, err := f.publisher.Publish(ctx, topic, payload); err != nil {
		f.logger.WithError(err).WithField("topic", string(topic)).Warn("Failed to publish event")
	}
}

package service

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mir00r/mcp-orchestrator/internal/breaker"
	"github.com/mir00r/mcp-orchestrator/internal/domain"
	"github.com/mir00r/mcp-orchestrator/internal/errors"
	"github.com/mir00r/mcp-orchestrator/internal/events"
	"github.com/mir00r/mcp-orchestrator/internal/repository"
	"github.com/mir00r/mcp-orchestrator/pkg/logger"
)

// State is the orchestrator lifecycle state
type State string

const (
	StateStopped      State = "stopped"
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateStopping     State = "stopping"
)

// BrokerRelay is an event relay that can verify broker connectivity
type BrokerRelay interface {
	events.Relay
	Ping(ctx context.Context) error
}

// Options configures an Orchestrator
type Options struct {
	// DefaultPool is used for pools created lazily on first registration
	DefaultPool domain.PoolConfig
	// Pools are applied on Start
	Pools map[domain.ServiceType]domain.PoolConfig
	// Services are registered on Start
	Services []*domain.ServiceInstance
	// Monitor configures the health monitor
	Monitor HealthMonitorConfig
	// Prober checks instance health; defaults to a ProtocolProber
	Prober Prober
	// Relay forwards events to an external broker; nil means in-process only
	Relay BrokerRelay
	// Collector exports metrics to Prometheus; created when nil
	Collector *MetricsCollector
	// Clock overrides the time source
	Clock func() time.Time
}

// Orchestrator owns the pool registry and the circuit breakers, and wires the load
// balancer engine, failover manager, health monitor and event channel together.
type Orchestrator struct {
	opts Options

	pools     *repository.InMemoryPoolRepository
	breakers  *breaker.Registry
	engine    *LoadBalancerEngine
	failover  *FailoverManager
	monitor   *HealthMonitor
	scheduler *RetryScheduler
	bus       *events.Bus
	metrics   *OrchestrationMetrics
	collector *MetricsCollector
	logger    *logger.Logger
	now       func() time.Time

	mu            sync.Mutex
	state         State
	relayAttached bool
	unsubscribe   []func()
}

// NewOrchestrator creates a stopped orchestrator
func NewOrchestrator(opts Options, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.NewNop()
	}
	if opts.DefaultPool.Strategy == "" {
		opts.DefaultPool = domain.DefaultPoolConfig()
	}
	if opts.Prober == nil {
		opts.Prober = NewProtocolProber(nil)
	}
	if opts.Collector == nil {
		opts.Collector = NewMetricsCollector()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	var breakerOpts []breaker.Option
	if opts.Clock != nil {
		breakerOpts = append(breakerOpts, breaker.WithClock(opts.Clock))
	}

	pools := repository.NewInMemoryPoolRepository(opts.DefaultPool)
	breakers := breaker.NewRegistry(log, breakerOpts...)
	metrics := NewOrchestrationMetrics(opts.Collector)
	bus := events.NewBus(log, events.WithClock(now))
	scheduler := NewRetryScheduler(log)

	failover := NewFailoverManager(pools, breakers, metrics, bus, scheduler, opts.Prober, log)
	failover.SetClock(now)
	if opts.Monitor.ProbeTimeout > 0 {
		failover.SetProbeTimeout(opts.Monitor.ProbeTimeout)
	}

	return &Orchestrator{
		opts:      opts,
		pools:     pools,
		breakers:  breakers,
		engine:    NewLoadBalancerEngine(pools, breakers, log),
		failover:  failover,
		monitor:   NewHealthMonitor(opts.Monitor, pools, opts.Prober, bus, metrics, log, WithMonitorClock(now)),
		scheduler: scheduler,
		bus:       bus,
		metrics:   metrics,
		collector: opts.Collector,
		logger:    log.OrchestratorLogger(),
		now:       now,
		state:     StateStopped,
	}
}

// State returns the lifecycle state
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Start moves the orchestrator from stopped through initializing to running: it
// connects the event relay, applies configured pools, registers configured services,
// subscribes internal event handlers and launches the health monitor.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateStopped {
		current := o.state
		o.mu.Unlock()
		return errors.NewInvalidStateError(string(current), "start")
	}
	o.state = StateInitializing
	o.mu.Unlock()

	o.logger.Info("Initializing orchestrator")

	if err := o.initialize(ctx); err != nil {
		o.detachRelay()
		o.setState(StateStopped)
		o.logger.WithError(err).Error("Orchestrator failed to start")
		return err
	}

	o.setState(StateRunning)
	o.logger.WithFields(map[string]interface{}{
		"pools":     len(o.pools.GetAllPools()),
		"instances": o.pools.Count(),
		"relay":     o.bus.HasRelay(),
	}).Info("Orchestrator running")
	return nil
}

func (o *Orchestrator) initialize(ctx context.Context) error {
	if o.opts.Relay != nil {
		if err := o.opts.Relay.Ping(ctx); err != nil {
			o.logger.WithError(err).Warn("Event broker unreachable, delivering events in-process only")
		} else {
			o.attachRelay()
		}
	}

	for serviceType, cfg := range o.opts.Pools {
		if err := o.pools.ConfigurePool(serviceType, cfg); err != nil {
			return errors.WrapError(err, errors.ErrCodeConfigLoad, "orchestrator", "Failed to apply pool configuration")
		}
	}

	for _, inst := range o.opts.Services {
		if err := o.RegisterService(ctx, inst); err != nil {
			return err
		}
	}

	o.subscribeHandlers()
	o.scheduler.Restart()

	if err := o.monitor.Start(); err != nil {
		return errors.WrapError(err, errors.ErrCodeInternalError, "orchestrator", "Failed to start health monitor")
	}
	return nil
}

func (o *Orchestrator) subscribeHandlers() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.unsubscribe = append(o.unsubscribe,
		o.bus.Subscribe(events.TopicServiceHealthWarning, func(ctx context.Context, e events.Event) error {
			o.metrics.RecordHealthWarning()
			o.logger.WithFields(map[string]interface{}{
				"instance_id": e.String("instance_id"),
				"trend":       e.Float("trend"),
				"avg_score":   e.Float("avg_score"),
			}).Warn("Received service health warning")
			return nil
		}),
		o.bus.Subscribe(events.TopicServiceFailover, func(ctx context.Context, e events.Event) error {
			o.logger.WithFields(map[string]interface{}{
				"failed_instance_id":     e.String("failed_instance_id"),
				"substitute_instance_id": e.String("substitute_instance_id"),
				"policy":                 e.String("policy"),
			}).Info("Service failover completed")
			return nil
		}),
		o.bus.Subscribe(events.TopicServiceRecovery, func(ctx context.Context, e events.Event) error {
			o.logger.WithField("instance_id", e.String("instance_id")).Info("Service recovered")
			return nil
		}),
	)
}

// Stop moves the orchestrator from running through stopping to stopped: it cancels the
// health monitor and waits for it, cancels scheduled re-checks, unsubscribes internal
// handlers and detaches the event relay. Waiting is bounded by ctx.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.state == StateStopped {
		o.mu.Unlock()
		return nil
	}
	if o.state != StateRunning {
		current := o.state
		o.mu.Unlock()
		return errors.NewInvalidStateError(string(current), "stop")
	}
	o.state = StateStopping
	unsubscribe := o.unsubscribe
	o.unsubscribe = nil
	o.mu.Unlock()

	o.logger.Info("Stopping orchestrator")

	var firstErr error
	if err := o.monitor.Stop(ctx); err != nil {
		o.logger.WithError(err).Warn("Health monitor did not stop cleanly")
		firstErr = err
	}
	if err := o.scheduler.Stop(ctx); err != nil {
		o.logger.WithError(err).Warn("Scheduled re-checks did not stop cleanly")
		if firstErr == nil {
			firstErr = err
		}
	}
	for _, fn := range unsubscribe {
		fn()
	}
	o.detachRelay()

	o.setState(StateStopped)
	o.logger.Info("Orchestrator stopped")
	return firstErr
}

func (o *Orchestrator) attachRelay() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bus.SetRelay(o.opts.Relay)
	o.relayAttached = true
}

func (o *Orchestrator) detachRelay() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.relayAttached {
		return
	}
	o.bus.SetRelay(nil)
	o.relayAttached = false
}

// Close stops the orchestrator, cancels outstanding re-checks and closes the event
// bus. It cannot be restarted afterwards.
func (o *Orchestrator) Close(ctx context.Context) error {
	err := o.Stop(ctx)
	if schedErr := o.scheduler.Stop(ctx); schedErr != nil && err == nil {
		err = schedErr
	}
	if o.opts.Relay != nil {
		if relayErr := o.opts.Relay.Close(); relayErr != nil && err == nil {
			err = relayErr
		}
	}
	if closeErr := o.bus.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

func (o *Orchestrator) setState(state State) {
	o.mu.Lock()
	o.state = state
	o.mu.Unlock()
}

// ConfigurePool creates or reconfigures the pool for serviceType. Existing breakers keep
// their configuration until the instance is re-registered.
func (o *Orchestrator) ConfigurePool(serviceType domain.ServiceType, cfg domain.PoolConfig) error {
	if err := o.pools.ConfigurePool(serviceType, cfg); err != nil {
		return errors.WrapError(err, errors.ErrCodeInvalidRequest, "orchestrator", "Invalid pool configuration")
	}
	o.logger.WithFields(map[string]interface{}{
		"service_type":    string(serviceType),
		"strategy":        string(cfg.Strategy),
		"failover_policy": string(cfg.FailoverPolicy),
	}).Info("Pool configured")
	return nil
}

// RegisterService upserts an instance into its pool, creating the pool when absent,
// and allocates its circuit breaker. While running, the instance is probed right away.
func (o *Orchestrator) RegisterService(ctx context.Context, inst *domain.ServiceInstance) error {
	if err := inst.Validate(); err != nil {
		return errors.NewInvalidServiceSpecError(err)
	}

	cfg, replaced, err := o.pools.Save(inst)
	if err != nil {
		return errors.NewInvalidServiceSpecError(err)
	}
	if replaced {
		o.breakers.Remove(inst.ID)
		o.failover.ResetRetries(inst.ID)
	}
	o.breakers.Ensure(inst.ID, breaker.Config{
		FailureThreshold: cfg.CircuitBreakerThreshold,
		Timeout:          cfg.CircuitBreakerTimeout,
	})

	o.logger.InstanceLogger(inst.ID, inst.URL()).WithFields(map[string]interface{}{
		"service_type": string(inst.Type),
		"replaced":     replaced,
	}).Info("Service registered")

	o.publish(ctx, events.TopicServiceRegistered, map[string]interface{}{
		"instance_id":  inst.ID,
		"name":         inst.Name,
		"service_type": string(inst.Type),
		"url":          inst.URL(),
		"replaced":     replaced,
	})

	if o.State() == StateRunning {
		o.scheduler.Schedule("probe:"+inst.ID, 0, func(ctx context.Context) {
			o.monitor.ProbeInstance(ctx, inst)
		})
	}
	return nil
}

// UnregisterService removes an instance from its pool and deletes its circuit breaker
func (o *Orchestrator) UnregisterService(ctx context.Context, id string) error {
	inst, err := o.pools.Delete(id)
	if err != nil {
		return errors.NewNotFoundError(id)
	}
	o.breakers.Remove(id)
	o.failover.ResetRetries(id)
	o.monitor.Forget(id)

	o.logger.InstanceLogger(inst.ID, inst.URL()).Info("Service unregistered")
	o.publish(ctx, events.TopicServiceUnregistered, map[string]interface{}{
		"instance_id":  inst.ID,
		"service_type": string(inst.Type),
	})
	return nil
}

// RouteRequest selects an instance of serviceType. On success the instance breaker
// records a success and the request counters are updated; otherwise the failure is
// counted and returned as NoAvailableService wrapping the selection error.
func (o *Orchestrator) RouteRequest(ctx context.Context, serviceType domain.ServiceType, rc *domain.RequestContext) (*domain.ServiceInstance, error) {
	start := time.Now()

	inst, err := o.engine.SelectService(ctx, serviceType, rc)
	if err != nil {
		o.metrics.RecordRouteFailure(serviceType)
		routeErr := errors.NewNoAvailableServiceError(string(serviceType), err)
		if rc != nil && rc.RequestID != "" {
			routeErr = routeErr.WithRequestID(rc.RequestID)
		}
		return nil, routeErr
	}

	if cb, ok := o.breakers.Get(inst.ID); ok {
		cb.RecordSuccess()
	}
	inst.RecordRequest()
	o.metrics.RecordRouteSuccess(serviceType, time.Since(start))

	return inst, nil
}

// HandleServiceError reports a failed call and returns a substitute, or nil
func (o *Orchestrator) HandleServiceError(ctx context.Context, inst *domain.ServiceInstance, cause error) *domain.ServiceInstance {
	return o.failover.HandleServiceFailure(ctx, inst, cause)
}

// HandleServiceErrorByID reports a failed call by instance id
func (o *Orchestrator) HandleServiceErrorByID(ctx context.Context, id string, cause error) (*domain.ServiceInstance, error) {
	inst, err := o.pools.GetByID(id)
	if err != nil {
		return nil, errors.NewNotFoundError(id)
	}
	return o.failover.HandleServiceFailure(ctx, inst, cause), nil
}

// GetInstance returns a registered instance
func (o *Orchestrator) GetInstance(id string) (*domain.ServiceInstance, error) {
	inst, err := o.pools.GetByID(id)
	if err != nil {
		return nil, errors.NewNotFoundError(id)
	}
	return inst, nil
}

// GetServiceStatus returns instance counts, availability, per-pool breakdown and
// per-breaker state. Safe to call concurrently with routing.
func (o *Orchestrator) GetServiceStatus() StatusReport {
	pools := o.pools.GetAllPools()

	report := StatusReport{
		State:           o.State(),
		Timestamp:       o.now(),
		Pools:           make(map[string]PoolStatus, len(pools)),
		CircuitBreakers: o.breakers.Snapshot(),
		EventRelay:      o.bus.HasRelay(),
	}
	for _, pool := range pools {
		ps := buildPoolStatus(pool)
		report.TotalServices += ps.TotalInstances
		report.HealthyServices += ps.HealthyInstances
		report.Pools[string(pool.Type)] = ps
	}
	report.ServiceAvailability = Availability(report.HealthyServices, report.TotalServices)
	o.metrics.SetAvailability(report.ServiceAvailability)
	report.Metrics = o.metrics.Snapshot()

	return report
}

// GetLoadBalancingStats returns the request distribution of every pool
func (o *Orchestrator) GetLoadBalancingStats() LoadBalancingStats {
	pools := o.pools.GetAllPools()
	stats := LoadBalancingStats{
		Timestamp: o.now(),
		Pools:     make(map[string]PoolDistribution, len(pools)),
	}
	for _, pool := range pools {
		stats.Pools[string(pool.Type)] = buildPoolDistribution(pool)
	}
	return stats
}

// Subscribe registers an event handler. The returned function removes it.
func (o *Orchestrator) Subscribe(topic events.Topic, handler events.Handler) func() {
	return o.bus.Subscribe(topic, handler)
}

// Metrics returns the aggregate metrics snapshot
func (o *Orchestrator) Metrics() MetricsSnapshot {
	return o.metrics.Snapshot()
}

// MetricsHandler serves Prometheus metrics
func (o *Orchestrator) MetricsHandler() http.Handler {
	return o.collector.Handler()
}

// Monitor returns the health monitor
func (o *Orchestrator) Monitor() *HealthMonitor {
	return o.monitor
}

// Breakers returns the circuit breaker registry
func (o *Orchestrator) Breakers() *breaker.Registry {
	return o.breakers
}

// Failover returns the failover manager
func (o *Orchestrator) Failover() *FailoverManager {
	return o.failover
}

func (o *Orchestrator) publish(ctx context.Context, topic events.Topic, payload map[string]interface{}) {
	if _, err := o.bus.Publish(ctx, topic, payload); err != nil {
		o.logger.WithError(err).WithField("topic", string(topic)).Warn("Failed to publish event")
	}
}

// String implements fmt.Stringer
func (o *Orchestrator) String() string {
	return fmt.Sprintf("Orchestrator{state=%s, instances=%d}", o.State(), o.pools.Count())
}

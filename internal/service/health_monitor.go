package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mir00r/mcp-orchestrator/internal/domain"
	"github.com/mir00r/mcp-orchestrator/internal/events"
	"github.com/mir00r/mcp-orchestrator/pkg/logger"
)

// InstanceLister lists the registered instances
type InstanceLister interface {
	GetAll() []*domain.ServiceInstance
	Exists(id string) bool
}

// EventPublisher publishes events on the event channel
type EventPublisher interface {
	Publish(ctx context.Context, topic events.Topic, payload map[string]interface{}) (events.Event, error)
}

// HealthMonitorConfig tunes the health monitor
type HealthMonitorConfig struct {
	Interval            time.Duration
	ProbeTimeout        time.Duration
	PredictionWindow    time.Duration
	MaxSamples          int
	MaxConcurrentProbes int
	Trend               TrendConfig
}

// DefaultHealthMonitorConfig returns a 15s interval, 10s probe timeout and 300s window
func DefaultHealthMonitorConfig() HealthMonitorConfig {
	return HealthMonitorConfig{
		Interval:         15 * time.Second,
		ProbeTimeout:     10 * time.Second,
		PredictionWindow: 300 * time.Second,
		MaxSamples:       100,
		Trend:            DefaultTrendConfig(),
	}
}

// MonitorOption configures a HealthMonitor
type MonitorOption func(*HealthMonitor)

// WithMonitorClock overrides the time source used for samples and pruning
func WithMonitorClock(now func() time.Time) MonitorOption {
	return func(m *HealthMonitor) {
		if now != nil {
			m.now = now
		}
	}
}

// HealthMonitor probes every registered instance on a fixed interval, keeps a bounded
// history per instance and publishes degradation warnings from trend analysis. Probe
// failures update instance state only; they never trip circuit breakers.
type HealthMonitor struct {
	config    HealthMonitorConfig
	instances InstanceLister
	prober    Prober
	publisher EventPublisher
	metrics   *OrchestrationMetrics
	logger    *logger.Logger
	now       func() time.Time

	historyMu sync.RWMutex
	history   map[string][]domain.HealthSample

	mu        sync.Mutex
	isRunning bool
	cancel    context.CancelFunc
	done      chan struct{}
	cycles    int64
	lastCycle time.Time
}

// NewHealthMonitor creates a health monitor
func NewHealthMonitor(config HealthMonitorConfig, instances InstanceLister, prober Prober, publisher EventPublisher, metrics *OrchestrationMetrics, log *logger.Logger, opts ...MonitorOption) *HealthMonitor {
	defaults := DefaultHealthMonitorConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = defaults.ProbeTimeout
	}
	if config.PredictionWindow <= 0 {
		config.PredictionWindow = defaults.PredictionWindow
	}
	if config.MaxSamples <= 0 {
		config.MaxSamples = defaults.MaxSamples
	}
	if config.Trend == (TrendConfig{}) {
		config.Trend = defaults.Trend
	}
	if log == nil {
		log = logger.NewNop()
	}
	if metrics == nil {
		metrics = NewOrchestrationMetrics(nil)
	}

	m := &HealthMonitor{
		config:    config,
		instances: instances,
		prober:    prober,
		publisher: publisher,
		metrics:   metrics,
		logger:    log.HealthMonitorLogger(),
		now:       time.Now,
		history:   make(map[string][]domain.HealthSample),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the monitoring loop. The first cycle runs immediately.
func (m *HealthMonitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return fmt.Errorf("health monitor is already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.isRunning = true

	m.logger.Infof("Starting health monitor with interval %v", m.config.Interval)
	go m.loop(ctx, m.done)
	return nil
}

// Stop cancels the loop and waits for it to exit, bounded by ctx. Probes of an
// in-flight cycle are abandoned through their context.
func (m *HealthMonitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return nil
	}
	m.logger.Info("Stopping health monitor")
	m.cancel()
	done := m.done
	m.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("health monitor did not stop in time: %w", ctx.Err())
	}

	m.mu.Lock()
	m.isRunning = false
	m.mu.Unlock()

	m.logger.Info("Health monitor stopped")
	return nil
}

// IsRunning returns true if the monitoring loop is active
func (m *HealthMonitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isRunning
}

func (m *HealthMonitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("Health monitor loop stopped due to context cancellation")
			return
		case <-ticker.C:
			m.RunCycle(ctx)
		}
	}
}

// RunCycle probes every instance concurrently, waits for the whole batch, prunes
// histories and then runs trend analysis.
func (m *HealthMonitor) RunCycle(ctx context.Context) []TrendReport {
	instances := m.instances.GetAll()

	g, gctx := errgroup.WithContext(ctx)
	if m.config.MaxConcurrentProbes > 0 {
		g.SetLimit(m.config.MaxConcurrentProbes)
	}
	for _, inst := range instances {
		inst := inst
		g.Go(func() error {
			m.ProbeInstance(gctx, inst)
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return nil
	}

	healthy := 0
	for _, inst := range instances {
		if inst.IsHealthy() {
			healthy++
		}
	}
	m.metrics.SetAvailability(Availability(healthy, len(instances)))
	m.dropUnregistered()

	reports := m.AnalyzeTrends(ctx)

	m.mu.Lock()
	m.cycles++
	m.lastCycle = m.now()
	m.mu.Unlock()

	return reports
}

// ProbeInstance probes one instance under the probe timeout, applies the outcome to
// the instance and records a sample. A check interrupted by cancellation of ctx
// leaves the instance untouched and returns ok=false.
func (m *HealthMonitor) ProbeInstance(ctx context.Context, inst *domain.ServiceInstance) (domain.HealthSample, bool) {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	log := m.logger.InstanceLogger(inst.ID, inst.URL())
	wasHealthy := inst.IsHealthy()

	result := m.prober.Probe(probeCtx, inst)
	if ctx.Err() != nil {
		log.Debug("Health check abandoned on shutdown")
		return domain.HealthSample{}, false
	}
	now := m.now()

	sample := domain.HealthSample{
		InstanceID: inst.ID,
		Timestamp:  now,
		Status:     result.SampleStatus(),
		Payload:    result.Payload,
		Errors:     result.Errors,
	}
	if result.Err == nil {
		sample.ResponseTime = result.ResponseTime
	} else {
		sample.Errors = append(sample.Errors, result.Err.Error())
	}

	if result.Healthy {
		inst.ApplyHealthy(now, result.ResponseTime, result.Metrics, result.Degraded)
		if !wasHealthy && inst.IsHealthy() {
			log.Info("Service instance is healthy")
		}
		if result.Degraded {
			log.WithField("errors", result.Errors).Warn("Service instance reports unresolved errors")
		}
	} else {
		inst.ApplyUnhealthy(now)
		entry := log.WithField("status_code", result.StatusCode)
		if result.Err != nil {
			entry = entry.WithError(result.Err)
		}
		if wasHealthy {
			entry.Warn("Service instance health check failed")
		} else {
			entry.Debug("Service instance health check failed")
		}
	}

	m.metrics.RecordProbe(inst.Type, sample.Status, result.ResponseTime)
	m.RecordSample(sample)
	return sample, true
}

// RecordSample appends a sample to the instance history, pruning samples that fall
// outside the prediction window or exceed the history cap.
func (m *HealthMonitor) RecordSample(sample domain.HealthSample) {
	cutoff := m.now().Add(-m.config.PredictionWindow)

	m.historyMu.Lock()
	defer m.historyMu.Unlock()

	samples := append(m.history[sample.InstanceID], sample)
	start := 0
	for start < len(samples) && samples[start].Timestamp.Before(cutoff) {
		start++
	}
	if len(samples)-start > m.config.MaxSamples {
		start = len(samples) - m.config.MaxSamples
	}
	m.history[sample.InstanceID] = append([]domain.HealthSample(nil), samples[start:]...)
}

// History returns a copy of the samples kept for an instance
func (m *HealthMonitor) History(instanceID string) []domain.HealthSample {
	m.historyMu.RLock()
	defer m.historyMu.RUnlock()
	return append([]domain.HealthSample(nil), m.history[instanceID]...)
}

// Forget drops the history of an instance
func (m *HealthMonitor) Forget(instanceID string) {
	m.historyMu.Lock()
	delete(m.history, instanceID)
	m.historyMu.Unlock()
}

func (m *HealthMonitor) dropUnregistered() {
	m.historyMu.Lock()
	defer m.historyMu.Unlock()
	for id := range m.history {
		if !m.instances.Exists(id) {
			delete(m.history, id)
		}
	}
}

// AnalyzeTrends scores every instance history and publishes a service_health_warning
// for each instance whose trend and mean score cross the thresholds.
func (m *HealthMonitor) AnalyzeTrends(ctx context.Context) []TrendReport {
	m.historyMu.RLock()
	ids := make([]string, 0, len(m.history))
	histories := make(map[string][]domain.HealthSample, len(m.history))
	for id, samples := range m.history {
		ids = append(ids, id)
		histories[id] = append([]domain.HealthSample(nil), samples...)
	}
	m.historyMu.RUnlock()
	sort.Strings(ids)

	types := make(map[string]domain.ServiceType)
	for _, inst := range m.instances.GetAll() {
		types[inst.ID] = inst.Type
	}

	var reports []TrendReport
	for _, id := range ids {
		report, ok := AnalyzeTrend(id, histories[id], m.config.Trend)
		if !ok {
			continue
		}
		reports = append(reports, report)
		if !report.Warning {
			continue
		}

		m.logger.WithFields(map[string]interface{}{
			"instance_id":  id,
			"trend":        report.Trend,
			"avg_score":    report.AvgScore,
			"slope":        report.Slope,
			"sample_count": report.SampleCount,
		}).Warn("Service health degradation predicted")

		if m.publisher == nil {
			continue
		}
		_, err := m.publisher.Publish(ctx, events.TopicServiceHealthWarning, map[string]interface{}{
			"instance_id":  id,
			"service_type": string(types[id]),
			"trend":        report.Trend,
			"avg_score":    report.AvgScore,
			"slope":        report.Slope,
			"sample_count": report.SampleCount,
			"prediction":   PredictionPotentialDegradation,
		})
		if err != nil {
			m.logger.WithError(err).WithField("instance_id", id).Warn("Failed to publish health warning")
		}
	}
	return reports
}

// GetStats returns health monitor statistics
func (m *HealthMonitor) GetStats() map[string]interface{} {
	m.mu.Lock()
	stats := map[string]interface{}{
		"running":           m.isRunning,
		"interval":          m.config.Interval.String(),
		"probe_timeout":     m.config.ProbeTimeout.String(),
		"prediction_window": m.config.PredictionWindow.String(),
		"cycles":            m.cycles,
		"last_cycle":        m.lastCycle,
	}
	m.mu.Unlock()

	m.historyMu.RLock()
	stats["tracked_instances"] = len(m.history)
	m.historyMu.RUnlock()

	return stats
}

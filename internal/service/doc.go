/*
Package service implements the orchestration core: instance selection, failover,
health monitoring and the Orchestrator facade that wires them together.

Key Components:

Orchestrator:
Owns the pool registry and the per-instance circuit breakers and exposes the
programmatic API.

	orch := service.NewOrchestrator(service.Options{
		Pools:    pools,
		Services: instances,
		Monitor:  service.DefaultHealthMonitorConfig(),
	}, log)

	if err := orch.Start(ctx); err != nil {
		log.Fatal("Failed to start orchestrator:", err)
	}
	defer orch.Close(context.Background())

	inst, err := orch.RouteRequest(ctx, domain.ServiceTypeGitHub, &domain.RequestContext{SessionID: "abc"})
	if err != nil {
		// errors.Is(err, errors.ErrNoAvailableService)
	}

	// after a failed call to inst
	substitute := orch.HandleServiceError(ctx, inst, callErr)

Load Balancer Engine:
Filters a pool to healthy instances, falls back to running instances, drops
instances whose breaker rejects calls and dispatches to the pool strategy. Each
strategy is one Strategy implementation; round robin, weighted round robin and the
keyless consistent hash fallback share one atomic counter per service type.
Consistent hashing uses a ring of virtual nodes so that a membership change only
remaps the keys of the affected instance.

Failover Manager:
Records the failure on the instance breaker and applies the pool failover policy.
Graceful and retry-with-backoff failover schedule delayed recovery re-checks on a
RetryScheduler, which cancels them when the orchestrator stops.

Health Monitor:
Probes every instance concurrently once per interval, keeps a time-windowed sample
history per instance and publishes service_health_warning events when the score
trend and mean cross their thresholds. Probe failures never trip breakers.

Metrics:
OrchestrationMetrics holds the aggregate counters reported by GetServiceStatus and
mirrors them into a MetricsCollector backed by a private Prometheus registry.
*/
package service

/*
Package domain contains the core entities of the service orchestrator.

Key Components:

Service Instances:
ServiceInstance represents one backend endpoint of a given ServiceType. Identity
fields are fixed at registration; status, last-seen time, the degraded flag and
per-instance metrics are updated concurrently by routing and health monitoring.

	inst := domain.NewServiceInstance("gh-1", "github", domain.ServiceTypeGitHub, "localhost", 8081)
	inst.MarkRecovered(time.Now())
	if inst.IsHealthy() {
		// eligible for selection
	}

Service Pools:
A ServicePool groups the interchangeable instances of one service type together
with its PoolConfig: the selection strategy, the failover policy, optional weights,
circuit breaker tuning and retry settings.

Strategies and Policies:
OrchestrationStrategy names one of six selection algorithms (round robin, least
connections, fastest response, weighted round robin, consistent hash, resource
aware). FailoverPolicy names one of four substitution policies (immediate,
graceful, circuit breaker, retry with backoff). Both parse from snake_case or
kebab-case names.

Request Context:
RequestContext carries the optional session id or affinity key used by the
consistent hash strategy.
*/
package domain

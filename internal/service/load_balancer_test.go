package service

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/mcp-orchestrator/internal/breaker"
	"github.com/mir00r/mcp-orchestrator/internal/domain"
	"github.com/mir00r/mcp-orchestrator/internal/errors"
	"github.com/mir00r/mcp-orchestrator/internal/repository"
	"github.com/mir00r/mcp-orchestrator/pkg/logger"
)

type engineFixture struct {
	pools    *repository.InMemoryPoolRepository
	breakers *breaker.Registry
	engine   *LoadBalancerEngine
}

func newEngineFixture(t *testing.T, serviceType domain.ServiceType, strategy domain.OrchestrationStrategy, instances ...*domain.ServiceInstance) *engineFixture {
	t.Helper()

	pools := repository.NewInMemoryPoolRepository(domain.DefaultPoolConfig())
	cfg := domain.DefaultPoolConfig()
	cfg.Strategy = strategy
	require.NoError(t, pools.ConfigurePool(serviceType, cfg))

	breakers := breaker.NewRegistry(logger.NewNop())
	for _, inst := range instances {
		_, _, err := pools.Save(inst)
		require.NoError(t, err)
		breakers.Ensure(inst.ID, breaker.DefaultConfig())
	}

	return &engineFixture{
		pools:    pools,
		breakers: breakers,
		engine:   NewLoadBalancerEngine(pools, breakers, logger.NewNop()),
	}
}

func TestSelectServiceRoundRobinInRegistrationOrder(t *testing.T) {
	f := newEngineFixture(t, domain.ServiceTypePlaywright, domain.RoundRobinStrategy,
		runningInstance("pw-1", domain.ServiceTypePlaywright),
		runningInstance("pw-2", domain.ServiceTypePlaywright),
		runningInstance("pw-3", domain.ServiceTypePlaywright),
	)

	var selected []string
	for i := 0; i < 3; i++ {
		inst, err := f.engine.SelectService(context.Background(), domain.ServiceTypePlaywright, nil)
		require.NoError(t, err)
		selected = append(selected, inst.ID)
	}
	assert.Equal(t, []string{"pw-1", "pw-2", "pw-3"}, selected)
}

func TestSelectServicePoolNotFound(t *testing.T) {
	f := newEngineFixture(t, domain.ServiceTypeGitHub, domain.RoundRobinStrategy)

	_, err := f.engine.SelectService(context.Background(), domain.ServiceTypeWebSearch, nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrPoolNotFound))
	assert.Equal(t, errors.ErrCodePoolNotFound, errors.GetErrorCode(err))
}

func TestSelectServiceNoHealthyInstance(t *testing.T) {
	f := newEngineFixture(t, domain.ServiceTypeGitHub, domain.RoundRobinStrategy,
		newInstance("gh-1", domain.ServiceTypeGitHub, domain.StatusError),
		newInstance("gh-2", domain.ServiceTypeGitHub, domain.StatusUnknown),
	)

	_, err := f.engine.SelectService(context.Background(), domain.ServiceTypeGitHub, nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrNoHealthyInstance))
}

func TestSelectServiceEmptyPool(t *testing.T) {
	f := newEngineFixture(t, domain.ServiceTypeGitHub, domain.RoundRobinStrategy)

	_, err := f.engine.SelectService(context.Background(), domain.ServiceTypeGitHub, nil)
	assert.True(t, stderrors.Is(err, errors.ErrNoHealthyInstance))
}

func TestSelectServiceFallsBackToDegradedInstances(t *testing.T) {
	degraded := runningInstance("gh-1", domain.ServiceTypeGitHub)
	degraded.SetDegraded(true)

	f := newEngineFixture(t, domain.ServiceTypeGitHub, domain.RoundRobinStrategy,
		degraded,
		newInstance("gh-2", domain.ServiceTypeGitHub, domain.StatusError),
	)

	inst, err := f.engine.SelectService(context.Background(), domain.ServiceTypeGitHub, nil)
	require.NoError(t, err)
	assert.Equal(t, "gh-1", inst.ID)
}

func TestSelectServicePrefersHealthyOverDegraded(t *testing.T) {
	degraded := runningInstance("gh-1", domain.ServiceTypeGitHub)
	degraded.SetDegraded(true)

	f := newEngineFixture(t, domain.ServiceTypeGitHub, domain.RoundRobinStrategy,
		degraded,
		runningInstance("gh-2", domain.ServiceTypeGitHub),
	)

	for i := 0; i < 4; i++ {
		inst, err := f.engine.SelectService(context.Background(), domain.ServiceTypeGitHub, nil)
		require.NoError(t, err)
		assert.Equal(t, "gh-2", inst.ID)
	}
}

func TestSelectServiceSkipsOpenBreakers(t *testing.T) {
	f := newEngineFixture(t, domain.ServiceTypeGitHub, domain.LeastConnectionsStrategy,
		runningInstance("g1", domain.ServiceTypeGitHub),
		runningInstance("g2", domain.ServiceTypeGitHub),
	)
	cb, ok := f.breakers.Get("g1")
	require.True(t, ok)
	require.True(t, cb.RecordFailure())

	for i := 0; i < 5; i++ {
		inst, err := f.engine.SelectService(context.Background(), domain.ServiceTypeGitHub, nil)
		require.NoError(t, err)
		assert.Equal(t, "g2", inst.ID)
	}
}

func TestSelectServiceAllCircuitBroken(t *testing.T) {
	f := newEngineFixture(t, domain.ServiceTypeGitHub, domain.RoundRobinStrategy,
		runningInstance("g1", domain.ServiceTypeGitHub),
		runningInstance("g2", domain.ServiceTypeGitHub),
	)
	for _, id := range []string{"g1", "g2"} {
		cb, _ := f.breakers.Get(id)
		cb.RecordFailure()
	}

	_, err := f.engine.SelectService(context.Background(), domain.ServiceTypeGitHub, nil)
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.ErrAllCircuitBroken))
}

func TestSelectServiceCountersArePerServiceType(t *testing.T) {
	pools := repository.NewInMemoryPoolRepository(domain.DefaultPoolConfig())
	for _, inst := range []*domain.ServiceInstance{
		runningInstance("pw-1", domain.ServiceTypePlaywright),
		runningInstance("pw-2", domain.ServiceTypePlaywright),
		runningInstance("gh-1", domain.ServiceTypeGitHub),
		runningInstance("gh-2", domain.ServiceTypeGitHub),
	} {
		_, _, err := pools.Save(inst)
		require.NoError(t, err)
	}
	engine := NewLoadBalancerEngine(pools, nil, logger.NewNop())
	ctx := context.Background()

	first, err := engine.SelectService(ctx, domain.ServiceTypePlaywright, nil)
	require.NoError(t, err)
	assert.Equal(t, "pw-1", first.ID)

	gh, err := engine.SelectService(ctx, domain.ServiceTypeGitHub, nil)
	require.NoError(t, err)
	assert.Equal(t, "gh-1", gh.ID, "github counter must not be advanced by playwright calls")

	second, err := engine.SelectService(ctx, domain.ServiceTypePlaywright, nil)
	require.NoError(t, err)
	assert.Equal(t, "pw-2", second.ID)

	engine.ResetCounters()
	again, err := engine.SelectService(ctx, domain.ServiceTypePlaywright, nil)
	require.NoError(t, err)
	assert.Equal(t, "pw-1", again.ID)
}

func TestSelectServiceConcurrentRoundRobinIsFair(t *testing.T) {
	f := newEngineFixture(t, domain.ServiceTypePlaywright, domain.RoundRobinStrategy,
		runningInstance("pw-1", domain.ServiceTypePlaywright),
		runningInstance("pw-2", domain.ServiceTypePlaywright),
		runningInstance("pw-3", domain.ServiceTypePlaywright),
	)

	const workers, perWorker = 10, 30
	var mu sync.Mutex
	counts := make(map[string]int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				inst, err := f.engine.SelectService(context.Background(), domain.ServiceTypePlaywright, nil)
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				counts[inst.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for _, id := range []string{"pw-1", "pw-2", "pw-3"} {
		assert.Equal(t, workers*perWorker/3, counts[id], "instance %s", id)
	}
}

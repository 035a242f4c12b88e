package repository

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mir00r/mcp-orchestrator/internal/domain"
)

func newInstance(id string, serviceType domain.ServiceType, port int) *domain.ServiceInstance {
	return domain.NewServiceInstance(id, id, serviceType, "localhost", port)
}

func TestSaveCreatesPoolLazily(t *testing.T) {
	t.Parallel()

	repo := NewInMemoryPoolRepository(domain.DefaultPoolConfig())
	_, ok := repo.GetPool(domain.ServiceTypePlaywright)
	require.False(t, ok)

	cfg, replaced, err := repo.Save(newInstance("pw-1", domain.ServiceTypePlaywright, 8080))
	require.NoError(t, err)
	assert.False(t, replaced)
	assert.Equal(t, domain.RoundRobinStrategy, cfg.Strategy)

	pool, ok := repo.GetPool(domain.ServiceTypePlaywright)
	require.True(t, ok)
	assert.Len(t, pool.Instances, 1)
	assert.Equal(t, 1, repo.Count())
}

func TestSaveIsIdempotentUpsert(t *testing.T) {
	t.Parallel()

	repo := NewInMemoryPoolRepository(domain.DefaultPoolConfig())
	_, _, err := repo.Save(newInstance("gh-1", domain.ServiceTypeGitHub, 8081))
	require.NoError(t, err)

	updated := newInstance("gh-1", domain.ServiceTypeGitHub, 9081)
	_, replaced, err := repo.Save(updated)
	require.NoError(t, err)
	assert.True(t, replaced)

	pool, _ := repo.GetPool(domain.ServiceTypeGitHub)
	require.Len(t, pool.Instances, 1)
	assert.Equal(t, 9081, pool.Instances[0].Port)
}

func TestSaveMovesInstanceBetweenPools(t *testing.T) {
	t.Parallel()

	repo := NewInMemoryPoolRepository(domain.DefaultPoolConfig())
	_, _, err := repo.Save(newInstance("svc", domain.ServiceTypeCustom, 8000))
	require.NoError(t, err)
	_, replaced, err := repo.Save(newInstance("svc", domain.ServiceTypeWebSearch, 8000))
	require.NoError(t, err)
	assert.True(t, replaced)

	custom, _ := repo.GetPool(domain.ServiceTypeCustom)
	assert.Empty(t, custom.Instances)
	websearch, _ := repo.GetPool(domain.ServiceTypeWebSearch)
	assert.Len(t, websearch.Instances, 1)
	assert.Equal(t, 1, repo.Count())
}

func TestSaveRejectsInvalid(t *testing.T) {
	t.Parallel()

	repo := NewInMemoryPoolRepository(domain.DefaultPoolConfig())
	_, _, err := repo.Save(nil)
	assert.Error(t, err)
	_, _, err = repo.Save(newInstance("", domain.ServiceTypeCore, 1))
	assert.Error(t, err)
}

func TestDelete(t *testing.T) {
	t.Parallel()

	repo := NewInMemoryPoolRepository(domain.DefaultPoolConfig())
	_, _, _ = repo.Save(newInstance("a", domain.ServiceTypeCore, 1))
	_, _, _ = repo.Save(newInstance("b", domain.ServiceTypeCore, 2))

	removed, err := repo.Delete("a")
	require.NoError(t, err)
	assert.Equal(t, "a", removed.ID)
	assert.False(t, repo.Exists("a"))

	_, err = repo.Delete("a")
	assert.Error(t, err)

	pool, _ := repo.GetPool(domain.ServiceTypeCore)
	require.Len(t, pool.Instances, 1)
	assert.Equal(t, "b", pool.Instances[0].ID)
}

func TestConfigurePoolKeepsMembers(t *testing.T) {
	t.Parallel()

	repo := NewInMemoryPoolRepository(domain.DefaultPoolConfig())
	_, _, _ = repo.Save(newInstance("gh-1", domain.ServiceTypeGitHub, 8081))

	cfg := domain.DefaultPoolConfig()
	cfg.Strategy = domain.LeastConnectionsStrategy
	cfg.FailoverPolicy = domain.CircuitBreakerFailover
	cfg.RetryDelay = 2 * time.Second
	require.NoError(t, repo.ConfigurePool(domain.ServiceTypeGitHub, cfg))

	pool, _ := repo.GetPool(domain.ServiceTypeGitHub)
	assert.Equal(t, domain.LeastConnectionsStrategy, pool.Config.Strategy)
	assert.Len(t, pool.Instances, 1)

	bad := cfg
	bad.CircuitBreakerThreshold = 0
	assert.Error(t, repo.ConfigurePool(domain.ServiceTypeGitHub, bad))
	assert.Error(t, repo.ConfigurePool(domain.ServiceType("mainframe"), cfg))
}

func TestSnapshotsAreIsolated(t *testing.T) {
	t.Parallel()

	cfg := domain.DefaultPoolConfig()
	cfg.Weights = map[string]float64{"a": 2}
	repo := NewInMemoryPoolRepository(domain.DefaultPoolConfig())
	require.NoError(t, repo.ConfigurePool(domain.ServiceTypeCore, cfg))
	_, _, _ = repo.Save(newInstance("a", domain.ServiceTypeCore, 1))

	snap, _ := repo.GetPool(domain.ServiceTypeCore)
	snap.Instances = nil
	snap.Config.Weights["a"] = 99

	fresh, _ := repo.GetPool(domain.ServiceTypeCore)
	assert.Len(t, fresh.Instances, 1)
	assert.Equal(t, 2.0, fresh.Config.Weights["a"])
}

func TestGetStats(t *testing.T) {
	t.Parallel()

	repo := NewInMemoryPoolRepository(domain.DefaultPoolConfig())
	a := newInstance("a", domain.ServiceTypeCore, 1)
	a.SetStatus(domain.StatusRunning)
	b := newInstance("b", domain.ServiceTypeGitHub, 2)
	b.SetStatus(domain.StatusError)
	_, _, _ = repo.Save(a)
	_, _, _ = repo.Save(b)

	stats := repo.GetStats()
	assert.Equal(t, 2, stats["total_pools"])
	assert.Equal(t, 2, stats["total_instances"])
	assert.Equal(t, 1, stats["healthy_instances"])
	assert.Equal(t, 1, stats["error_instances"])
	assert.Equal(t, 1, repo.CountHealthy())
}

func TestConcurrentSaveAndDelete(t *testing.T) {
	t.Parallel()

	repo := NewInMemoryPoolRepository(domain.DefaultPoolConfig())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		id := string(rune('a' + i%26))
		go func() {
			defer wg.Done()
			_, _, _ = repo.Save(newInstance(id, domain.ServiceTypeCustom, 9000))
		}()
		go func() {
			defer wg.Done()
			_ = repo.GetAllPools()
		}()
	}
	wg.Wait()

	assert.Equal(t, 26, repo.Count())
	pool, _ := repo.GetPool(domain.ServiceTypeCustom)
	assert.Len(t, pool.Instances, 26)
}

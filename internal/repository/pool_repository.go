package repository

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mir00r/mcp-orchestrator/internal/domain"
)

// InMemoryPoolRepository keeps service pools keyed by service type and an index from
// instance id to the owning pool. All pool mutations are serialized by one lock; reads
// hand out snapshots so callers never hold the lock while doing I/O.
type InMemoryPoolRepository struct {
	mu            sync.RWMutex
	pools         map[domain.ServiceType]*domain.ServicePool
	index         map[string]domain.ServiceType
	defaultConfig domain.PoolConfig
}

// NewInMemoryPoolRepository creates an empty repository. Pools created lazily on first
// registration use defaultConfig.
func NewInMemoryPoolRepository(defaultConfig domain.PoolConfig) *InMemoryPoolRepository {
	return &InMemoryPoolRepository{
		pools:         make(map[domain.ServiceType]*domain.ServicePool),
		index:         make(map[string]domain.ServiceType),
		defaultConfig: defaultConfig,
	}
}

// ConfigurePool creates the pool for serviceType or replaces its configuration,
// keeping existing members.
func (r *InMemoryPoolRepository) ConfigurePool(serviceType domain.ServiceType, config domain.PoolConfig) error {
	if !serviceType.IsValid() {
		return fmt.Errorf("unknown service type %q", serviceType)
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("pool %s: %w", serviceType, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if pool, ok := r.pools[serviceType]; ok {
		pool.Config = config
		return nil
	}
	r.pools[serviceType] = domain.NewServicePool(serviceType, config)
	return nil
}

// Save upserts an instance into the pool matching its type, creating the pool when
// absent. An instance re-registered under a different type moves pools. Returns the
// configuration of the owning pool and whether an existing entry was replaced.
func (r *InMemoryPoolRepository) Save(instance *domain.ServiceInstance) (domain.PoolConfig, bool, error) {
	if instance == nil {
		return domain.PoolConfig{}, false, fmt.Errorf("instance cannot be nil")
	}
	if instance.ID == "" {
		return domain.PoolConfig{}, false, fmt.Errorf("instance ID cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	replaced := false
	if previousType, ok := r.index[instance.ID]; ok && previousType != instance.Type {
		if pool, ok := r.pools[previousType]; ok {
			pool.Remove(instance.ID)
		}
		replaced = true
	}

	pool, ok := r.pools[instance.Type]
	if !ok {
		pool = domain.NewServicePool(instance.Type, r.defaultConfig)
		r.pools[instance.Type] = pool
	}
	if pool.Upsert(instance) {
		replaced = true
	}
	r.index[instance.ID] = instance.Type

	return pool.Snapshot().Config, replaced, nil
}

// Delete removes an instance and returns it
func (r *InMemoryPoolRepository) Delete(id string) (*domain.ServiceInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	serviceType, ok := r.index[id]
	if !ok {
		return nil, fmt.Errorf("instance with ID '%s' not found", id)
	}
	delete(r.index, id)

	pool, ok := r.pools[serviceType]
	if !ok {
		return nil, fmt.Errorf("instance with ID '%s' not found", id)
	}
	removed := pool.Remove(id)
	if removed == nil {
		return nil, fmt.Errorf("instance with ID '%s' not found", id)
	}
	return removed, nil
}

// GetByID returns an instance by its ID
func (r *InMemoryPoolRepository) GetByID(id string) (*domain.ServiceInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	serviceType, ok := r.index[id]
	if !ok {
		return nil, fmt.Errorf("instance with ID '%s' not found", id)
	}
	inst := r.pools[serviceType].Find(id)
	if inst == nil {
		return nil, fmt.Errorf("instance with ID '%s' not found", id)
	}
	return inst, nil
}

// Exists checks if an instance with the given ID exists
func (r *InMemoryPoolRepository) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.index[id]
	return ok
}

// GetPool returns a snapshot of the pool for serviceType
func (r *InMemoryPoolRepository) GetPool(serviceType domain.ServiceType) (*domain.ServicePool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pool, ok := r.pools[serviceType]
	if !ok {
		return nil, false
	}
	return pool.Snapshot(), true
}

// GetPoolOf returns a snapshot of the pool owning the instance id
func (r *InMemoryPoolRepository) GetPoolOf(id string) (*domain.ServicePool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	serviceType, ok := r.index[id]
	if !ok {
		return nil, false
	}
	pool, ok := r.pools[serviceType]
	if !ok {
		return nil, false
	}
	return pool.Snapshot(), true
}

// GetAllPools returns snapshots of every pool ordered by service type
func (r *InMemoryPoolRepository) GetAllPools() []*domain.ServicePool {
	r.mu.RLock()
	pools := make([]*domain.ServicePool, 0, len(r.pools))
	for _, pool := range r.pools {
		pools = append(pools, pool.Snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(pools, func(i, j int) bool {
		return pools[i].Type < pools[j].Type
	})
	return pools
}

// GetAll returns every registered instance
func (r *InMemoryPoolRepository) GetAll() []*domain.ServiceInstance {
	var all []*domain.ServiceInstance
	for _, pool := range r.GetAllPools() {
		all = append(all, pool.Instances...)
	}
	return all
}

// Count returns the total number of instances
func (r *InMemoryPoolRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.index)
}

// CountHealthy returns the number of healthy instances
func (r *InMemoryPoolRepository) CountHealthy() int {
	count := 0
	for _, inst := range r.GetAll() {
		if inst.IsHealthy() {
			count++
		}
	}
	return count
}

// Clear removes every pool and instance
func (r *InMemoryPoolRepository) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools = make(map[domain.ServiceType]*domain.ServicePool)
	r.index = make(map[string]domain.ServiceType)
}

// GetStats returns repository statistics
func (r *InMemoryPoolRepository) GetStats() map[string]interface{} {
	pools := r.GetAllPools()

	stats := map[string]interface{}{
		"total_pools":       len(pools),
		"total_instances":   0,
		"healthy_instances": 0,
		"running_instances": 0,
		"error_instances":   0,
	}

	for _, pool := range pools {
		for _, inst := range pool.Instances {
			stats["total_instances"] = stats["total_instances"].(int) + 1
			if inst.IsHealthy() {
				stats["healthy_instances"] = stats["healthy_instances"].(int) + 1
			}
			switch inst.Status() {
			case domain.StatusRunning:
				stats["running_instances"] = stats["running_instances"].(int) + 1
			case domain.StatusError:
				stats["error_instances"] = stats["error_instances"].(int) + 1
			}
		}
	}

	return stats
}

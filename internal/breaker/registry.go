package breaker

import (
	"sync"

	"github.com/mir00r/mcp-orchestrator/pkg/logger"
)

// Registry owns one CircuitBreaker per instance id
type Registry struct {
	breakers map[string]*CircuitBreaker
	logger   *logger.Logger
	opts     []Option
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry. Options are applied to every breaker it creates.
func NewRegistry(log *logger.Logger, opts ...Option) *Registry {
	if log == nil {
		log = logger.NewNop()
	}
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		logger:   log,
		opts:     opts,
	}
}

// Ensure returns the breaker for id, creating it with config when absent
func (r *Registry) Ensure(id string, config Config) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[id]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[id]; ok {
		return cb
	}
	cb = New(id, config, r.logger, r.opts...)
	r.breakers[id] = cb
	return cb
}

// Get returns the breaker for id
func (r *Registry) Get(id string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.breakers[id]
	return cb, ok
}

// Remove deletes the breaker for id
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.breakers[id]; !ok {
		return false
	}
	delete(r.breakers, id)
	return true
}

// Allowed reports whether a call to id is allowed. Instances without a breaker are allowed.
func (r *Registry) Allowed(id string) bool {
	cb, ok := r.Get(id)
	if !ok {
		return true
	}
	return cb.CallAllowed()
}

// Len returns the number of breakers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.breakers)
}

// Snapshot returns the state of every breaker keyed by instance id
func (r *Registry) Snapshot() map[string]Snapshot {
	r.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.RUnlock()

	out := make(map[string]Snapshot, len(breakers))
	for _, cb := range breakers {
		out[cb.ID()] = cb.Snapshot()
	}
	return out
}

// Package discovery keeps orchestrator registrations in step with an external service
// catalog: entries appearing in the catalog are registered, changed entries are
// re-registered and entries that disappear are unregistered.
package discovery

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/mir00r/mcp-orchestrator/internal/config"
	"github.com/mir00r/mcp-orchestrator/internal/domain"
	"github.com/mir00r/mcp-orchestrator/internal/errors"
	"github.com/mir00r/mcp-orchestrator/pkg/logger"
)

// Health values reported by catalogs
const (
	HealthPassing  = "passing"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)

// Provider lists the services of a catalog
type Provider interface {
	Name() string
	DiscoverServices(ctx context.Context) ([]*Service, error)
	Health(ctx context.Context) error
}

// Registrar receives the registrations derived from the catalog
type Registrar interface {
	RegisterService(ctx context.Context, inst *domain.ServiceInstance) error
	UnregisterService(ctx context.Context, id string) error
}

// Service is one catalog entry
type Service struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Type           string            `json:"type"`
	Address        string            `json:"address"`
	Port           int               `json:"port"`
	Path           string            `json:"path,omitempty"`
	Protocol       string            `json:"protocol,omitempty"`
	HealthCheckURL string            `json:"health_check_url,omitempty"`
	Tags           []string          `json:"tags,omitempty"`
	Health         string            `json:"health,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ToInstance converts the entry to a domain instance
func (s *Service) ToInstance() (*domain.ServiceInstance, error) {
	return config.ServiceConfig{
		ID:             s.ID,
		Name:           s.Name,
		Type:           s.Type,
		Host:           s.Address,
		Port:           s.Port,
		Path:           s.Path,
		Protocol:       s.Protocol,
		HealthCheckURL: s.HealthCheckURL,
		Tags:           s.Tags,
		Metadata:       s.Metadata,
	}.ToInstance()
}

// fingerprint identifies the registration-relevant content of an entry. Health is
// excluded so that a catalog health flap does not re-register the instance.
func (s *Service) fingerprint() uint64 {
	c := *s
	c.Health = ""
	data, _ := json.Marshal(c)
	return xxhash.Sum64(data)
}

// SyncResult summarizes one reconciliation
type SyncResult struct {
	Added     int `json:"added"`
	Updated   int `json:"updated"`
	Removed   int `json:"removed"`
	Skipped   int `json:"skipped"`
	Unchanged int `json:"unchanged"`
}

// Syncer periodically reconciles the catalog into the registrar
type Syncer struct {
	config    config.DiscoveryConfig
	provider  Provider
	registrar Registrar
	logger    *logger.Logger

	mu         sync.Mutex
	known      map[string]uint64
	syncCount  int64
	lastSync   time.Time
	lastResult SyncResult
	lastError  error

	runMu  sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSyncer creates a syncer. Only instances it registered itself are ever
// unregistered by it.
func NewSyncer(cfg config.DiscoveryConfig, provider Provider, registrar Registrar, log *logger.Logger) *Syncer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Syncer{
		config:    cfg,
		provider:  provider,
		registrar: registrar,
		logger:    log.WithFields(map[string]interface{}{"component": "discovery", "provider": provider.Name()}),
		known:     make(map[string]uint64),
	}
}

// Start runs one sync immediately and then every configured interval
func (s *Syncer) Start(ctx context.Context) error {
	if s.config.Interval <= 0 {
		return fmt.Errorf("discovery interval must be positive")
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.stopCh != nil {
		return fmt.Errorf("service discovery is already running")
	}

	if err := s.provider.Health(ctx); err != nil {
		s.logger.WithError(err).Warn("Discovery provider is not healthy yet")
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.loop(ctx, s.stopCh, s.doneCh)

	s.logger.WithField("interval", s.config.Interval.String()).Info("Service discovery started")
	return nil
}

// Stop ends the sync loop and waits for it to exit. Registrations are kept.
func (s *Syncer) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.stopCh == nil {
		return
	}

	close(s.stopCh)
	<-s.doneCh
	s.stopCh = nil
	s.doneCh = nil
	s.logger.Info("Service discovery stopped")
}

func (s *Syncer) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sync(ctx); err != nil {
			s.logger.WithError(err).Error("Service discovery iteration failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// Sync fetches the catalog once and reconciles it. When the catalog cannot be read
// the current registrations are left untouched.
func (s *Syncer) Sync(ctx context.Context) (SyncResult, error) {
	timeout := s.config.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	services, err := s.provider.DiscoverServices(fetchCtx)
	cancel()
	if err != nil {
		s.record(SyncResult{}, err)
		return SyncResult{}, fmt.Errorf("discover services from %s: %w", s.provider.Name(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var result SyncResult
	seen := make(map[string]bool, len(services))

	for _, svc := range services {
		if svc == nil || !s.matchesFilters(svc) || !isPassing(svc.Health) {
			result.Skipped++
			continue
		}
		if seen[svc.ID] {
			s.logger.WithField("service_id", svc.ID).Warn("Duplicate catalog entry ignored")
			result.Skipped++
			continue
		}

		inst, err := svc.ToInstance()
		if err != nil {
			s.logger.WithError(err).WithField("service_id", svc.ID).Warn("Skipping invalid catalog entry")
			result.Skipped++
			continue
		}
		seen[svc.ID] = true

		fp := svc.fingerprint()
		previous, known := s.known[svc.ID]
		if known && previous == fp {
			result.Unchanged++
			continue
		}

		if err := s.registrar.RegisterService(ctx, inst); err != nil {
			s.logger.WithError(err).WithField("service_id", svc.ID).Error("Failed to register discovered service")
			result.Skipped++
			continue
		}
		s.known[svc.ID] = fp

		if known {
			result.Updated++
			s.logger.WithFields(map[string]interface{}{
				"service_id": svc.ID,
				"url":        inst.URL(),
			}).Info("Discovered service changed: re-registered")
		} else {
			result.Added++
			s.logger.WithFields(map[string]interface{}{
				"service_id":   svc.ID,
				"service_type": string(inst.Type),
				"url":          inst.URL(),
			}).Info("Service discovered: registered")
		}
	}

	for id := range s.known {
		if seen[id] {
			continue
		}
		err := s.registrar.UnregisterService(ctx, id)
		if err != nil && !stderrors.Is(err, errors.ErrNotFound) {
			s.logger.WithError(err).WithField("service_id", id).Error("Failed to unregister removed service")
			continue
		}
		delete(s.known, id)
		result.Removed++
		s.logger.WithField("service_id", id).Info("Service removed from catalog: unregistered")
	}

	s.syncCount++
	s.lastSync = time.Now()
	s.lastResult = result
	s.lastError = nil
	return result, nil
}

func (s *Syncer) record(result SyncResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastResult = result
	s.lastError = err
}

// Registered returns the ids currently registered from the catalog
func (s *Syncer) Registered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.known))
	for id := range s.known {
		ids = append(ids, id)
	}
	return ids
}

// GetStats returns service discovery statistics
func (s *Syncer) GetStats() map[string]interface{} {
	s.runMu.Lock()
	running := s.stopCh != nil
	s.runMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	stats := map[string]interface{}{
		"provider":          s.provider.Name(),
		"endpoint":          s.config.Endpoint,
		"running":           running,
		"registered":        len(s.known),
		"sync_count":        s.syncCount,
		"last_sync":         s.lastSync,
		"last_result":       s.lastResult,
		"discover_interval": s.config.Interval.String(),
	}
	if s.lastError != nil {
		stats["last_error"] = s.lastError.Error()
	}
	return stats
}

func isPassing(health string) bool {
	return health == "" || health == HealthPassing
}

// matchesFilters reports whether svc passes every configured filter
func (s *Syncer) matchesFilters(svc *Service) bool {
	for _, filter := range s.config.Filters {
		switch filter.Key {
		case "service_name":
			if !matchesStringFilter(svc.Name, filter.Values, filter.Operator) {
				return false
			}
		case "service_type":
			if !matchesStringFilter(strings.ToLower(svc.Type), filter.Values, filter.Operator) {
				return false
			}
		case "tags":
			if !matchesTagsFilter(svc.Tags, filter.Values, filter.Operator) {
				return false
			}
		case "health":
			if !matchesStringFilter(svc.Health, filter.Values, filter.Operator) {
				return false
			}
		}
	}
	return true
}

func matchesStringFilter(value string, filterValues []string, operator string) bool {
	switch operator {
	case "equals":
		for _, filterValue := range filterValues {
			if value == filterValue {
				return true
			}
		}
		return false
	case "contains":
		for _, filterValue := range filterValues {
			if strings.Contains(value, filterValue) {
				return true
			}
		}
		return false
	case "not_equals":
		for _, filterValue := range filterValues {
			if value == filterValue {
				return false
			}
		}
		return true
	}
	return true
}

func matchesTagsFilter(tags []string, filterValues []string, operator string) bool {
	has := func(want string) bool {
		for _, tag := range tags {
			if tag == want {
				return true
			}
		}
		return false
	}

	switch operator {
	case "contains":
		for _, filterValue := range filterValues {
			if has(filterValue) {
				return true
			}
		}
		return false
	case "contains_all":
		for _, filterValue := range filterValues {
			if !has(filterValue) {
				return false
			}
		}
		return true
	}
	return true
}

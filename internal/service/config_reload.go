package service

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/mir00r/mcp-orchestrator/internal/config"
	"github.com/mir00r/mcp-orchestrator/internal/domain"
	"github.com/mir00r/mcp-orchestrator/pkg/logger"
)

// OptionsFromConfig builds orchestrator options from a loaded configuration
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	pools, err := cfg.ToPools()
	if err != nil {
		return Options{}, err
	}
	services, err := cfg.ToInstances()
	if err != nil {
		return Options{}, err
	}

	return Options{
		DefaultPool: domain.DefaultPoolConfig(),
		Pools:       pools,
		Services:    services,
		Monitor:     MonitorConfigFrom(cfg.HealthMonitoring),
	}, nil
}

// MonitorConfigFrom converts the health_monitoring section. Zero values take defaults.
func MonitorConfigFrom(hm config.HealthMonitoringConfig) HealthMonitorConfig {
	trend := DefaultTrendConfig()
	if hm.TrendWindow > 0 {
		trend.Window = hm.TrendWindow
	}
	if hm.MinSamples > 0 {
		trend.MinSamples = hm.MinSamples
	}
	if hm.TrendThreshold != 0 {
		trend.TrendThreshold = hm.TrendThreshold
	}
	if hm.ScoreThreshold != 0 {
		trend.ScoreThreshold = hm.ScoreThreshold
	}
	if hm.SlowResponse > 0 {
		trend.SlowResponse = hm.SlowResponse
	}

	return HealthMonitorConfig{
		Interval:            hm.Interval,
		ProbeTimeout:        hm.ProbeTimeout,
		PredictionWindow:    hm.PredictionWindow,
		MaxSamples:          hm.MaxSamples,
		MaxConcurrentProbes: hm.MaxConcurrentProbes,
		Trend:               trend,
	}
}

// PoolConfigurer applies pool configurations
type PoolConfigurer interface {
	ConfigurePool(serviceType domain.ServiceType, cfg domain.PoolConfig) error
}

// ConfigReloadService re-applies service pool configuration when the configuration
// file changes. Registered instances are never touched by a reload.
type ConfigReloadService struct {
	config         *config.Config
	target         PoolConfigurer
	configFilePath string
	interval       time.Duration
	logger         *logger.Logger

	mutex           sync.RWMutex
	reloadCallbacks []func(*config.Config) error
	lastModTime     time.Time
	reloadCount     int64
	lastError       error

	watchMu     sync.Mutex
	watcherStop chan struct{}
	watcherDone chan struct{}
}

// NewConfigReloadService creates a reload service for the file at configFilePath
func NewConfigReloadService(cfg *config.Config, target PoolConfigurer, configFilePath string, interval time.Duration, log *logger.Logger) *ConfigReloadService {
	if log == nil {
		log = logger.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ConfigReloadService{
		config:         cfg,
		target:         target,
		configFilePath: configFilePath,
		interval:       interval,
		logger:         log.WithField("component", "config_reload"),
	}
}

// RegisterReloadCallback registers a callback invoked after pools were re-applied
func (crs *ConfigReloadService) RegisterReloadCallback(callback func(*config.Config) error) {
	crs.mutex.Lock()
	defer crs.mutex.Unlock()
	crs.reloadCallbacks = append(crs.reloadCallbacks, callback)
}

// StartWatcher starts polling the configuration file modification time
func (crs *ConfigReloadService) StartWatcher() error {
	info, err := os.Stat(crs.configFilePath)
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}

	crs.watchMu.Lock()
	defer crs.watchMu.Unlock()
	if crs.watcherStop != nil {
		return fmt.Errorf("config watcher is already running")
	}

	crs.mutex.Lock()
	crs.lastModTime = info.ModTime()
	crs.mutex.Unlock()

	crs.watcherStop = make(chan struct{})
	crs.watcherDone = make(chan struct{})
	go crs.watchConfigFile(crs.watcherStop, crs.watcherDone)

	crs.logger.WithFields(map[string]interface{}{
		"config_file": crs.configFilePath,
		"interval":    crs.interval.String(),
	}).Info("Started configuration file watcher")

	return nil
}

// StopWatcher stops the watcher and waits for it to exit
func (crs *ConfigReloadService) StopWatcher() {
	crs.watchMu.Lock()
	stop, done := crs.watcherStop, crs.watcherDone
	crs.watcherStop, crs.watcherDone = nil, nil
	crs.watchMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	crs.logger.Info("Stopped configuration file watcher")
}

func (crs *ConfigReloadService) watchConfigFile(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(crs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := crs.CheckForChanges(); err != nil {
				crs.logger.WithError(err).Error("Failed to reload configuration")
			}
		case <-stop:
			return
		}
	}
}

// CheckForChanges reloads the file when its modification time moved. Returns true
// when a reload was applied.
func (crs *ConfigReloadService) CheckForChanges() (bool, error) {
	info, err := os.Stat(crs.configFilePath)
	if err != nil {
		return false, fmt.Errorf("failed to stat config file: %w", err)
	}

	crs.mutex.RLock()
	unchanged := info.ModTime().Equal(crs.lastModTime)
	crs.mutex.RUnlock()
	if unchanged {
		return false, nil
	}

	crs.logger.Info("Configuration file changed, reloading")

	// The modification time is recorded before parsing so a broken file is reported once.
	crs.mutex.Lock()
	crs.lastModTime = info.ModTime()
	crs.mutex.Unlock()

	newConfig, err := config.LoadFromFile(crs.configFilePath)
	if err != nil {
		crs.recordError(err)
		return false, err
	}
	if err := crs.Reload(newConfig); err != nil {
		return false, err
	}
	return true, nil
}

// ReloadFromYAML parses a YAML document and applies it
func (crs *ConfigReloadService) ReloadFromYAML(data []byte) error {
	newConfig, err := config.Parse(data)
	if err != nil {
		crs.recordError(err)
		return err
	}
	return crs.Reload(newConfig)
}

// Reload validates newConfig and re-applies every configured pool
func (crs *ConfigReloadService) Reload(newConfig *config.Config) error {
	crs.mutex.Lock()
	defer crs.mutex.Unlock()

	pools, err := newConfig.ToPools()
	if err != nil {
		crs.lastError = err
		return fmt.Errorf("invalid configuration: %w", err)
	}

	types := make([]string, 0, len(pools))
	for serviceType := range pools {
		types = append(types, string(serviceType))
	}
	sort.Strings(types)

	for _, name := range types {
		serviceType := domain.ServiceType(name)
		if err := crs.target.ConfigurePool(serviceType, pools[serviceType]); err != nil {
			crs.logger.WithError(err).WithField("service_type", name).Error("Failed to apply pool configuration")
			crs.lastError = err
			return err
		}
	}

	for _, callback := range crs.reloadCallbacks {
		if err := callback(newConfig); err != nil {
			crs.logger.WithError(err).Error("Config reload callback failed")
			crs.lastError = err
			return err
		}
	}

	crs.config = newConfig
	crs.reloadCount++
	crs.lastError = nil

	crs.logger.WithField("pools", len(pools)).Info("Configuration reloaded successfully")
	return nil
}

func (crs *ConfigReloadService) recordError(err error) {
	crs.mutex.Lock()
	crs.lastError = err
	crs.mutex.Unlock()
}

// GetCurrentConfig returns the last applied configuration
func (crs *ConfigReloadService) GetCurrentConfig() *config.Config {
	crs.mutex.RLock()
	defer crs.mutex.RUnlock()
	return crs.config
}

// GetReloadStats returns reload statistics
func (crs *ConfigReloadService) GetReloadStats() map[string]interface{} {
	crs.watchMu.Lock()
	active := crs.watcherStop != nil
	crs.watchMu.Unlock()

	crs.mutex.RLock()
	defer crs.mutex.RUnlock()

	stats := map[string]interface{}{
		"config_file":     crs.configFilePath,
		"watcher_active":  active,
		"callbacks_count": len(crs.reloadCallbacks),
		"reload_count":    crs.reloadCount,
		"last_modified":   crs.lastModTime,
	}
	if crs.lastError != nil {
		stats["last_error"] = crs.lastError.Error()
	}
	return stats
}

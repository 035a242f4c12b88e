package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/mir00r/mcp-orchestrator/internal/domain"
	"gopkg.in/yaml.v2"
)

// Config represents the main configuration structure
type Config struct {
	Server           ServerConfig           `yaml:"server" json:"server"`
	Logging          LoggingConfig          `yaml:"logging" json:"logging"`
	ServicePools     map[string]PoolConfig  `yaml:"service_pools" json:"service_pools"`
	Services         []ServiceConfig        `yaml:"services" json:"services"`
	HealthMonitoring HealthMonitoringConfig `yaml:"health_monitoring" json:"health_monitoring"`
	Events           EventsConfig           `yaml:"events" json:"events"`
	RateLimit        RateLimitConfig        `yaml:"rate_limit" json:"rate_limit"`
	Reload           ReloadConfig           `yaml:"reload" json:"reload"`
	Discovery        DiscoveryConfig        `yaml:"discovery" json:"discovery"`
}

// ServerConfig contains admin HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
	File   string `yaml:"file" json:"file"`
}

// PoolConfig is the YAML form of a service pool configuration. Zero values take the
// pool defaults.
type PoolConfig struct {
	Strategy                string             `yaml:"strategy" json:"strategy"`
	FailoverPolicy          string             `yaml:"failover_policy" json:"failover_policy"`
	Weights                 map[string]float64 `yaml:"weights" json:"weights,omitempty"`
	CircuitBreakerThreshold float64            `yaml:"circuit_breaker_threshold" json:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration      `yaml:"circuit_breaker_timeout" json:"circuit_breaker_timeout"`
	HealthCheckInterval     time.Duration      `yaml:"health_check_interval" json:"health_check_interval"`
	MaxRetries              *int               `yaml:"max_retries" json:"max_retries,omitempty"`
	RetryDelay              time.Duration      `yaml:"retry_delay" json:"retry_delay"`
}

// ServiceConfig describes a service instance registered at startup
type ServiceConfig struct {
	ID             string            `yaml:"id" json:"id"`
	Name           string            `yaml:"name" json:"name"`
	Type           string            `yaml:"type" json:"type"`
	Host           string            `yaml:"host" json:"host"`
	Port           int               `yaml:"port" json:"port"`
	Path           string            `yaml:"path" json:"path"`
	Protocol       string            `yaml:"protocol" json:"protocol"`
	HealthCheckURL string            `yaml:"health_check_url,omitempty" json:"health_check_url,omitempty"`
	Description    string            `yaml:"description,omitempty" json:"description,omitempty"`
	Tags           []string          `yaml:"tags,omitempty" json:"tags,omitempty"`
	Metadata       map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// HealthMonitoringConfig contains health monitor and trend analysis settings
type HealthMonitoringConfig struct {
	Interval            time.Duration `yaml:"interval" json:"interval"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout" json:"probe_timeout"`
	PredictionWindow    time.Duration `yaml:"prediction_window" json:"prediction_window"`
	MaxSamples          int           `yaml:"max_samples" json:"max_samples"`
	MaxConcurrentProbes int           `yaml:"max_concurrent_probes" json:"max_concurrent_probes"`
	TrendWindow         int           `yaml:"trend_window" json:"trend_window"`
	MinSamples          int           `yaml:"min_samples" json:"min_samples"`
	TrendThreshold      float64       `yaml:"trend_threshold" json:"trend_threshold"`
	ScoreThreshold      float64       `yaml:"score_threshold" json:"score_threshold"`
	SlowResponse        time.Duration `yaml:"slow_response" json:"slow_response"`
}

// EventsConfig configures the external event relay. An empty RedisURL keeps events
// in-process.
type EventsConfig struct {
	RedisURL      string `yaml:"redis_url" json:"redis_url,omitempty"`
	ChannelPrefix string `yaml:"channel_prefix" json:"channel_prefix"`
}

// RateLimitConfig contains admin API rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled" json:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size" json:"burst_size"`
}

// ReloadConfig controls the configuration file watcher
type ReloadConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Interval time.Duration `yaml:"interval" json:"interval"`
}

// DiscoveryConfig configures syncing service instances from an HTTP catalog
type DiscoveryConfig struct {
	Enabled  bool              `yaml:"enabled" json:"enabled"`
	Endpoint string            `yaml:"endpoint" json:"endpoint"`
	Interval time.Duration     `yaml:"interval" json:"interval"`
	Timeout  time.Duration     `yaml:"timeout" json:"timeout"`
	Filters  []DiscoveryFilter `yaml:"filters,omitempty" json:"filters,omitempty"`
}

// DiscoveryFilter restricts which catalog entries are registered. Key is one of
// service_name, service_type, tags or health.
type DiscoveryFilter struct {
	Key      string   `yaml:"key" json:"key"`
	Operator string   `yaml:"operator" json:"operator"`
	Values   []string `yaml:"values" json:"values"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		ServicePools: map[string]PoolConfig{},
		HealthMonitoring: HealthMonitoringConfig{
			Interval:         15 * time.Second,
			ProbeTimeout:     10 * time.Second,
			PredictionWindow: 300 * time.Second,
			MaxSamples:       100,
			TrendWindow:      10,
			MinSamples:       3,
			TrendThreshold:   -0.1,
			ScoreThreshold:   0.7,
			SlowResponse:     10 * time.Second,
		},
		Events: EventsConfig{
			ChannelPrefix: "mcp:events:",
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerSecond: 100,
			BurstSize:         200,
		},
		Reload: ReloadConfig{
			Enabled:  false,
			Interval: 5 * time.Second,
		},
		Discovery: DiscoveryConfig{
			Enabled:  false,
			Interval: 30 * time.Second,
			Timeout:  5 * time.Second,
		},
	}
}

// DefaultPools returns the pools created when none are configured
func DefaultPools() map[domain.ServiceType]domain.PoolConfig {
	pool := func(strategy domain.OrchestrationStrategy, policy domain.FailoverPolicy) domain.PoolConfig {
		cfg := domain.DefaultPoolConfig()
		cfg.Strategy = strategy
		cfg.FailoverPolicy = policy
		return cfg
	}
	return map[domain.ServiceType]domain.PoolConfig{
		domain.ServiceTypePlaywright: pool(domain.RoundRobinStrategy, domain.GracefulFailover),
		domain.ServiceTypeGitHub:     pool(domain.LeastConnectionsStrategy, domain.CircuitBreakerFailover),
		domain.ServiceTypeWebSearch:  pool(domain.FastestResponseStrategy, domain.RetryWithBackoffFailover),
		domain.ServiceTypeCustom:     pool(domain.ResourceAwareStrategy, domain.GracefulFailover),
	}
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	config, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", filename, err)
	}
	return config, nil
}

// Parse decodes YAML over the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate validates the configuration for correctness
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if _, err := c.ToPools(); err != nil {
		return err
	}
	if _, err := c.ToInstances(); err != nil {
		return err
	}

	hm := c.HealthMonitoring
	if hm.Interval <= 0 {
		return fmt.Errorf("health_monitoring.interval must be positive")
	}
	if hm.ProbeTimeout <= 0 {
		return fmt.Errorf("health_monitoring.probe_timeout must be positive")
	}
	if hm.PredictionWindow <= 0 {
		return fmt.Errorf("health_monitoring.prediction_window must be positive")
	}
	if hm.MaxSamples < 0 || hm.MaxConcurrentProbes < 0 || hm.TrendWindow < 0 || hm.MinSamples < 0 {
		return fmt.Errorf("health_monitoring counts cannot be negative")
	}
	if hm.ScoreThreshold < 0 || hm.ScoreThreshold > 1 {
		return fmt.Errorf("health_monitoring.score_threshold must be in [0, 1], got %v", hm.ScoreThreshold)
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limit.requests_per_second must be positive")
		}
		if c.RateLimit.BurstSize <= 0 {
			return fmt.Errorf("rate_limit.burst_size must be positive")
		}
	}

	if c.Reload.Enabled && c.Reload.Interval <= 0 {
		return fmt.Errorf("reload.interval must be positive")
	}

	if c.Discovery.Enabled {
		if c.Discovery.Endpoint == "" {
			return fmt.Errorf("discovery.endpoint is required when discovery is enabled")
		}
		if c.Discovery.Interval <= 0 || c.Discovery.Timeout <= 0 {
			return fmt.Errorf("discovery.interval and discovery.timeout must be positive")
		}
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid log output: %s", c.Logging.Output)
	}

	return nil
}

// ToPools converts the configured pools to domain pool configurations. The default
// pools are returned when none are configured.
func (c *Config) ToPools() (map[domain.ServiceType]domain.PoolConfig, error) {
	if len(c.ServicePools) == 0 {
		return DefaultPools(), nil
	}

	names := make([]string, 0, len(c.ServicePools))
	for name := range c.ServicePools {
		names = append(names, name)
	}
	sort.Strings(names)

	pools := make(map[domain.ServiceType]domain.PoolConfig, len(names))
	for _, name := range names {
		serviceType, err := domain.ParseServiceType(name)
		if err != nil {
			return nil, fmt.Errorf("service_pools.%s: %w", name, err)
		}
		pool, err := c.ServicePools[name].toDomain()
		if err != nil {
			return nil, fmt.Errorf("service_pools.%s: %w", name, err)
		}
		pools[serviceType] = pool
	}
	return pools, nil
}

func (p PoolConfig) toDomain() (domain.PoolConfig, error) {
	cfg := domain.DefaultPoolConfig()

	if p.Strategy != "" {
		strategy, err := domain.ParseStrategy(p.Strategy)
		if err != nil {
			return cfg, err
		}
		cfg.Strategy = strategy
	}
	if p.FailoverPolicy != "" {
		policy, err := domain.ParseFailoverPolicy(p.FailoverPolicy)
		if err != nil {
			return cfg, err
		}
		cfg.FailoverPolicy = policy
	}
	if len(p.Weights) > 0 {
		cfg.Weights = make(map[string]float64, len(p.Weights))
		for id, w := range p.Weights {
			cfg.Weights[id] = w
		}
	}
	if p.CircuitBreakerThreshold != 0 {
		cfg.CircuitBreakerThreshold = p.CircuitBreakerThreshold
	}
	if p.CircuitBreakerTimeout != 0 {
		cfg.CircuitBreakerTimeout = p.CircuitBreakerTimeout
	}
	if p.HealthCheckInterval != 0 {
		cfg.HealthCheckInterval = p.HealthCheckInterval
	}
	if p.MaxRetries != nil {
		cfg.MaxRetries = *p.MaxRetries
	}
	if p.RetryDelay != 0 {
		cfg.RetryDelay = p.RetryDelay
	}

	return cfg, cfg.Validate()
}

// ToInstances converts the configured services to domain instances
func (c *Config) ToInstances() ([]*domain.ServiceInstance, error) {
	instances := make([]*domain.ServiceInstance, 0, len(c.Services))
	seen := make(map[string]bool, len(c.Services))

	for i, sc := range c.Services {
		if sc.ID == "" {
			return nil, fmt.Errorf("services[%d]: id cannot be empty", i)
		}
		if seen[sc.ID] {
			return nil, fmt.Errorf("services[%d]: duplicate id '%s'", i, sc.ID)
		}
		seen[sc.ID] = true

		inst, err := sc.ToInstance()
		if err != nil {
			return nil, fmt.Errorf("services[%d]: %w", i, err)
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// ToInstance converts one service entry to a domain instance
func (sc ServiceConfig) ToInstance() (*domain.ServiceInstance, error) {
	serviceType, err := domain.ParseServiceType(sc.Type)
	if err != nil {
		return nil, err
	}

	name := sc.Name
	if name == "" {
		name = sc.ID
	}
	inst := domain.NewServiceInstance(sc.ID, name, serviceType, sc.Host, sc.Port)
	if sc.Path != "" {
		inst.Path = sc.Path
	}
	if sc.Protocol != "" {
		inst.Protocol = sc.Protocol
	}
	inst.HealthCheckURL = sc.HealthCheckURL
	inst.Description = sc.Description
	inst.Tags = append([]string(nil), sc.Tags...)
	if len(sc.Metadata) > 0 {
		inst.Metadata = make(map[string]string, len(sc.Metadata))
		for k, v := range sc.Metadata {
			inst.Metadata[k] = v
		}
	}

	if err := inst.Validate(); err != nil {
		return nil, err
	}
	return inst, nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Config) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", filename, err)
	}

	return nil
}

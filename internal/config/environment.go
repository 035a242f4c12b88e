package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variables read by ApplyEnvironment
const (
	EnvConfigFile          = "ORCH_CONFIG_FILE"
	EnvPort                = "ORCH_PORT"
	EnvLogLevel            = "ORCH_LOG_LEVEL"
	EnvLogFormat           = "ORCH_LOG_FORMAT"
	EnvLogOutput           = "ORCH_LOG_OUTPUT"
	EnvRedisURL            = "ORCH_REDIS_URL"
	EnvChannelPrefix       = "ORCH_EVENT_CHANNEL_PREFIX"
	EnvHealthCheckInterval = "ORCH_HEALTH_CHECK_INTERVAL"
	EnvProbeTimeout        = "ORCH_PROBE_TIMEOUT"
	EnvRateLimitEnabled    = "ORCH_RATE_LIMIT_ENABLED"
	EnvRateLimitRPS        = "ORCH_RATE_LIMIT_RPS"
	EnvRateLimitBurst      = "ORCH_RATE_LIMIT_BURST"
	EnvReloadEnabled       = "ORCH_CONFIG_RELOAD"
	EnvDiscoveryEndpoint   = "ORCH_DISCOVERY_ENDPOINT"
)

// ApplyEnvironment overrides configuration values with ORCH_* environment variables.
// Malformed values are reported instead of silently ignored.
func ApplyEnvironment(config *Config) error {
	if port := getEnv(EnvPort, ""); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return fmt.Errorf("%s: invalid port %q", EnvPort, port)
		}
		config.Server.Port = p
	}

	if level := getEnv(EnvLogLevel, ""); level != "" {
		config.Logging.Level = strings.ToLower(level)
	}
	if format := getEnv(EnvLogFormat, ""); format != "" {
		config.Logging.Format = strings.ToLower(format)
	}
	if output := getEnv(EnvLogOutput, ""); output != "" {
		config.Logging.Output = strings.ToLower(output)
	}

	if url := getEnv(EnvRedisURL, ""); url != "" {
		config.Events.RedisURL = url
	}
	if prefix := getEnv(EnvChannelPrefix, ""); prefix != "" {
		config.Events.ChannelPrefix = prefix
	}

	if err := setDuration(EnvHealthCheckInterval, &config.HealthMonitoring.Interval); err != nil {
		return err
	}
	if err := setDuration(EnvProbeTimeout, &config.HealthMonitoring.ProbeTimeout); err != nil {
		return err
	}

	if enabled := getEnv(EnvRateLimitEnabled, ""); enabled != "" {
		b, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRateLimitEnabled, err)
		}
		config.RateLimit.Enabled = b
	}
	if rps := getEnv(EnvRateLimitRPS, ""); rps != "" {
		r, err := strconv.ParseFloat(rps, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRateLimitRPS, err)
		}
		config.RateLimit.RequestsPerSecond = r
	}
	if burst := getEnv(EnvRateLimitBurst, ""); burst != "" {
		b, err := strconv.Atoi(burst)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRateLimitBurst, err)
		}
		config.RateLimit.BurstSize = b
	}

	if enabled := getEnv(EnvReloadEnabled, ""); enabled != "" {
		b, err := strconv.ParseBool(enabled)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvReloadEnabled, err)
		}
		config.Reload.Enabled = b
	}

	if endpoint := getEnv(EnvDiscoveryEndpoint, ""); endpoint != "" {
		config.Discovery.Enabled = true
		config.Discovery.Endpoint = endpoint
	}

	return nil
}

// Load builds the configuration with priority: env vars > config file > defaults.
// An empty filename falls back to ORCH_CONFIG_FILE; a missing file means defaults.
func Load(filename string) (*Config, string, error) {
	if filename == "" {
		filename = getEnv(EnvConfigFile, "")
	}

	config := DefaultConfig()
	if filename != "" {
		if _, err := os.Stat(filename); err == nil {
			loaded, err := LoadFromFile(filename)
			if err != nil {
				return nil, filename, err
			}
			config = loaded
		} else if !os.IsNotExist(err) {
			return nil, filename, fmt.Errorf("failed to stat config file %s: %w", filename, err)
		} else {
			filename = ""
		}
	}

	if err := ApplyEnvironment(config); err != nil {
		return nil, filename, err
	}

	if err := config.Validate(); err != nil {
		return nil, filename, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, filename, nil
}

// getEnv gets environment variable with fallback to default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setDuration(key string, target *time.Duration) error {
	value := getEnv(key, "")
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*target = d
	return nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mir00r/mcp-orchestrator/internal/config"
	"github.com/mir00r/mcp-orchestrator/internal/domain"
	"github.com/mir00r/mcp-orchestrator/internal/events"
	"github.com/mir00r/mcp-orchestrator/internal/service"
	"github.com/mir00r/mcp-orchestrator/pkg/logger"
)

const adminUsage = `Usage: orchestrator -admin <command>
Commands:
  health-check     - Probe every configured service once
  validate-config  - Validate the configuration
  pools            - Print the effective pool configuration
  tail-events      - Print events relayed through Redis until interrupted`

// runAdminProcess runs a one-off management command
func runAdminProcess(command, configPath string) error {
	switch command {
	case "health-check":
		return runHealthCheck(configPath)
	case "validate-config", "validate":
		return runConfigValidation(configPath)
	case "pools":
		return runPools(configPath)
	case "tail-events":
		return runTailEvents(configPath)
	default:
		fmt.Println(adminUsage)
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runHealthCheck probes every configured service concurrently and prints the results
func runHealthCheck(configPath string) error {
	cfg, _, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	instances, err := cfg.ToInstances()
	if err != nil {
		return err
	}
	if len(instances) == 0 {
		fmt.Println("No services configured")
		return nil
	}

	prober := service.NewProtocolProber(nil)
	results := make([]service.ProbeResult, len(instances))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, inst := range instances {
		i, inst := i, inst
		g.Go(func() error {
			probeCtx, probeCancel := context.WithTimeout(gctx, cfg.HealthMonitoring.ProbeTimeout)
			defer probeCancel()
			results[i] = prober.Probe(probeCtx, inst)
			return nil
		})
	}
	_ = g.Wait()

	fmt.Printf("Checked %d services:\n", len(instances))
	unhealthy := 0
	for i, inst := range instances {
		result := results[i]
		status := fmt.Sprintf("healthy (%s)", result.ResponseTime.Round(time.Millisecond))
		switch {
		case result.Err != nil:
			status = fmt.Sprintf("unreachable: %v", result.Err)
			unhealthy++
		case !result.Healthy:
			status = fmt.Sprintf("unhealthy: HTTP %d", result.StatusCode)
			unhealthy++
		case result.Degraded:
			status = fmt.Sprintf("degraded: %v", result.Errors)
		}
		fmt.Printf("  %-20s %-10s %s: %s\n", inst.ID, inst.Type, inst.URL(), status)
	}

	if unhealthy > 0 {
		return fmt.Errorf("%d of %d services are unhealthy", unhealthy, len(instances))
	}
	return nil
}

// runConfigValidation validates the configuration
func runConfigValidation(configPath string) error {
	cfg, configFile, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if _, err := service.OptionsFromConfig(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if configFile == "" {
		configFile = "(defaults)"
	}
	fmt.Println("Configuration validation passed")
	fmt.Printf("Source: %s\n", configFile)
	fmt.Printf("Port: %d\n", cfg.Server.Port)
	fmt.Printf("Services: %d\n", len(cfg.Services))
	fmt.Printf("Health check interval: %s\n", cfg.HealthMonitoring.Interval)
	fmt.Printf("Event relay: %t\n", cfg.Events.RedisURL != "")
	fmt.Printf("Rate limiting: %t\n", cfg.RateLimit.Enabled)
	return nil
}

// runPools prints the pool configuration the orchestrator would apply
func runPools(configPath string) error {
	cfg, _, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	pools, err := cfg.ToPools()
	if err != nil {
		return err
	}

	types := make([]string, 0, len(pools))
	for serviceType := range pools {
		types = append(types, string(serviceType))
	}
	sort.Strings(types)

	for _, name := range types {
		pool := pools[domain.ServiceType(name)]
		fmt.Printf("%-12s strategy=%-20s failover=%-18s breaker=%.2f/%s retries=%d delay=%s\n",
			name, pool.Strategy, pool.FailoverPolicy,
			pool.CircuitBreakerThreshold, pool.CircuitBreakerTimeout,
			pool.MaxRetries, pool.RetryDelay)
	}
	return nil
}

// runTailEvents prints orchestration events published by running orchestrators
func runTailEvents(configPath string) error {
	cfg, _, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Events.RedisURL == "" {
		return fmt.Errorf("events.redis_url is not configured")
	}

	relay, err := events.DialRedisRelay(cfg.Events.RedisURL, cfg.Events.ChannelPrefix, logger.NewNop())
	if err != nil {
		return err
	}
	defer relay.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := relay.Ping(ctx); err != nil {
		return fmt.Errorf("redis is unreachable: %w", err)
	}

	fmt.Printf("Listening for events on %s*\n", cfg.Events.ChannelPrefix)
	err = relay.Consume(ctx, events.AllTopics(), func(ctx context.Context, e events.Event) error {
		fmt.Printf("%s %-24s %v\n", e.Timestamp.Format(time.RFC3339), e.Topic, e.Payload)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

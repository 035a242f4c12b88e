package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/mir00r/mcp-orchestrator/internal/config"
	"github.com/mir00r/mcp-orchestrator/internal/discovery"
	"github.com/mir00r/mcp-orchestrator/internal/events"
	"github.com/mir00r/mcp-orchestrator/internal/handler"
	"github.com/mir00r/mcp-orchestrator/internal/middleware"
	"github.com/mir00r/mcp-orchestrator/internal/service"
	"github.com/mir00r/mcp-orchestrator/pkg/logger"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file (defaults to $ORCH_CONFIG_FILE)")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	admin := flag.String("admin", "", "run a one-off admin command instead of the server")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Printf("Failed to load env file %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	if *admin != "" {
		if err := runAdminProcess(*admin, *configPath); err != nil {
			fmt.Printf("Command failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Printf("Orchestrator failed: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, configFile, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	opts, err := service.OptionsFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	opts.Collector = service.NewMetricsCollector()

	if cfg.Events.RedisURL != "" {
		relay, err := events.DialRedisRelay(cfg.Events.RedisURL, cfg.Events.ChannelPrefix, log)
		if err != nil {
			return fmt.Errorf("failed to configure event relay: %w", err)
		}
		opts.Relay = relay
	}

	log.WithFields(map[string]interface{}{
		"version":     version,
		"config_file": configFile,
		"pools":       len(opts.Pools),
		"services":    len(opts.Services),
		"event_relay": opts.Relay != nil,
		"process":     getProcessInfo(),
	}).Info("Starting MCP orchestrator")

	orch := service.NewOrchestrator(opts, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	reloader := service.NewConfigReloadService(cfg, orch, configFile, cfg.Reload.Interval, log)
	if cfg.Reload.Enabled && configFile != "" {
		if err := reloader.StartWatcher(); err != nil {
			log.WithError(err).Warn("Configuration watcher not started")
		}
	}

	var syncer *discovery.Syncer
	if cfg.Discovery.Enabled {
		provider, err := discovery.NewHTTPProvider(cfg.Discovery, log)
		if err != nil {
			return fmt.Errorf("failed to configure service discovery: %w", err)
		}
		syncer = discovery.NewSyncer(cfg.Discovery, provider, orch, log)
		if err := syncer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start service discovery: %w", err)
		}
	}

	httpMetrics, err := middleware.NewHTTPMetrics(opts.Collector.Registry())
	if err != nil {
		return fmt.Errorf("failed to register HTTP metrics: %w", err)
	}

	adminHandler := handler.NewAdminHandler(orch, reloader, version, log)
	router := adminHandler.NewRouter(httpMetrics.Middleware())

	middlewares := []func(http.Handler) http.Handler{
		middleware.RequestIDMiddleware(),
		middleware.RecoveryMiddleware(log),
		middleware.LoggingMiddleware(log),
		middleware.SecurityHeadersMiddleware(),
	}
	if cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(cfg.RateLimit, log)
		middlewares = append(middlewares, rateLimiter.RateLimitMiddleware())
		log.Info("Rate limiting enabled")
	}

	var finalHandler http.Handler = router
	for i := len(middlewares) - 1; i >= 0; i-- {
		finalHandler = middlewares[i](finalHandler)
	}

	port := getPort(cfg.Server.Port)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      finalHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.WithField("port", port).Info("Starting admin API server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Info("Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.WithError(err).Error("Admin API server failed")
			runErr = err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error shutting down admin API server")
	}
	if syncer != nil {
		syncer.Stop()
	}
	reloader.StopWatcher()
	if err := orch.Close(shutdownCtx); err != nil {
		log.WithError(err).Error("Error stopping orchestrator")
	}

	log.Info("Orchestrator stopped gracefully")
	return runErr
}

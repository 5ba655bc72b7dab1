// Command remotefs runs the remote filesystem operation daemon: an HTTP
// API in front of the operation engine, with locations loaded from the
// configuration file.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/patchpanel/remotefs/internal/logger"
	"github.com/patchpanel/remotefs/pkg/api"
	"github.com/patchpanel/remotefs/pkg/config"
	"github.com/patchpanel/remotefs/pkg/engine"
	"github.com/patchpanel/remotefs/pkg/metrics"
	prommetrics "github.com/patchpanel/remotefs/pkg/metrics/prometheus"
	"github.com/patchpanel/remotefs/pkg/pool"
	"github.com/patchpanel/remotefs/pkg/progress"
)

// setupLogOutput points the logger at the configured destination. The
// file handle, when one is opened, stays open for the process lifetime.
func setupLogOutput(output string) error {
	switch output {
	case "", "stderr":
		logger.SetOutput(os.Stderr)
	case "stdout":
		logger.SetOutput(os.Stdout)
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		logger.SetOutput(f)
	}
	return nil
}

func main() {
	configPath := flag.String("config", "", "Path to config file (default: "+config.GetDefaultConfigPath()+")")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger.SetLevel(cfg.Logging.Level)
	if err := setupLogOutput(cfg.Logging.Output); err != nil {
		log.Fatalf("Failed to open log output: %v", err)
	}
	logger.Info("remotefs starting")

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		logger.Info("Prometheus metrics enabled at %s", cfg.Metrics.Path)
	}

	reg, err := config.BuildRegistry(cfg)
	if err != nil {
		log.Fatalf("Failed to build location registry: %v", err)
	}
	for _, loc := range reg.ListLocations() {
		logger.Info("Location registered: %s (%s, root %s)", loc.ID, loc.BackendType, loc.RootPath)
	}

	store, err := config.CreateJobStore(cfg)
	if err != nil {
		log.Fatalf("Failed to create job store: %v", err)
	}
	defer store.Close()
	logger.Info("Job store: %s", cfg.Jobs.Type)

	connPool := pool.New(pool.Config{
		DialTimeout:      cfg.Pool.DialTimeout,
		DegradedCooldown: cfg.Pool.DegradedCooldown,
		IdleTimeout:      cfg.Pool.IdleTimeout,
		SweepInterval:    cfg.Pool.SweepInterval,
		Metrics:          prommetrics.NewPoolMetrics(),
	})
	defer connPool.Close()

	publisher := progress.New(cfg.Progress.BufferSize)
	defer publisher.Close()

	eng := engine.New(reg, connPool, store, publisher, engine.Config{
		DefaultMaxConcurrent: cfg.Engine.MaxConcurrent,
		OpTimeout:            cfg.Engine.OperationTimeout,
		OpsPerSecond:         cfg.Engine.OpsPerSecond,
		OpsBurst:             cfg.Engine.OpsBurst,
		ProgressMinInterval:  cfg.Progress.MinInterval,
		ProgressByteDelta:    cfg.Progress.ByteDelta,
		Metrics:              prommetrics.NewOperationMetrics(),
	})

	server := api.New(api.Dependencies{
		Engine:      eng,
		Registry:    reg,
		MetricsPath: cfg.Metrics.Path,
	})

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.Listen(cfg.Server.ListenAddr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("remotefs is running on %s. Press Ctrl+C to stop.", cfg.Server.ListenAddr)

	select {
	case <-sigChan:
		logger.Info("Shutdown signal received, initiating graceful shutdown...")

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error: %v", err)
			os.Exit(1)
		}
		logger.Info("Server stopped gracefully")

	case err := <-serverDone:
		if err != nil {
			logger.Error("Server error: %v", err)
			os.Exit(1)
		}
		logger.Info("Server stopped")
	}
}

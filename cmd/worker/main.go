// Package main provides a posting worker: it registers with the governor,
// heartbeats, pulls assigned jobs, and publishes them to its platforms.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/postflow/governor/internal/config"
	"github.com/postflow/governor/internal/logger"
	"github.com/postflow/governor/internal/registry"
	"github.com/postflow/governor/internal/worker"
	"github.com/postflow/governor/pkg/client"
)

func main() {
	// Load configuration
	cfg, err := config.LoadWorkerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.New(logger.DefaultConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	logger.SetDefault(log)

	workerLog := log.WithComponent(logger.ComponentWorker)
	workerLog.Info("Worker starting", "config", cfg.String())

	// Start pprof server on separate port for profiling
	pprofPort := os.Getenv("PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6061"
	}
	go func() {
		workerLog.Info("Starting pprof server", "port", pprofPort, "url", fmt.Sprintf("http://localhost:%s/debug/pprof/", pprofPort))
		if err := http.ListenAndServe(":"+pprofPort, nil); err != nil {
			workerLog.Error("pprof server failed", "error", err)
		}
	}()

	// Register with the governor, retrying while it comes up
	c := client.New(cfg)
	reg := registry.Registration{
		Name:              cfg.Name,
		Platforms:         cfg.Platforms,
		MaxConcurrentJobs: cfg.MaxConcurrentJobs,
		MinJobInterval:    cfg.MinJobInterval,
		MaxJobsPerHour:    cfg.MaxJobsPerHour,
		Priority:          cfg.Priority,
	}
	if reg.Name == "" {
		host, _ := os.Hostname()
		reg.Name = "worker-" + host
	}

	var registered registry.Worker
	for attempt := 0; ; attempt++ {
		regCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		registered, err = c.Register(regCtx, reg)
		cancel()
		if err == nil {
			break
		}
		if attempt >= 5 {
			workerLog.Error("Failed to register with governor", "error", err)
			os.Exit(1)
		}

		delay := time.Duration(1<<uint(attempt)) * time.Second
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
		workerLog.Warn("Registration failed, retrying",
			"attempt", attempt+1,
			"error", err,
			"retry_in", delay)
		time.Sleep(delay)
	}

	workerLog.Info("Registered with governor",
		"worker_id", registered.ID,
		"name", registered.Name,
		"platforms", cfg.Platforms,
		"token_expires", c.TokenExpiresAt().Format(time.RFC3339))

	// Register platform handlers. The simulated handlers stand in until
	// real platform clients are configured.
	handlers := worker.NewRegistry()
	for _, platform := range cfg.Platforms {
		handlers.Register(platform, worker.NewSimulatedHandler(platform, 500*time.Millisecond))
	}
	workerLog.Info("Registered platform handlers", "platforms", handlers.Platforms())

	executor := worker.NewExecutor(handlers, 2*time.Minute)
	pool := worker.NewPool(c, executor, cfg.MaxConcurrentJobs, cfg.PullInterval, cfg.HeartbeatInterval)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	pool.Start(ctx)

	// Wait for shutdown signal
	sig := <-sigChan
	workerLog.Info("Received shutdown signal, initiating graceful shutdown", "signal", sig)

	// Cancel context to stop pull loops, then drain in-flight jobs
	cancel()
	pool.Stop()

	workerLog.Info("Worker shut down successfully")
}

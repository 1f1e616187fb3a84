// Package main provides the governor API server: worker registration and
// job endpoints plus the operator surface, backed by Redis and the SQLite
// archive.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" // #nosec G108 - pprof is intentionally exposed for debugging, isolated to separate port
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/postflow/governor/internal/api"
	"github.com/postflow/governor/internal/archive"
	"github.com/postflow/governor/internal/config"
	"github.com/postflow/governor/internal/delivery"
	"github.com/postflow/governor/internal/dispatch"
	"github.com/postflow/governor/internal/governor"
	"github.com/postflow/governor/internal/limits"
	"github.com/postflow/governor/internal/logger"
	"github.com/postflow/governor/internal/registry"
	"github.com/postflow/governor/internal/rest"
	"github.com/postflow/governor/internal/violation"
)

// connectWithRetry attempts to connect to Redis with exponential backoff
func connectWithRetry(redisURL string, maxRetries int, log logger.Logger) (*redis.Client, error) {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid Redis URL: %w", err)
		}

		client := redis.NewClient(opts)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = client.Ping(ctx).Err()
		cancel()
		if err == nil {
			return client, nil
		}
		_ = client.Close()
		lastErr = err

		// Calculate exponential backoff delay: 2^attempt seconds (max 30 seconds)
		delay := time.Duration(1<<uint(attempt)) * time.Second
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}

		log.Warn("Failed to connect to Redis, retrying",
			"attempt", attempt+1,
			"max_attempts", maxRetries,
			"error", err,
			"retry_in", delay)

		time.Sleep(delay)
	}

	return nil, fmt.Errorf("failed to connect to Redis after %d attempts: %w", maxRetries, lastErr)
}

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := log.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to close logger: %v\n", err)
		}
	}()

	// Set as default logger
	logger.SetDefault(log)

	// Create component-specific logger
	apiLog := log.WithComponent(logger.ComponentAPI)

	apiLog.Info("API server starting",
		"redis_url", cfg.RedisURL,
		"api_port", cfg.APIPort,
		"key_prefix", cfg.KeyPrefix)

	// Start pprof server on separate port for profiling
	pprofPort := os.Getenv("PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6060"
	}
	go func() {
		apiLog.Info("Starting pprof server", "port", pprofPort, "url", fmt.Sprintf("http://localhost:%s/debug/pprof/", pprofPort))
		pprofServer := &http.Server{
			Addr:              ":" + pprofPort,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := pprofServer.ListenAndServe(); err != nil {
			apiLog.Error("pprof server failed", "error", err)
		}
	}()

	// Connect to Redis with retry logic
	client, err := connectWithRetry(cfg.RedisURL, 5, apiLog)
	if err != nil {
		apiLog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	apiLog.Info("Successfully connected to Redis")

	// Open the SQLite archive (violation history, swept counters, analytics)
	arch, err := archive.Open(cfg.ArchivePath)
	if err != nil {
		apiLog.Error("Failed to open archive", "path", cfg.ArchivePath, "error", err)
		os.Exit(1)
	}
	defer arch.Close()

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wire up the components behind the API surface
	reg := registry.NewRegistry(client, cfg.KeyPrefix, cfg.WorkerSecret, cfg.WorkerTokenTTL)
	queue := dispatch.NewDueQueue(client, cfg.KeyPrefix)
	statuses := delivery.NewRedisBackend(client, cfg.KeyPrefix, cfg.DeliveryTTLSuccess, cfg.DeliveryTTLFailure)
	defer statuses.Close()

	dopts := dispatch.DefaultOptions()
	dopts.MaxRetries = cfg.MaxRetries
	dopts.BackoffBase = cfg.RetryBackoffBase
	dopts.ExcludeTTL = cfg.ExcludeTTL
	dopts.StuckFactor = cfg.StuckFactor
	disp := dispatch.NewDispatcher(client, reg, queue, statuses, cfg.KeyPrefix, dopts)

	counters := limits.NewStore(client, cfg.KeyPrefix)
	rests := rest.NewManager(client, cfg.KeyPrefix)
	violations := violation.NewRecorder(client, arch, cfg.KeyPrefix)
	catalog := governor.NewRedisCatalog(client, cfg.KeyPrefix)

	// Health monitor marks workers offline when heartbeats lapse. The API
	// process runs it so a standalone deployment stays complete; the monitor
	// lock keeps multi-instance deployments from sweeping twice.
	monitor := registry.NewMonitor(reg, client, cfg.HeartbeatInterval, cfg.HeartbeatTimeout)
	go monitor.Run(ctx)

	server := api.NewServer(reg, disp, queue, counters, rests, violations, catalog, statuses,
		cfg.WorkerAPIRate, cfg.WorkerAPIBurst)

	addr := ":" + cfg.APIPort
	apiLog.Info("API server listening", "address", addr)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case sig := <-sigChan:
		apiLog.Info("Received shutdown signal, initiating graceful shutdown", "signal", sig)
	case err := <-errChan:
		apiLog.Error("API server failed", "error", err)
		os.Exit(1)
	}

	// Stop the health monitor, then drain in-flight requests
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		apiLog.Error("Failed to shut down API server cleanly", "error", err)
	}

	apiLog.Info("API server shut down successfully")
}

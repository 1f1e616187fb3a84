// Package main provides the governor evaluation process: the pool that
// decides whether, when, and on which account each due post executes, plus
// the periodic maintenance tasks (counter sweeps, analytics rollups, retry
// and stuck-job processing).
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

	"github.com/redis/go-redis/v9"

	"github.com/postflow/governor/internal/analytics"
	"github.com/postflow/governor/internal/archive"
	"github.com/postflow/governor/internal/config"
	"github.com/postflow/governor/internal/delivery"
	"github.com/postflow/governor/internal/dispatch"
	"github.com/postflow/governor/internal/governor"
	"github.com/postflow/governor/internal/limits"
	"github.com/postflow/governor/internal/logger"
	"github.com/postflow/governor/internal/registry"
	"github.com/postflow/governor/internal/rest"
	"github.com/postflow/governor/internal/scheduler"
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
	defer log.Close()

	// Set as default logger
	logger.SetDefault(log)

	// Create component-specific logger
	govLog := log.WithComponent(logger.ComponentGovernor)

	govLog.Info("Governor starting",
		"redis_url", cfg.RedisURL,
		"concurrency", cfg.EvalConcurrency,
		"poll_interval", cfg.PollInterval)

	// Start pprof server on separate port for profiling
	pprofPort := os.Getenv("PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6062"
	}
	go func() {
		govLog.Info("Starting pprof server", "port", pprofPort, "url", fmt.Sprintf("http://localhost:%s/debug/pprof/", pprofPort))
		if err := http.ListenAndServe(":"+pprofPort, nil); err != nil {
			govLog.Error("pprof server failed", "error", err)
		}
	}()

	// Connect to Redis with retry logic
	client, err := connectWithRetry(cfg.RedisURL, 5, govLog)
	if err != nil {
		govLog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	govLog.Info("Successfully connected to Redis")

	// Open the SQLite archive (violation history, swept counters, analytics)
	arch, err := archive.Open(cfg.ArchivePath)
	if err != nil {
		govLog.Error("Failed to open archive", "path", cfg.ArchivePath, "error", err)
		os.Exit(1)
	}
	defer arch.Close()

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wire up the evaluation pipeline
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
	scores := analytics.NewAggregator(client, arch, cfg.KeyPrefix, cfg.ScoreHalfLife)
	catalog := governor.NewRedisCatalog(client, cfg.KeyPrefix)

	gopts := governor.DefaultOptions()
	gopts.Concurrency = cfg.EvalConcurrency
	gopts.PollInterval = cfg.PollInterval
	gopts.PollBatch = cfg.PollBatchSize
	gov := governor.NewGovernor(client, catalog, counters, rests, violations, scores, queue, disp, cfg.KeyPrefix, gopts)

	// Register maintenance tasks. Each runs under a distributed lock so a
	// multi-instance deployment fires every task exactly once per due tick.
	tasks := scheduler.NewRegistry()
	tasks.MustRegister(&scheduler.Task{
		ID:      "counter_sweep",
		Cron:    cfg.SweeperSchedule,
		Enabled: true,
		Run: func(ctx context.Context, now time.Time) error {
			swept, err := counters.Sweep(ctx, arch, now)
			if err != nil {
				return err
			}
			if swept > 0 {
				govLog.Info("Swept expired counters to archive", "count", swept)
			}
			return nil
		},
	})
	tasks.MustRegister(&scheduler.Task{
		ID:      "analytics_rollup",
		Cron:    cfg.AnalyticsSchedule,
		Enabled: true,
		Run: func(ctx context.Context, now time.Time) error {
			rolled, err := scores.RunOnce(ctx, now)
			if err != nil {
				return err
			}
			if rolled > 0 {
				govLog.Debug("Rolled up account scores", "count", rolled)
			}
			return nil
		},
	})
	runner := scheduler.NewCronRunner(tasks, client, cfg.KeyPrefix, 10*time.Second)
	go runner.Start(ctx)

	// Retry and stuck-job processing needs sub-minute resolution, so it runs
	// on a plain ticker rather than a cron task.
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				now := time.Now()
				if moved, err := disp.ProcessRetries(ctx, now); err != nil {
					govLog.Error("Error processing dispatch retries", "error", err)
				} else if moved > 0 {
					govLog.Info("Re-dispatched retryable jobs", "count", moved)
				}
				if reclaimed, err := disp.ReclaimStuck(ctx, now); err != nil {
					govLog.Error("Error reclaiming stuck jobs", "error", err)
				} else if reclaimed > 0 {
					govLog.Warn("Reclaimed stuck jobs", "count", reclaimed)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Start the evaluation pool
	gov.Start(ctx)
	govLog.Info("Governor ready - evaluating due posts")

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Wait for shutdown signal
	sig := <-sigChan
	govLog.Info("Received shutdown signal, initiating graceful shutdown", "signal", sig)

	// Cancel context to stop maintenance loops, then drain the pool
	cancel()
	gov.Stop()

	govLog.Info("Governor shut down successfully")
}

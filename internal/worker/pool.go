package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postflow/governor/internal/dispatch"
	"github.com/postflow/governor/internal/logger"
	"github.com/postflow/governor/internal/metrics"
	"github.com/postflow/governor/internal/registry"
)

// Source is where the pool pulls jobs from and reports back to. The HTTP
// client in pkg/client satisfies this.
type Source interface {
	PullJob(ctx context.Context) (*dispatch.WorkerJob, error)
	ReportResult(ctx context.Context, jobID string, res dispatch.JobResult) error
	Heartbeat(ctx context.Context, load int, health registry.Health) error
}

// Pool manages a pool of pull loops that fetch jobs from the governor and
// execute them, plus a heartbeat loop that reports load and health
type Pool struct {
	source            Source
	executor          *Executor
	concurrency       int
	pullInterval      time.Duration
	heartbeatInterval time.Duration
	log               logger.Logger

	wg         sync.WaitGroup
	stopChan   chan struct{}
	stopOnce   sync.Once
	activeJobs atomic.Int64
	// consecutive pull/report failures across all loops, drives health
	failures atomic.Int64

	maxRetryBackoff time.Duration
}

// NewPool creates a new worker pool
func NewPool(source Source, executor *Executor, concurrency int, pullInterval, heartbeatInterval time.Duration) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	if pullInterval <= 0 {
		pullInterval = 2 * time.Second
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = 30 * time.Second
	}
	return &Pool{
		source:            source,
		executor:          executor,
		concurrency:       concurrency,
		pullInterval:      pullInterval,
		heartbeatInterval: heartbeatInterval,
		log:               logger.Default().WithComponent(logger.ComponentWorker),
		stopChan:          make(chan struct{}),
		maxRetryBackoff:   30 * time.Second,
	}
}

// ActiveJobs returns how many jobs are executing right now
func (p *Pool) ActiveJobs() int {
	return int(p.activeJobs.Load())
}

// Health reports the pool's view of its own state based on how many
// consecutive governor calls have failed
func (p *Pool) Health() registry.Health {
	switch f := p.failures.Load(); {
	case f > 10:
		return registry.HealthUnhealthy
	case f > 3:
		return registry.HealthDegraded
	default:
		return registry.HealthHealthy
	}
}

// Start begins pulling jobs with the configured concurrency
func (p *Pool) Start(ctx context.Context) {
	p.log.Info("Starting worker pool",
		"pull_loops", p.concurrency,
		"pull_interval", p.pullInterval,
		"heartbeat_interval", p.heartbeatInterval)

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.pullLoop(ctx, i+1)
	}

	p.wg.Add(1)
	go p.heartbeatLoop(ctx)

	p.log.Info("Worker pool started successfully")
}

// Stop gracefully shuts down the worker pool with a 30-second timeout
func (p *Pool) Stop() {
	p.log.Info("Stopping worker pool")
	p.stopOnce.Do(func() { close(p.stopChan) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.log.Info("Worker pool stopped gracefully")
	case <-time.After(30 * time.Second):
		p.log.Warn("Worker pool shutdown timed out", "timeout", "30s")
	}
}

// pullLoop is the main loop for each pull goroutine
func (p *Pool) pullLoop(ctx context.Context, loopID int) {
	defer p.wg.Done()

	p.log.Info("Pull loop started", "loop_id", loopID)

	// Track consecutive failures for exponential backoff
	consecutiveFailures := 0

	for {
		select {
		case <-p.stopChan:
			p.log.Info("Pull loop stopping", "loop_id", loopID)
			return
		case <-ctx.Done():
			p.log.Info("Pull loop stopping due to context cancellation", "loop_id", loopID)
			return
		default:
		}

		j, err := p.source.PullJob(ctx)
		if err != nil {
			if ctx.Err() != nil {
				p.log.Info("Pull loop stopping due to context cancellation", "loop_id", loopID)
				return
			}

			consecutiveFailures++
			p.failures.Add(1)

			// Calculate backoff: min(2^failures * 1s, maxBackoff)
			backoff := time.Duration(1<<uint(consecutiveFailures)) * time.Second
			if backoff > p.maxRetryBackoff {
				backoff = p.maxRetryBackoff
			}

			// Log with different severity based on failure count
			if consecutiveFailures <= 3 {
				p.log.Warn("Failed to pull job - retrying with backoff",
					"loop_id", loopID,
					"error", err,
					"consecutive_failures", consecutiveFailures,
					"backoff", backoff)
			} else if consecutiveFailures%10 == 0 {
				// Log every 10th failure after the first 3 to avoid log spam
				p.log.Error("Persistent errors pulling jobs",
					"loop_id", loopID,
					"error", err,
					"consecutive_failures", consecutiveFailures,
					"backoff", backoff)
			}

			if !p.sleep(ctx, backoff) {
				return
			}
			continue
		}

		if consecutiveFailures > 0 {
			p.log.Info("Governor connection recovered", "loop_id", loopID, "after_failures", consecutiveFailures)
			p.failures.Add(int64(-consecutiveFailures))
			consecutiveFailures = 0
		}

		// No job available; wait out the pull interval
		if j == nil {
			if !p.sleep(ctx, p.pullInterval) {
				return
			}
			continue
		}

		p.execute(ctx, loopID, j)
	}
}

// execute runs one job and reports the result
func (p *Pool) execute(ctx context.Context, loopID int, j *dispatch.WorkerJob) {
	active := p.activeJobs.Add(1)
	metrics.Default().RecordWorkerActivity(active, int64(p.concurrency))
	defer func() {
		metrics.Default().RecordWorkerActivity(p.activeJobs.Add(-1), int64(p.concurrency))
	}()

	res := p.executor.Execute(ctx, j)

	if err := p.source.ReportResult(ctx, j.ID, res); err != nil {
		p.failures.Add(1)
		p.log.Error("Failed to report job result",
			"loop_id", loopID,
			"job_id", j.ID,
			"post_id", j.PostID,
			"success", res.Success,
			"error", err)
	}
}

// heartbeatLoop pings the governor on an interval with current load and
// health so the registry keeps this worker eligible
func (p *Pool) heartbeatLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.source.Heartbeat(ctx, p.ActiveJobs(), p.Health()); err != nil {
				p.failures.Add(1)
				p.log.Warn("Heartbeat failed", "error", err)
			}
		}
	}
}

// sleep waits for d unless the pool stops first; returns false on stop
func (p *Pool) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.stopChan:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

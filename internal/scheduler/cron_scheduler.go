// Package scheduler runs the governor's periodic maintenance tasks on cron
// schedules with distributed locking, so each task fires on exactly one
// instance per due tick.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/postflow/governor/internal/lock"
	"github.com/postflow/governor/internal/logger"
)

// CronRunner manages periodic task execution
type CronRunner struct {
	registry  *Registry
	client    *redis.Client
	keyPrefix string
	interval  time.Duration
	lockTTL   time.Duration
	log       logger.Logger
}

// NewCronRunner creates a new cron runner
func NewCronRunner(registry *Registry, client *redis.Client, keyPrefix string, interval time.Duration) *CronRunner {
	return &CronRunner{
		registry:  registry,
		client:    client,
		keyPrefix: keyPrefix,
		interval:  interval,
		lockTTL:   60 * time.Second, // Default: 60s lock TTL
		log:       logger.Default().WithComponent(logger.ComponentScheduler),
	}
}

// SetLockTTL sets the distributed lock TTL (for testing or tuning)
func (cr *CronRunner) SetLockTTL(ttl time.Duration) {
	cr.lockTTL = ttl
}

// Start begins the runner loop
func (cr *CronRunner) Start(ctx context.Context) {
	cr.log.Info("Maintenance runner started",
		"interval", cr.interval,
		"tasks", cr.registry.Count())

	ticker := time.NewTicker(cr.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cr.log.Info("Maintenance runner stopping")
			return
		case <-ticker.C:
			cr.Tick(ctx, time.Now())
		}
	}
}

// Tick checks all tasks and runs the due ones. Exported so tests can drive
// the runner with a synthetic clock.
func (cr *CronRunner) Tick(ctx context.Context, now time.Time) {
	for _, task := range cr.registry.List() {
		if !task.Enabled {
			continue
		}

		if cr.isDue(ctx, task, now) {
			cr.executeTask(ctx, task, now)
		}
	}
}

// isDue checks if a task should run now
func (cr *CronRunner) isDue(ctx context.Context, task *Task, now time.Time) bool {
	state, err := cr.getState(ctx, task.ID)
	if err != nil {
		cr.log.Error("Failed to get task state",
			"task_id", task.ID,
			"error", err)
		return false
	}

	nextRun, err := cr.registry.NextRun(task, state.LastRun)
	if err != nil {
		cr.log.Error("Failed to calculate next run",
			"task_id", task.ID,
			"error", err)
		return false
	}

	// Due if next run time is in the past or equal to now
	// Use 1-second buffer to account for tick timing
	return now.After(nextRun.Add(-1*time.Second)) || now.Equal(nextRun)
}

// executeTask attempts to execute a task
func (cr *CronRunner) executeTask(ctx context.Context, task *Task, now time.Time) {
	lockKey := fmt.Sprintf("%stasklock:%s", cr.keyPrefix, task.ID)

	l, err := lock.Acquire(ctx, cr.client, lockKey, cr.lockTTL)
	if err != nil {
		cr.log.Error("Failed to acquire task lock",
			"task_id", task.ID,
			"error", err)
		return
	}

	if l == nil {
		// Another instance is already running this task
		cr.log.Debug("Task already locked by another instance",
			"task_id", task.ID)
		return
	}

	defer func() {
		if err := l.Release(ctx); err != nil {
			cr.log.Error("Failed to release task lock",
				"task_id", task.ID,
				"error", err)
		}
	}()

	if err := task.Run(ctx, now); err != nil {
		cr.log.Error("Maintenance task failed",
			"task_id", task.ID,
			"error", err)

		// Update state with error - log if update fails but don't fail the operation
		if updateErr := cr.updateState(ctx, task.ID, &TaskState{
			ID:        task.ID,
			LastRun:   now,
			LastError: err.Error(),
		}); updateErr != nil {
			cr.log.Warn("Failed to update task state", "task_id", task.ID, "error", updateErr)
		}
		return
	}

	nextRun, err := cr.registry.NextRun(task, now)
	if err != nil {
		cr.log.Error("Failed to calculate next run time",
			"task_id", task.ID,
			"error", err)
		nextRun = time.Time{} // Zero time
	}

	runCount := cr.incrementRunCount(ctx, task.ID)
	if updateErr := cr.updateState(ctx, task.ID, &TaskState{
		ID:          task.ID,
		LastRun:     now,
		NextRun:     nextRun,
		LastSuccess: now,
		RunCount:    runCount,
		LastError:   "", // Clear error on success
	}); updateErr != nil {
		cr.log.Warn("Failed to update task state", "task_id", task.ID, "error", updateErr)
	}

	cr.log.Debug("Maintenance task completed",
		"task_id", task.ID,
		"next_run", nextRun.Format(time.RFC3339),
		"run_count", runCount)
}

// getState retrieves the current state of a task from Redis
func (cr *CronRunner) getState(ctx context.Context, taskID string) (*TaskState, error) {
	key := cr.stateKey(taskID)

	result, err := cr.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get task state: %w", err)
	}

	// Return default state if not found
	if len(result) == 0 {
		return &TaskState{
			ID:      taskID,
			LastRun: time.Time{}, // Zero time = never run
		}, nil
	}

	state := &TaskState{ID: taskID}

	if lastRun, exists := result["last_run"]; exists && lastRun != "" {
		if parsed, err := time.Parse(time.RFC3339, lastRun); err == nil {
			state.LastRun = parsed
		}
	}

	if nextRun, exists := result["next_run"]; exists && nextRun != "" {
		if parsed, err := time.Parse(time.RFC3339, nextRun); err == nil {
			state.NextRun = parsed
		}
	}

	if lastSuccess, exists := result["last_success"]; exists && lastSuccess != "" {
		if parsed, err := time.Parse(time.RFC3339, lastSuccess); err == nil {
			state.LastSuccess = parsed
		}
	}

	if lastError, exists := result["last_error"]; exists {
		state.LastError = lastError
	}

	if runCount, exists := result["run_count"]; exists && runCount != "" {
		var count int64
		if _, err := fmt.Sscanf(runCount, "%d", &count); err == nil {
			state.RunCount = count
		}
	}

	return state, nil
}

// updateState updates the task state in Redis
func (cr *CronRunner) updateState(ctx context.Context, taskID string, state *TaskState) error {
	key := cr.stateKey(taskID)

	fields := map[string]interface{}{
		"last_run": state.LastRun.Format(time.RFC3339),
	}

	if !state.NextRun.IsZero() {
		fields["next_run"] = state.NextRun.Format(time.RFC3339)
	}

	if !state.LastSuccess.IsZero() {
		fields["last_success"] = state.LastSuccess.Format(time.RFC3339)
	}

	if state.LastError != "" {
		fields["last_error"] = state.LastError
	} else {
		// Clear error field on success
		cr.client.HDel(ctx, key, "last_error")
	}

	return cr.client.HSet(ctx, key, fields).Err()
}

// incrementRunCount increments and returns the run count
func (cr *CronRunner) incrementRunCount(ctx context.Context, taskID string) int64 {
	count, err := cr.client.HIncrBy(ctx, cr.stateKey(taskID), "run_count", 1).Result()
	if err != nil {
		cr.log.Error("Failed to increment run count",
			"task_id", taskID,
			"error", err)
		return 0
	}
	return count
}

func (cr *CronRunner) stateKey(taskID string) string {
	return cr.keyPrefix + "task:" + taskID
}

// GetState retrieves the current state of a task (public method for monitoring)
func (cr *CronRunner) GetState(ctx context.Context, taskID string) (*TaskState, error) {
	return cr.getState(ctx, taskID)
}

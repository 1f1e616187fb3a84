package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/postflow/governor/internal/delivery"
	"github.com/postflow/governor/internal/logger"
	"github.com/postflow/governor/internal/metrics"
	"github.com/postflow/governor/internal/registry"
)

// casScript applies field updates to an assignment only when the caller's
// expected lock version still holds, then bumps the version. Returns the new
// version, or -1 when the compare failed.
//
// KEYS[1] assignment hash
// ARGV[1] expected lock version, ARGV[2..] alternating field/value pairs
var casScript = redis.NewScript(`
local v = redis.call("HGET", KEYS[1], "lock_version")
if v ~= ARGV[1] then
	return -1
end
for i = 2, #ARGV, 2 do
	redis.call("HSET", KEYS[1], ARGV[i], ARGV[i+1])
end
return redis.call("HINCRBY", KEYS[1], "lock_version", 1)
`)

// createScript creates the assignment row only when none exists yet, which
// keeps assignments unique per post.
var createScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
for i = 1, #ARGV, 2 do
	redis.call("HSET", KEYS[1], ARGV[i], ARGV[i+1])
end
return 1
`)

// Options tune the dispatcher's retry and reclaim behavior
type Options struct {
	// MaxRetries bounds dispatch attempts per assignment
	MaxRetries int
	// BackoffBase scales the exponential retry delay: base * 2^attempt
	BackoffBase time.Duration
	// ExcludeTTL is how long a failed worker is skipped for the same post
	ExcludeTTL time.Duration
	// StuckFactor times a worker's average execution time gives the
	// executing deadline after which a job is presumed lost
	StuckFactor float64
	// MinStuckTimeout floors the executing deadline for workers with no
	// execution history yet
	MinStuckTimeout time.Duration
}

// DefaultOptions are the production defaults
func DefaultOptions() Options {
	return Options{
		MaxRetries:      3,
		BackoffBase:     time.Second,
		ExcludeTTL:      time.Minute,
		StuckFactor:     3,
		MinStuckTimeout: 5 * time.Minute,
	}
}

// Dispatcher matches approved posts to workers and runs the assignment state
// machine
type Dispatcher struct {
	client    *redis.Client
	registry  *registry.Registry
	queue     *DueQueue
	statuses  delivery.Backend
	keyPrefix string
	opts      Options
	log       logger.Logger
}

// NewDispatcher creates a dispatcher. statuses may be nil when no write-back
// channel is wired (tests).
func NewDispatcher(client *redis.Client, reg *registry.Registry, queue *DueQueue, statuses delivery.Backend, keyPrefix string, opts Options) *Dispatcher {
	if opts.MaxRetries == 0 {
		opts = DefaultOptions()
	}
	return &Dispatcher{
		client:    client,
		registry:  reg,
		queue:     queue,
		statuses:  statuses,
		keyPrefix: keyPrefix,
		opts:      opts,
		log:       logger.Default().WithComponent(logger.ComponentDispatcher),
	}
}

func (d *Dispatcher) assignmentKey(postID string) string { return d.keyPrefix + "assignment:" + postID }
func (d *Dispatcher) jobKey(jobID string) string         { return d.keyPrefix + "job:" + jobID }
func (d *Dispatcher) workerQueueKey(workerID string) string {
	return d.keyPrefix + "workerjobs:" + workerID
}
func (d *Dispatcher) retryKey() string                { return d.keyPrefix + "dispatchretry" }
func (d *Dispatcher) executingKey() string            { return d.keyPrefix + "executing" }
func (d *Dispatcher) excludeKey(postID string) string { return d.keyPrefix + "exclude:" + postID }
func (d *Dispatcher) eventsKey() string               { return d.keyPrefix + "jobevents" }

// Assign binds a post to the selected account. Returns the existing
// assignment unchanged when one is already present (unique per post).
func (d *Dispatcher) Assign(ctx context.Context, post *ScheduledPost, accountID, groupID string, notBefore time.Time, backoffOnFail bool, now time.Time) (*Assignment, error) {
	a := &Assignment{
		PostID:        post.ID,
		AccountID:     accountID,
		GroupID:       groupID,
		Status:        StatusAssigned,
		NotBefore:     notBefore,
		BackoffOnFail: backoffOnFail,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	created, err := createScript.Run(ctx, d.client, []string{d.assignmentKey(post.ID)},
		"post_id", a.PostID,
		"account_id", a.AccountID,
		"group_id", a.GroupID,
		"status", string(a.Status),
		"lock_version", 0,
		"not_before", notBefore.Unix(),
		"backoff_on_fail", boolField(backoffOnFail),
		"retries", 0,
		"created_at", now.Unix(),
		"updated_at", now.Unix(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to create assignment: %w", err)
	}
	if created == int64(0) {
		return d.GetAssignment(ctx, post.ID)
	}

	d.log.Info("Post assigned to account",
		"post_id", post.ID,
		"account_id", accountID,
		"group_id", groupID,
		"not_before", notBefore.Format(time.RFC3339))
	return a, nil
}

// GetAssignment loads the assignment for a post
func (d *Dispatcher) GetAssignment(ctx context.Context, postID string) (*Assignment, error) {
	vals, err := d.client.HGetAll(ctx, d.assignmentKey(postID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load assignment: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrAssignmentNotFound
	}
	return assignmentFromHash(vals), nil
}

// Dispatch moves an assigned post to executing on the best eligible worker.
// The assigned -> executing transition is a compare-and-swap on the lock
// version, so when two dispatcher instances race exactly one creates a job.
func (d *Dispatcher) Dispatch(ctx context.Context, post *ScheduledPost, now time.Time) (*WorkerJob, error) {
	a, err := d.GetAssignment(ctx, post.ID)
	if err != nil {
		return nil, err
	}
	if a.Status != StatusAssigned {
		return nil, fmt.Errorf("%w: assignment for post %s is %s", ErrConcurrencyConflict, post.ID, a.Status)
	}

	worker, err := d.selectWorker(ctx, post, now)
	if err != nil {
		return nil, err
	}

	jobID := newJobID()
	newVersion, err := d.cas(ctx, post.ID, a.LockVersion,
		"status", string(StatusExecuting),
		"worker_id", worker.ID,
		"job_id", jobID,
		"updated_at", now.Unix(),
	)
	if err != nil {
		return nil, err
	}

	job := &WorkerJob{
		ID:         jobID,
		PostID:     post.ID,
		WorkerID:   worker.ID,
		AccountID:  a.AccountID,
		Platform:   post.Platform,
		Status:     JobQueued,
		AssignedAt: now,
		RetryCount: a.Retries,
		MaxRetries: d.opts.MaxRetries,
		PayloadRef: post.PayloadRef,
		Payload:    post.Payload,
	}
	if err := d.saveJob(ctx, job); err != nil {
		return nil, err
	}

	deadline := now.Add(d.stuckTimeout(worker))
	pipe := d.client.Pipeline()
	pipe.LPush(ctx, d.workerQueueKey(worker.ID), jobID)
	pipe.ZAdd(ctx, d.executingKey(), redis.Z{Score: float64(deadline.Unix()), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to queue job for worker: %w", err)
	}

	if err := d.registry.AdjustLoad(ctx, worker.ID, 1); err != nil {
		d.log.Warn("Failed to bump worker load", "worker_id", worker.ID, "error", err)
	}
	if err := d.registry.RecordDispatch(ctx, worker.ID, now); err != nil {
		d.log.Warn("Failed to count worker job", "worker_id", worker.ID, "error", err)
	}

	metrics.Default().RecordDispatch(post.Platform)
	d.log.Info("Job dispatched",
		"post_id", post.ID,
		"job_id", jobID,
		"worker_id", worker.ID,
		"attempt", a.Retries+1,
		"lock_version", newVersion)
	return job, nil
}

// selectWorker picks the best eligible worker for the post's platform:
// highest priority first, then least load, ties broken by lowest average
// execution time. The worker that failed the previous attempt is skipped
// while the exclusion key lives.
func (d *Dispatcher) selectWorker(ctx context.Context, post *ScheduledPost, now time.Time) (*registry.Worker, error) {
	excluded, err := d.client.Get(ctx, d.excludeKey(post.ID)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read exclusion: %w", err)
	}

	pool, err := d.registry.ListEligible(ctx, post.Platform, now)
	if err != nil {
		return nil, err
	}

	candidates := pool[:0]
	for _, w := range pool {
		if w.ID == excluded {
			continue
		}
		candidates = append(candidates, w)
	}
	if len(candidates) == 0 {
		return nil, ErrNoEligibleWorker
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.CurrentLoad != b.CurrentLoad {
			return a.CurrentLoad < b.CurrentLoad
		}
		return a.AvgExecutionTime < b.AvgExecutionTime
	})
	return candidates[0], nil
}

// PullJob hands the next queued job to a worker, or nil when its queue is
// empty
func (d *Dispatcher) PullJob(ctx context.Context, workerID string, now time.Time) (*WorkerJob, error) {
	jobID, err := d.client.RPop(ctx, d.workerQueueKey(workerID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pull job: %w", err)
	}

	job, err := d.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	job.Status = JobRunning
	job.StartedAt = now
	if err := d.saveJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// GetJob loads one worker job
func (d *Dispatcher) GetJob(ctx context.Context, jobID string) (*WorkerJob, error) {
	data, err := d.client.Get(ctx, d.jobKey(jobID)).Result()
	if err == redis.Nil {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	var job WorkerJob
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// ReportResult records a worker's result for a job. Reports are idempotent
// keyed by job id: once a job is terminal, later duplicates are ignored, so
// a reclaimed job whose worker eventually finishes does no harm.
func (d *Dispatcher) ReportResult(ctx context.Context, jobID string, res JobResult, now time.Time) error {
	job, err := d.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Terminal() {
		d.log.Debug("Ignoring duplicate result report", "job_id", jobID, "status", job.Status)
		return nil
	}

	job.CompletedAt = now
	job.ExecutionTime = res.ExecutionTime

	if err := d.client.ZRem(ctx, d.executingKey(), jobID).Err(); err != nil {
		d.log.Warn("Failed to clear executing deadline", "job_id", jobID, "error", err)
	}
	if err := d.registry.AdjustLoad(ctx, job.WorkerID, -1); err != nil {
		d.log.Warn("Failed to drop worker load", "worker_id", job.WorkerID, "error", err)
	}
	if res.ExecutionTime > 0 {
		if err := d.registry.RecordExecution(ctx, job.WorkerID, res.ExecutionTime, now); err != nil {
			d.log.Warn("Failed to record execution time", "worker_id", job.WorkerID, "error", err)
		}
	}

	if res.Success {
		return d.completeJob(ctx, job, res, now)
	}
	return d.failJob(ctx, job, res.Error, now)
}

// completeJob finishes a successful attempt
func (d *Dispatcher) completeJob(ctx context.Context, job *WorkerJob, res JobResult, now time.Time) error {
	job.Status = JobCompleted
	job.PlatformPostID = res.PlatformPostID
	job.PlatformURL = res.PlatformURL
	if err := d.saveJob(ctx, job); err != nil {
		return err
	}

	a, err := d.GetAssignment(ctx, job.PostID)
	if err == nil {
		if _, casErr := d.cas(ctx, job.PostID, a.LockVersion,
			"status", string(StatusCompleted),
			"updated_at", now.Unix(),
		); casErr != nil {
			d.log.Warn("Assignment completion CAS lost", "post_id", job.PostID, "error", casErr)
		}
	}

	d.writeStatus(ctx, delivery.Status{
		PostID:         job.PostID,
		Outcome:        delivery.OutcomeDelivered,
		PlatformPostID: res.PlatformPostID,
		PlatformURL:    res.PlatformURL,
		AccountID:      job.AccountID,
		WorkerID:       job.WorkerID,
		CompletedAt:    now,
	})
	d.emitEvent(ctx, job, "completed", now)
	metrics.Default().RecordJobCompleted(job.Platform, job.ExecutionTime)

	d.log.Info("Job completed",
		"job_id", job.ID,
		"post_id", job.PostID,
		"worker_id", job.WorkerID,
		"platform_post_id", res.PlatformPostID,
		"execution_time", job.ExecutionTime)
	return nil
}

// failJob finishes a failed attempt: either schedules a backed-off retry
// that excludes the failed worker for one cycle, or marks the assignment
// failed and surfaces it. A job is never silently retried forever.
func (d *Dispatcher) failJob(ctx context.Context, job *WorkerJob, errMsg string, now time.Time) error {
	job.Status = JobFailed
	job.Error = errMsg
	if err := d.saveJob(ctx, job); err != nil {
		return err
	}
	d.emitEvent(ctx, job, "failed", now)
	metrics.Default().RecordJobFailed(job.Platform, job.ExecutionTime)

	a, err := d.GetAssignment(ctx, job.PostID)
	if err != nil {
		return err
	}

	retries, err := d.client.HIncrBy(ctx, d.assignmentKey(job.PostID), "retries", 1).Result()
	if err != nil {
		return fmt.Errorf("failed to count retry: %w", err)
	}

	if int(retries) < d.opts.MaxRetries && a.BackoffOnFail {
		// Exponential backoff: base * 2^attempt, excluding the worker that
		// just failed so a sick worker is not hammered
		delay := d.opts.BackoffBase * time.Duration(1<<uint(retries))
		readyAt := now.Add(delay)

		pipe := d.client.Pipeline()
		pipe.Set(ctx, d.excludeKey(job.PostID), job.WorkerID, d.opts.ExcludeTTL)
		pipe.ZAdd(ctx, d.retryKey(), redis.Z{Score: float64(readyAt.Unix()), Member: job.PostID})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to schedule retry: %w", err)
		}

		if _, casErr := d.cas(ctx, job.PostID, a.LockVersion,
			"status", string(StatusAssigned),
			"worker_id", "",
			"job_id", "",
			"updated_at", now.Unix(),
		); casErr != nil {
			return casErr
		}

		d.log.Warn("Job failed, retry scheduled",
			"job_id", job.ID,
			"post_id", job.PostID,
			"worker_id", job.WorkerID,
			"attempt", retries,
			"max_retries", d.opts.MaxRetries,
			"retry_in", delay,
			"error", errMsg)
		return nil
	}

	if _, casErr := d.cas(ctx, job.PostID, a.LockVersion,
		"status", string(StatusFailed),
		"updated_at", now.Unix(),
	); casErr != nil {
		return casErr
	}

	d.writeStatus(ctx, delivery.Status{
		PostID:      job.PostID,
		Outcome:     delivery.OutcomeFailed,
		Error:       errMsg,
		AccountID:   job.AccountID,
		WorkerID:    job.WorkerID,
		CompletedAt: now,
	})

	d.log.Error("Assignment failed permanently",
		"post_id", job.PostID,
		"job_id", job.ID,
		"attempts", retries,
		"error", errMsg)
	return nil
}

// ProcessRetries re-dispatches assignments whose backoff delay has passed.
// Returns how many were re-dispatched.
func (d *Dispatcher) ProcessRetries(ctx context.Context, now time.Time) (int, error) {
	raw, err := popDueScript.Run(ctx, d.client, []string{d.retryKey()}, now.Unix(), 50).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to pop due retries: %w", err)
	}
	ids, ok := raw.([]interface{})
	if !ok {
		return 0, fmt.Errorf("unexpected retry pop reply: %v", raw)
	}

	dispatched := 0
	for _, v := range ids {
		postID, ok := v.(string)
		if !ok {
			continue
		}
		post, err := d.queue.Get(ctx, postID)
		if err != nil {
			d.log.Error("Retry references missing post", "post_id", postID, "error", err)
			continue
		}
		if _, err := d.Dispatch(ctx, post, now); err != nil {
			if err == ErrNoEligibleWorker {
				// Transient miss; push the retry out a little
				_ = d.client.ZAdd(ctx, d.retryKey(), redis.Z{
					Score:  float64(now.Add(5 * time.Second).Unix()),
					Member: postID,
				}).Err()
				continue
			}
			d.log.Error("Retry dispatch failed", "post_id", postID, "error", err)
			continue
		}
		dispatched++
	}
	return dispatched, nil
}

// ReclaimStuck fails every job executing past its deadline so the normal
// retry path picks it up. The deadline is a heuristic; a worker finishing
// late reports a duplicate result which the idempotent report path ignores.
func (d *Dispatcher) ReclaimStuck(ctx context.Context, now time.Time) (int, error) {
	raw, err := popDueScript.Run(ctx, d.client, []string{d.executingKey()}, now.Unix(), 50).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to pop stuck jobs: %w", err)
	}
	ids, ok := raw.([]interface{})
	if !ok {
		return 0, fmt.Errorf("unexpected stuck pop reply: %v", raw)
	}

	reclaimed := 0
	for _, v := range ids {
		jobID, ok := v.(string)
		if !ok {
			continue
		}
		job, err := d.GetJob(ctx, jobID)
		if err != nil || job.Terminal() {
			continue
		}
		d.log.Warn("Reclaiming job presumed lost",
			"job_id", jobID,
			"post_id", job.PostID,
			"worker_id", job.WorkerID)
		if err := d.ReportResult(ctx, jobID, JobResult{
			Success: false,
			Error:   "execution deadline exceeded, job presumed lost",
		}, now); err != nil {
			d.log.Error("Failed to reclaim job", "job_id", jobID, "error", err)
			continue
		}
		reclaimed++
	}
	return reclaimed, nil
}

// Cancel aborts an assignment. Only the assigned state cancels cleanly; an
// executing assignment is marked failed locally while the worker may still
// finish, which the idempotent result path tolerates.
func (d *Dispatcher) Cancel(ctx context.Context, postID string, now time.Time) error {
	a, err := d.GetAssignment(ctx, postID)
	if err != nil {
		return err
	}

	switch a.Status {
	case StatusAssigned:
		if _, err := d.cas(ctx, postID, a.LockVersion,
			"status", string(StatusCancelled),
			"updated_at", now.Unix(),
		); err != nil {
			return err
		}
		_ = d.client.ZRem(ctx, d.retryKey(), postID).Err()
	case StatusExecuting:
		if _, err := d.cas(ctx, postID, a.LockVersion,
			"status", string(StatusFailed),
			"updated_at", now.Unix(),
		); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: cannot cancel assignment in state %s", ErrConcurrencyConflict, a.Status)
	}

	d.writeStatus(ctx, delivery.Status{
		PostID:      postID,
		Outcome:     delivery.OutcomeCancelled,
		AccountID:   a.AccountID,
		CompletedAt: now,
	})
	d.log.Info("Assignment cancelled", "post_id", postID, "previous_status", a.Status)
	return nil
}

// cas runs the lock version compare-and-swap. ErrConcurrencyConflict means
// another instance transitioned the assignment first.
func (d *Dispatcher) cas(ctx context.Context, postID string, expectedVersion int64, fieldValues ...interface{}) (int64, error) {
	argv := make([]interface{}, 0, 1+len(fieldValues))
	argv = append(argv, expectedVersion)
	argv = append(argv, fieldValues...)

	result, err := casScript.Run(ctx, d.client, []string{d.assignmentKey(postID)}, argv...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to run assignment CAS: %w", err)
	}
	version, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected CAS reply: %v", result)
	}
	if version == -1 {
		return 0, fmt.Errorf("%w: post %s version %d", ErrConcurrencyConflict, postID, expectedVersion)
	}
	return version, nil
}

func (d *Dispatcher) saveJob(ctx context.Context, job *WorkerJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := d.client.Set(ctx, d.jobKey(job.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// emitEvent feeds the analytics aggregator; failures are logged only since
// analytics never affects dispatch correctness
func (d *Dispatcher) emitEvent(ctx context.Context, job *WorkerJob, outcome string, now time.Time) {
	err := d.client.XAdd(ctx, &redis.XAddArgs{
		Stream: d.eventsKey(),
		MaxLen: 100000,
		Approx: true,
		Values: map[string]interface{}{
			"job_id":     job.ID,
			"post_id":    job.PostID,
			"worker_id":  job.WorkerID,
			"account_id": job.AccountID,
			"platform":   job.Platform,
			"outcome":    outcome,
			"exec_ms":    job.ExecutionTime.Milliseconds(),
			"at":         now.Unix(),
		},
	}).Err()
	if err != nil {
		d.log.Warn("Failed to emit job event", "job_id", job.ID, "error", err)
	}
}

func (d *Dispatcher) writeStatus(ctx context.Context, st delivery.Status) {
	if d.statuses == nil {
		return
	}
	if err := d.statuses.StoreStatus(ctx, st); err != nil {
		d.log.Error("Failed to write delivery status", "post_id", st.PostID, "error", err)
	}
}

func (d *Dispatcher) stuckTimeout(w *registry.Worker) time.Duration {
	timeout := time.Duration(float64(w.AvgExecutionTime) * d.opts.StuckFactor)
	if timeout < d.opts.MinStuckTimeout {
		timeout = d.opts.MinStuckTimeout
	}
	return timeout
}

func assignmentFromHash(vals map[string]string) *Assignment {
	a := &Assignment{
		PostID:    vals["post_id"],
		AccountID: vals["account_id"],
		GroupID:   vals["group_id"],
		Status:    AssignmentStatus(vals["status"]),
		WorkerID:  vals["worker_id"],
		JobID:     vals["job_id"],
	}
	a.LockVersion, _ = strconv.ParseInt(vals["lock_version"], 10, 64)
	a.BackoffOnFail = vals["backoff_on_fail"] == "1"
	if ts, err := strconv.ParseInt(vals["not_before"], 10, 64); err == nil && ts > 0 {
		a.NotBefore = time.Unix(ts, 0).UTC()
	}
	if ts, err := strconv.ParseInt(vals["created_at"], 10, 64); err == nil && ts > 0 {
		a.CreatedAt = time.Unix(ts, 0).UTC()
	}
	if ts, err := strconv.ParseInt(vals["updated_at"], 10, 64); err == nil && ts > 0 {
		a.UpdatedAt = time.Unix(ts, 0).UTC()
	}
	a.Retries, _ = strconv.Atoi(vals["retries"])
	return a
}

func boolField(b bool) int {
	if b {
		return 1
	}
	return 0
}

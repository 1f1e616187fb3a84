// Package registry tracks fleet membership, capability, load and liveness of
// the posting workers. Workers self-register with a shared secret, receive a
// short-lived token, and keep themselves alive through heartbeats.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/postflow/governor/internal/logger"
)

var (
	// ErrInvalidSecret is returned when registration presents a wrong secret
	ErrInvalidSecret = errors.New("invalid registration secret")
	// ErrInvalidToken is returned when a request carries an unknown or
	// expired auth token
	ErrInvalidToken = errors.New("invalid or expired worker token")
	// ErrWorkerNotFound is returned for lookups of unknown worker ids
	ErrWorkerNotFound = errors.New("worker not found")
)

// healthHistoryDepth caps the per-worker health sample series
const healthHistoryDepth = 100

// Registration is the payload a worker presents when joining the fleet
type Registration struct {
	Name              string        `json:"name"`
	Platforms         []string      `json:"platforms"`
	MaxConcurrentJobs int           `json:"max_concurrent_jobs"`
	MinJobInterval    time.Duration `json:"min_job_interval"`
	MaxJobsPerHour    int           `json:"max_jobs_per_hour"`
	Priority          int           `json:"priority"`
}

// Validate checks a registration before it is accepted
func (r *Registration) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("worker name cannot be empty")
	}
	if len(r.Platforms) == 0 {
		return fmt.Errorf("worker must declare at least one platform")
	}
	if r.MaxConcurrentJobs < 1 {
		return fmt.Errorf("max_concurrent_jobs must be at least 1")
	}
	return nil
}

// Registry is the Redis-backed worker registry
type Registry struct {
	client    *redis.Client
	keyPrefix string
	secret    string
	tokenTTL  time.Duration
	log       logger.Logger
}

// NewRegistry creates a registry. secret is the shared registration secret;
// tokens issued at registration expire after tokenTTL.
func NewRegistry(client *redis.Client, keyPrefix, secret string, tokenTTL time.Duration) *Registry {
	return &Registry{
		client:    client,
		keyPrefix: keyPrefix,
		secret:    secret,
		tokenTTL:  tokenTTL,
		log:       logger.Default().WithComponent(logger.ComponentRegistry),
	}
}

func (r *Registry) workerKey(id string) string { return r.keyPrefix + "worker:" + id }
func (r *Registry) workersKey() string         { return r.keyPrefix + "workers" }
func (r *Registry) tokenKey(tok string) string { return r.keyPrefix + "workertoken:" + tok }
func (r *Registry) healthKey(id string) string { return r.keyPrefix + "workerhealth:" + id }

// Register admits a worker to the fleet and returns its id plus a short-lived
// auth token. The shared secret is checked first; a wrong secret is the only
// way registration is refused outright.
func (r *Registry) Register(ctx context.Context, reg Registration, secret string, now time.Time) (Worker, string, time.Time, error) {
	if secret != r.secret {
		return Worker{}, "", time.Time{}, ErrInvalidSecret
	}
	if err := reg.Validate(); err != nil {
		return Worker{}, "", time.Time{}, fmt.Errorf("invalid registration: %w", err)
	}

	w := Worker{
		ID:                uuid.New().String(),
		Name:              reg.Name,
		Platforms:         reg.Platforms,
		MaxConcurrentJobs: reg.MaxConcurrentJobs,
		MinJobInterval:    reg.MinJobInterval,
		MaxJobsPerHour:    reg.MaxJobsPerHour,
		Priority:          reg.Priority,
		IsOnline:          true,
		IsEnabled:         true,
		Health:            HealthHealthy,
		LastPingAt:        now,
		RegisteredAt:      now,
	}
	if err := r.save(ctx, &w); err != nil {
		return Worker{}, "", time.Time{}, err
	}

	token, expiresAt, err := r.IssueToken(ctx, w.ID, now)
	if err != nil {
		return Worker{}, "", time.Time{}, err
	}

	r.log.Info("Worker registered",
		"worker_id", w.ID,
		"name", w.Name,
		"platforms", w.Platforms,
		"max_concurrent_jobs", w.MaxConcurrentJobs)
	return w, token, expiresAt, nil
}

// IssueToken mints a fresh short-lived token for an already registered worker
func (r *Registry) IssueToken(ctx context.Context, workerID string, now time.Time) (string, time.Time, error) {
	exists, err := r.client.SIsMember(ctx, r.workersKey(), workerID).Result()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to check worker membership: %w", err)
	}
	if !exists {
		return "", time.Time{}, ErrWorkerNotFound
	}

	token := uuid.New().String()
	if err := r.client.Set(ctx, r.tokenKey(token), workerID, r.tokenTTL).Err(); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to store worker token: %w", err)
	}
	return token, now.Add(r.tokenTTL), nil
}

// Authenticate resolves an auth token to a worker id
func (r *Registry) Authenticate(ctx context.Context, token string) (string, error) {
	workerID, err := r.client.Get(ctx, r.tokenKey(token)).Result()
	if err == redis.Nil {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up token: %w", err)
	}
	return workerID, nil
}

// Heartbeat records a liveness ping: load, health and last ping time are
// last-write-wins fields, so concurrent heartbeats need no locking. The
// health sample is also appended to the worker's short time-series.
func (r *Registry) Heartbeat(ctx context.Context, workerID string, load int, health Health, now time.Time) error {
	exists, err := r.client.SIsMember(ctx, r.workersKey(), workerID).Result()
	if err != nil {
		return fmt.Errorf("failed to check worker membership: %w", err)
	}
	if !exists {
		return ErrWorkerNotFound
	}

	sample, err := json.Marshal(HealthSample{At: now, Load: load, Health: health})
	if err != nil {
		return fmt.Errorf("failed to marshal health sample: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, r.workerKey(workerID), map[string]interface{}{
		"current_load": load,
		"health":       string(health),
		"is_online":    1,
		"last_ping_at": now.Unix(),
	})
	pipe.LPush(ctx, r.healthKey(workerID), sample)
	pipe.LTrim(ctx, r.healthKey(workerID), 0, healthHistoryDepth-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return nil
}

// MarkOffline flags a worker as offline. Only the health monitor calls this;
// the dispatcher never decides liveness itself.
func (r *Registry) MarkOffline(ctx context.Context, workerID string) error {
	if err := r.client.HSet(ctx, r.workerKey(workerID), "is_online", 0).Err(); err != nil {
		return fmt.Errorf("failed to mark worker offline: %w", err)
	}
	return nil
}

// SetEnabled enables or disables a worker. Disabling is how workers are
// retired; the row and its history stay for analytics.
func (r *Registry) SetEnabled(ctx context.Context, workerID string, enabled bool) error {
	val := 0
	if enabled {
		val = 1
	}
	if err := r.client.HSet(ctx, r.workerKey(workerID), "is_enabled", val).Err(); err != nil {
		return fmt.Errorf("failed to set worker enabled flag: %w", err)
	}
	return nil
}

// AdjustLoad shifts the worker's current load by delta (dispatch +1, result
// -1). Loads never go below zero.
func (r *Registry) AdjustLoad(ctx context.Context, workerID string, delta int) error {
	load, err := r.client.HIncrBy(ctx, r.workerKey(workerID), "current_load", int64(delta)).Result()
	if err != nil {
		return fmt.Errorf("failed to adjust worker load: %w", err)
	}
	if load < 0 {
		// Duplicate result reports can over-decrement; clamp quietly
		if err := r.client.HSet(ctx, r.workerKey(workerID), "current_load", 0).Err(); err != nil {
			return fmt.Errorf("failed to clamp worker load: %w", err)
		}
	}
	return nil
}

// RecordDispatch counts one job handed to the worker against its hourly
// allowance. The counter resets whenever the clock hour rolls over; a stale
// bucket is simply overwritten.
func (r *Registry) RecordDispatch(ctx context.Context, workerID string, now time.Time) error {
	bucket := hourBucket(now)
	stored, err := r.client.HGet(ctx, r.workerKey(workerID), "hour_bucket").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to read hour bucket: %w", err)
	}
	if stored == strconv.FormatInt(bucket, 10) {
		if err := r.client.HIncrBy(ctx, r.workerKey(workerID), "hour_jobs", 1).Err(); err != nil {
			return fmt.Errorf("failed to count dispatched job: %w", err)
		}
		return nil
	}
	if err := r.client.HSet(ctx, r.workerKey(workerID), map[string]interface{}{
		"hour_bucket": bucket,
		"hour_jobs":   1,
	}).Err(); err != nil {
		return fmt.Errorf("failed to open hour bucket: %w", err)
	}
	return nil
}

// RecordExecution folds one finished job's duration into the worker's
// exponentially weighted average execution time and stamps last_job_at
func (r *Registry) RecordExecution(ctx context.Context, workerID string, duration time.Duration, at time.Time) error {
	w, err := r.Get(ctx, workerID)
	if err != nil {
		return err
	}

	avg := duration
	if w.AvgExecutionTime > 0 {
		avg = time.Duration(float64(w.AvgExecutionTime)*0.8 + float64(duration)*0.2)
	}

	if err := r.client.HSet(ctx, r.workerKey(workerID), map[string]interface{}{
		"avg_exec_ms": avg.Milliseconds(),
		"last_job_at": at.Unix(),
	}).Err(); err != nil {
		return fmt.Errorf("failed to record execution time: %w", err)
	}
	return nil
}

// Get loads one worker by id
func (r *Registry) Get(ctx context.Context, workerID string) (*Worker, error) {
	vals, err := r.client.HGetAll(ctx, r.workerKey(workerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load worker: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrWorkerNotFound
	}
	return workerFromHash(workerID, vals), nil
}

// List returns every registered worker, including disabled ones
func (r *Registry) List(ctx context.Context) ([]*Worker, error) {
	ids, err := r.client.SMembers(ctx, r.workersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}

	out := make([]*Worker, 0, len(ids))
	for _, id := range ids {
		w, err := r.Get(ctx, id)
		if err == ErrWorkerNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// ListEligible returns the workers that may receive a job for platform now
func (r *Registry) ListEligible(ctx context.Context, platform string, now time.Time) ([]*Worker, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Worker, 0, len(all))
	for _, w := range all {
		if w.Eligible(platform, now) {
			out = append(out, w)
		}
	}
	return out, nil
}

// HealthHistory returns the worker's recent heartbeat samples, newest first
func (r *Registry) HealthHistory(ctx context.Context, workerID string, count int64) ([]HealthSample, error) {
	raw, err := r.client.LRange(ctx, r.healthKey(workerID), 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read health history: %w", err)
	}
	out := make([]HealthSample, 0, len(raw))
	for _, item := range raw {
		var s HealthSample
		if err := json.Unmarshal([]byte(item), &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *Registry) save(ctx context.Context, w *Worker) error {
	platforms, err := json.Marshal(w.Platforms)
	if err != nil {
		return fmt.Errorf("failed to marshal platforms: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, r.workerKey(w.ID), map[string]interface{}{
		"name":                w.Name,
		"platforms":           platforms,
		"max_concurrent_jobs": w.MaxConcurrentJobs,
		"min_job_interval_ms": w.MinJobInterval.Milliseconds(),
		"max_jobs_per_hour":   w.MaxJobsPerHour,
		"current_load":        w.CurrentLoad,
		"hour_bucket":         w.HourBucket,
		"hour_jobs":           w.HourJobs,
		"is_online":           boolField(w.IsOnline),
		"is_enabled":          boolField(w.IsEnabled),
		"priority":            w.Priority,
		"avg_exec_ms":         w.AvgExecutionTime.Milliseconds(),
		"last_ping_at":        w.LastPingAt.Unix(),
		"last_job_at":         0,
		"health":              string(w.Health),
		"registered_at":       w.RegisteredAt.Unix(),
	})
	pipe.SAdd(ctx, r.workersKey(), w.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save worker: %w", err)
	}
	return nil
}

func workerFromHash(id string, vals map[string]string) *Worker {
	w := &Worker{ID: id, Name: vals["name"], Health: Health(vals["health"])}
	_ = json.Unmarshal([]byte(vals["platforms"]), &w.Platforms)
	w.MaxConcurrentJobs = atoi(vals["max_concurrent_jobs"])
	w.MinJobInterval = time.Duration(atoi64(vals["min_job_interval_ms"])) * time.Millisecond
	w.MaxJobsPerHour = atoi(vals["max_jobs_per_hour"])
	w.CurrentLoad = atoi(vals["current_load"])
	w.HourBucket = atoi64(vals["hour_bucket"])
	w.HourJobs = atoi(vals["hour_jobs"])
	w.IsOnline = vals["is_online"] == "1"
	w.IsEnabled = vals["is_enabled"] == "1"
	w.Priority = atoi(vals["priority"])
	w.AvgExecutionTime = time.Duration(atoi64(vals["avg_exec_ms"])) * time.Millisecond
	if ts := atoi64(vals["last_ping_at"]); ts > 0 {
		w.LastPingAt = time.Unix(ts, 0).UTC()
	}
	if ts := atoi64(vals["last_job_at"]); ts > 0 {
		w.LastJobAt = time.Unix(ts, 0).UTC()
	}
	if ts := atoi64(vals["registered_at"]); ts > 0 {
		w.RegisteredAt = time.Unix(ts, 0).UTC()
	}
	return w
}

func boolField(b bool) int {
	if b {
		return 1
	}
	return 0
}

func atoi(s string) int {
	v, _ := strconv.Atoi(s)
	return v
}

func atoi64(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

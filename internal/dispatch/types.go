// Package dispatch binds approved scheduled posts to workers and runs the
// per-assignment state machine: assigned -> executing -> completed | failed.
// Every transition is guarded by an optimistic lock version so two dispatcher
// instances can race on the same assignment and exactly one wins.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNoEligibleWorker means no worker can take the job right now; a
	// transient scheduling miss, the caller re-queues and tries later
	ErrNoEligibleWorker = errors.New("no eligible worker")
	// ErrConcurrencyConflict means another instance won the lock version
	// race; callers retry or drop depending on the transition
	ErrConcurrencyConflict = errors.New("assignment lock version conflict")
	// ErrAssignmentNotFound is returned for unknown post ids
	ErrAssignmentNotFound = errors.New("assignment not found")
	// ErrJobNotFound is returned for unknown job ids
	ErrJobNotFound = errors.New("worker job not found")
)

// ScheduledPost is the due-post record consumed from the CRUD layer's feed.
// Only the fields the governor needs travel here; the payload itself is an
// opaque reference resolved by the worker.
type ScheduledPost struct {
	ID       string `json:"id"`
	Platform string `json:"platform"`
	// PayloadRef points at the post content in the CRUD layer's store
	PayloadRef string `json:"payload_ref"`
	// Payload optionally carries inline content for workers
	Payload json.RawMessage `json:"payload,omitempty"`
	// GroupHints lists the account groups eligible to carry this post
	GroupHints []string  `json:"group_hints"`
	DueAt      time.Time `json:"due_at"`
}

// Validate checks a post pulled off the due feed
func (p *ScheduledPost) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("scheduled post id cannot be empty")
	}
	if p.Platform == "" {
		return fmt.Errorf("scheduled post platform cannot be empty")
	}
	if len(p.GroupHints) == 0 {
		return fmt.Errorf("scheduled post must carry at least one group hint")
	}
	return nil
}

// AssignmentStatus is the state of a schedule assignment
type AssignmentStatus string

const (
	StatusAssigned  AssignmentStatus = "assigned"
	StatusExecuting AssignmentStatus = "executing"
	StatusCompleted AssignmentStatus = "completed"
	StatusFailed    AssignmentStatus = "failed"
	StatusCancelled AssignmentStatus = "cancelled"
)

// Assignment binds one scheduled post to one chosen account. A post is
// assigned at most once at a time; re-assignment after failure bumps the
// lock version on the same row rather than creating a duplicate.
type Assignment struct {
	PostID    string           `json:"post_id"`
	AccountID string           `json:"account_id"`
	GroupID   string           `json:"group_id"`
	Status    AssignmentStatus `json:"status"`
	// LockVersion increments on every status transition; transitions are
	// compare-and-swap on this value
	LockVersion int64  `json:"lock_version"`
	WorkerID    string `json:"worker_id,omitempty"`
	JobID       string `json:"job_id,omitempty"`
	// NotBefore carries the evaluator's advisory jitter delay
	NotBefore time.Time `json:"not_before"`
	// BackoffOnFail is frozen from the formula at approval time
	BackoffOnFail bool `json:"backoff_on_fail"`
	// Retries counts failed dispatch attempts; incremented outside the CAS
	Retries   int       `json:"retries"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JobStatus is the state of one dispatch attempt
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// WorkerJob is one dispatch attempt of an assignment to a specific worker
type WorkerJob struct {
	ID       string `json:"id"`
	PostID   string `json:"post_id"`
	WorkerID string `json:"worker_id"`
	// AccountID the post will go out on, for the worker's platform client
	AccountID string    `json:"account_id"`
	Platform  string    `json:"platform"`
	Status    JobStatus `json:"status"`

	AssignedAt  time.Time `json:"assigned_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`

	// Result payload reported by the worker on success
	PlatformPostID string `json:"platform_post_id,omitempty"`
	PlatformURL    string `json:"platform_url,omitempty"`
	Error          string `json:"error,omitempty"`

	RetryCount    int           `json:"retry_count"`
	MaxRetries    int           `json:"max_retries"`
	ExecutionTime time.Duration `json:"execution_time,omitempty"`

	// PayloadRef and Payload are copied from the scheduled post so the
	// worker needs no second lookup
	PayloadRef string          `json:"payload_ref"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Terminal reports whether the job reached a final state
func (j *WorkerJob) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}

// JobResult is what a worker reports back after executing a job. Reports are
// idempotent keyed by job id: duplicates of a terminal job are ignored.
type JobResult struct {
	Success        bool          `json:"success"`
	PlatformPostID string        `json:"platform_post_id,omitempty"`
	PlatformURL    string        `json:"platform_url,omitempty"`
	Error          string        `json:"error,omitempty"`
	ExecutionTime  time.Duration `json:"execution_time"`
}

// newJobID mints a job identifier
func newJobID() string {
	return uuid.New().String()
}

package scheduler

import (
	"context"
	"time"
)

// Task is one periodic maintenance job: counter archival sweeps, analytics
// rollups, and similar housekeeping the governor runs on a cron cadence.
type Task struct {
	// ID uniquely names the task; it also keys the task's distributed lock
	ID string

	// Cron is a standard 5-field expression (minute hour day month weekday),
	// e.g. "15 * * * *" or "*/5 * * * *"
	Cron string

	// Run executes the task. now is the tick that made the task due.
	Run func(ctx context.Context, now time.Time) error

	// Timezone is the IANA zone the cron expression is evaluated in;
	// empty means UTC
	Timezone string

	// Enabled lets a task be parked without unregistering it
	Enabled bool

	Description string
}

// TaskState is the runtime bookkeeping kept per registered task
type TaskState struct {
	ID          string
	LastRun     time.Time
	NextRun     time.Time
	RunCount    int64
	LastError   string
	LastSuccess time.Time
}

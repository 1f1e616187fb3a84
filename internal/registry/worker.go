package registry

import (
	"time"
)

// Health is the coarse state reported by a worker's latest health sample
type Health string

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// Worker is one registered execution unit in the fleet. Workers are retired
// by disabling, never deleted, so analytics history stays intact.
type Worker struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Platforms this worker can post to, e.g. "facebook", "tiktok"
	Platforms []string `json:"platforms"`

	MaxConcurrentJobs int `json:"max_concurrent_jobs"`
	// MinJobInterval is the worker's own spacing between jobs
	MinJobInterval time.Duration `json:"min_job_interval"`
	MaxJobsPerHour int           `json:"max_jobs_per_hour"`

	CurrentLoad int  `json:"current_load"`
	IsOnline    bool `json:"is_online"`
	IsEnabled   bool `json:"is_enabled"`
	// HourBucket and HourJobs count jobs handed out in the current clock
	// hour, enforcing MaxJobsPerHour
	HourBucket int64 `json:"hour_bucket"`
	HourJobs   int   `json:"hour_jobs"`
	// Priority ranks workers for dispatch; higher wins
	Priority int `json:"priority"`

	// AvgExecutionTime is an exponentially weighted average maintained from
	// reported job results
	AvgExecutionTime time.Duration `json:"avg_execution_time"`
	LastPingAt       time.Time     `json:"last_ping_at"`
	LastJobAt        time.Time     `json:"last_job_at"`
	Health           Health        `json:"health"`
	RegisteredAt     time.Time     `json:"registered_at"`
}

// Eligible reports whether the worker may receive a job for platform right
// now: online, enabled, spare capacity, capable, and not unhealthy on its
// latest sample.
func (w *Worker) Eligible(platform string, now time.Time) bool {
	if !w.IsOnline || !w.IsEnabled {
		return false
	}
	if w.CurrentLoad >= w.MaxConcurrentJobs {
		return false
	}
	if w.Health == HealthUnhealthy {
		return false
	}
	if !w.HasPlatform(platform) {
		return false
	}
	if w.MinJobInterval > 0 && !w.LastJobAt.IsZero() && now.Sub(w.LastJobAt) < w.MinJobInterval {
		return false
	}
	if w.MaxJobsPerHour > 0 && w.HourBucket == hourBucket(now) && w.HourJobs >= w.MaxJobsPerHour {
		return false
	}
	return true
}

// hourBucket identifies the clock hour containing t
func hourBucket(t time.Time) int64 {
	return t.Unix() / 3600
}

// HasPlatform reports whether platform is in the worker's capability set
func (w *Worker) HasPlatform(platform string) bool {
	for _, p := range w.Platforms {
		if p == platform {
			return true
		}
	}
	return false
}

// HealthSample is one heartbeat's health snapshot, kept as a short
// time-series per worker
type HealthSample struct {
	At     time.Time `json:"at"`
	Load   int       `json:"load"`
	Health Health    `json:"health"`
}

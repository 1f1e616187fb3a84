package config

import (
	"fmt"
	"strings"
	"time"
)

// WorkerConfig holds configuration for a posting worker process. Workers
// register with the governor API, heartbeat on an interval, and pull jobs
// for the platforms they can post to.
type WorkerConfig struct {
	// Name is a human-readable worker label sent at registration
	Name string

	// GovernorURL is the base URL of the governor API
	GovernorURL string

	// Secret authenticates the registration request
	Secret string

	// Platforms lists the platforms this worker can post to
	// Examples: ["twitter"], ["twitter", "instagram"]
	Platforms []string

	// MaxConcurrentJobs caps how many jobs run at once
	MaxConcurrentJobs int

	// MinJobInterval is the minimum gap between job starts
	MinJobInterval time.Duration

	// MaxJobsPerHour caps hourly throughput for this worker
	MaxJobsPerHour int

	// Priority ranks this worker against its peers; higher wins dispatch
	Priority int

	// PullInterval is how often the worker polls for new jobs
	PullInterval time.Duration

	// HeartbeatInterval is how often the worker pings the governor
	HeartbeatInterval time.Duration
}

// LoadWorkerConfig loads worker configuration from environment variables
func LoadWorkerConfig() (*WorkerConfig, error) {
	cfg := &WorkerConfig{
		Name:              getEnv("WORKER_NAME", ""),
		GovernorURL:       getEnv("GOVERNOR_URL", "http://localhost:8080"),
		Secret:            getEnv("WORKER_SECRET", ""),
		Platforms:         getEnvAsStringSlice("WORKER_PLATFORMS", nil),
		MaxConcurrentJobs: getEnvAsInt("WORKER_MAX_CONCURRENT_JOBS", 5),
		MinJobInterval:    getEnvAsDuration("WORKER_MIN_JOB_INTERVAL", 0),
		MaxJobsPerHour:    getEnvAsInt("WORKER_MAX_JOBS_PER_HOUR", 0),
		Priority:          getEnvAsInt("WORKER_PRIORITY", 0),
		PullInterval:      getEnvAsDuration("WORKER_PULL_INTERVAL", 2*time.Second),
		HeartbeatInterval: getEnvAsDuration("WORKER_HEARTBEAT_INTERVAL", 30*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if the worker configuration is valid
func (c *WorkerConfig) Validate() error {
	if c.GovernorURL == "" {
		return fmt.Errorf("GOVERNOR_URL cannot be empty")
	}
	if c.Secret == "" {
		return fmt.Errorf("WORKER_SECRET cannot be empty")
	}

	if len(c.Platforms) == 0 {
		return fmt.Errorf("worker must handle at least one platform")
	}
	for _, p := range c.Platforms {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("platform cannot be empty")
		}
	}

	if c.MaxConcurrentJobs < 1 {
		return fmt.Errorf("worker concurrency must be at least 1 (got %d)", c.MaxConcurrentJobs)
	}
	if c.MaxConcurrentJobs > 1000 {
		return fmt.Errorf("worker concurrency too high: %d (maximum 1000)", c.MaxConcurrentJobs)
	}
	if c.MinJobInterval < 0 {
		return fmt.Errorf("minimum job interval cannot be negative")
	}
	if c.MaxJobsPerHour < 0 {
		return fmt.Errorf("maximum jobs per hour cannot be negative")
	}

	if c.PullInterval < 100*time.Millisecond {
		return fmt.Errorf("pull interval too short: %v (minimum 100ms)", c.PullInterval)
	}
	if c.PullInterval > 1*time.Minute {
		return fmt.Errorf("pull interval too long: %v (maximum 1 minute)", c.PullInterval)
	}
	if c.HeartbeatInterval < 1*time.Second {
		return fmt.Errorf("heartbeat interval too short: %v (minimum 1s)", c.HeartbeatInterval)
	}

	return nil
}

// HandlesPlatform checks if this worker can post to the given platform
func (c *WorkerConfig) HandlesPlatform(platform string) bool {
	for _, p := range c.Platforms {
		if p == platform {
			return true
		}
	}
	return false
}

// String returns a human-readable description of the worker config
func (c *WorkerConfig) String() string {
	platforms := "none"
	if len(c.Platforms) > 0 {
		if len(c.Platforms) <= 3 {
			platforms = strings.Join(c.Platforms, ",")
		} else {
			platforms = fmt.Sprintf("%s... (%d platforms)", strings.Join(c.Platforms[:3], ","), len(c.Platforms))
		}
	}

	return fmt.Sprintf(
		"WorkerConfig{name=%s, platforms=%s, concurrency=%d, priority=%d, pull=%v, heartbeat=%v}",
		c.Name, platforms, c.MaxConcurrentJobs, c.Priority, c.PullInterval, c.HeartbeatInterval,
	)
}

// getEnvAsStringSlice retrieves an environment variable as a comma-separated list
func getEnvAsStringSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}

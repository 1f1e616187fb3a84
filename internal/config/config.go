package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/postflow/governor/internal/logger"
)

// Config holds all configuration for the governor services
type Config struct {
	// RedisURL is the connection URL for Redis
	RedisURL string
	// KeyPrefix namespaces every Redis key the governor touches
	KeyPrefix string
	// APIPort is the port the API server listens on
	APIPort string
	// EvalConcurrency is the number of concurrent evaluation goroutines
	EvalConcurrency int
	// PollInterval is how often the governor polls the due set
	PollInterval time.Duration
	// PollBatchSize caps how many due posts one poll pops
	PollBatchSize int
	// MaxRetries is the maximum number of dispatch attempts per assignment
	MaxRetries int
	// RetryBackoffBase scales the exponential retry delay
	RetryBackoffBase time.Duration
	// ExcludeTTL is how long a failed worker is skipped for the same post
	ExcludeTTL time.Duration
	// StuckFactor times a worker's average execution time gives the
	// executing deadline used by the reclaimer
	StuckFactor float64
	// HeartbeatInterval is how often workers are expected to ping
	HeartbeatInterval time.Duration
	// HeartbeatTimeout is how long without a ping before a worker is
	// marked offline
	HeartbeatTimeout time.Duration
	// WorkerSecret authenticates worker registration requests
	WorkerSecret string
	// WorkerTokenTTL bounds how long an issued worker token stays valid
	WorkerTokenTTL time.Duration
	// WorkerAPIRate is the per-worker request rate limit (requests/second)
	WorkerAPIRate float64
	// WorkerAPIBurst is the per-worker rate limiter burst
	WorkerAPIBurst int
	// SweeperSchedule is the cron expression for counter archival sweeps
	SweeperSchedule string
	// AnalyticsSchedule is the cron expression for analytics rollups
	AnalyticsSchedule string
	// ScoreHalfLife is the decay half-life for performance-mode account
	// scores
	ScoreHalfLife time.Duration
	// DeliveryTTLSuccess is the TTL for delivered post statuses
	DeliveryTTLSuccess time.Duration
	// DeliveryTTLFailure is the TTL for failed post statuses
	DeliveryTTLFailure time.Duration
	// ArchivePath is the SQLite archive database path
	ArchivePath string
	// Logging configuration
	Logging *logger.Config
}

// LoadConfig loads configuration from environment variables with sensible defaults
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),
		KeyPrefix:          getEnv("KEY_PREFIX", "governor:"),
		APIPort:            getEnv("API_PORT", "8080"),
		EvalConcurrency:    getEnvAsInt("EVAL_CONCURRENCY", 5),
		PollInterval:       getEnvAsDuration("POLL_INTERVAL", 1*time.Second),
		PollBatchSize:      getEnvAsInt("POLL_BATCH_SIZE", 50),
		MaxRetries:         getEnvAsInt("MAX_RETRIES", 3),
		RetryBackoffBase:   getEnvAsDuration("RETRY_BACKOFF_BASE", 1*time.Second),
		ExcludeTTL:         getEnvAsDuration("EXCLUDE_TTL", 1*time.Minute),
		StuckFactor:        getEnvAsFloat("STUCK_FACTOR", 3),
		HeartbeatInterval:  getEnvAsDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatTimeout:   getEnvAsDuration("HEARTBEAT_TIMEOUT", 90*time.Second),
		WorkerSecret:       getEnv("WORKER_SECRET", ""),
		WorkerTokenTTL:     getEnvAsDuration("WORKER_TOKEN_TTL", 24*time.Hour),
		WorkerAPIRate:      getEnvAsFloat("WORKER_API_RATE", 10),
		WorkerAPIBurst:     getEnvAsInt("WORKER_API_BURST", 20),
		SweeperSchedule:    getEnv("SWEEPER_SCHEDULE", "15 * * * *"),
		AnalyticsSchedule:  getEnv("ANALYTICS_SCHEDULE", "*/5 * * * *"),
		ScoreHalfLife:      getEnvAsDuration("SCORE_HALF_LIFE", 7*24*time.Hour),
		DeliveryTTLSuccess: getEnvAsDuration("DELIVERY_TTL_SUCCESS", 1*time.Hour),
		DeliveryTTLFailure: getEnvAsDuration("DELIVERY_TTL_FAILURE", 24*time.Hour),
		ArchivePath:        getEnv("ARCHIVE_PATH", "governor.db"),
		Logging:            loadLoggingConfig(),
	}

	// Validate required fields
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL cannot be empty")
	}
	if cfg.APIPort == "" {
		return nil, fmt.Errorf("API_PORT cannot be empty")
	}
	if !strings.HasSuffix(cfg.KeyPrefix, ":") {
		return nil, fmt.Errorf("KEY_PREFIX must end with ':'")
	}
	if cfg.EvalConcurrency < 1 {
		return nil, fmt.Errorf("EVAL_CONCURRENCY must be at least 1")
	}
	if cfg.PollBatchSize < 1 {
		return nil, fmt.Errorf("POLL_BATCH_SIZE must be at least 1")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("MAX_RETRIES cannot be negative")
	}
	if cfg.StuckFactor <= 0 {
		return nil, fmt.Errorf("STUCK_FACTOR must be positive")
	}
	if cfg.HeartbeatTimeout <= cfg.HeartbeatInterval {
		return nil, fmt.Errorf("HEARTBEAT_TIMEOUT must exceed HEARTBEAT_INTERVAL")
	}
	if cfg.ScoreHalfLife <= 0 {
		return nil, fmt.Errorf("SCORE_HALF_LIFE must be positive")
	}

	// Validate logging config
	if err := cfg.Logging.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}

	return cfg, nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat retrieves an environment variable as a float or returns a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration retrieves an environment variable as a duration or returns a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// loadLoggingConfig loads logging configuration from environment variables
func loadLoggingConfig() *logger.Config {
	cfg := logger.DefaultConfig()

	if level := getEnv("LOG_LEVEL", ""); level != "" {
		cfg.Level = logger.LogLevel(level)
	}

	// Tier 1: Console
	cfg.Console.Enabled = getEnvAsBool("LOG_CONSOLE_ENABLED", true)
	cfg.Console.JSON = getEnvAsBool("LOG_CONSOLE_JSON", false)
	cfg.Console.Color = getEnvAsBool("LOG_CONSOLE_COLOR", false)

	// Tier 2: File
	cfg.File.Enabled = getEnvAsBool("LOG_FILE_ENABLED", false)
	cfg.File.Path = getEnv("LOG_FILE_PATH", "/var/log/governor/governor.log")
	cfg.File.MaxSizeMB = getEnvAsInt("LOG_FILE_MAX_SIZE_MB", 100)
	cfg.File.MaxBackups = getEnvAsInt("LOG_FILE_MAX_BACKUPS", 5)
	cfg.File.MaxAgeDays = getEnvAsInt("LOG_FILE_MAX_AGE_DAYS", 30)
	cfg.File.Compress = getEnvAsBool("LOG_FILE_COMPRESS", true)
	cfg.File.BufferSize = getEnvAsInt("LOG_FILE_BUFFER_SIZE", 10000)
	cfg.File.BatchSize = getEnvAsInt("LOG_FILE_BATCH_SIZE", 100)
	cfg.File.BatchInterval = getEnvAsDuration("LOG_FILE_BATCH_INTERVAL", 100*time.Millisecond)

	return cfg
}

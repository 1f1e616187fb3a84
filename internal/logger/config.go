package logger

import (
	"fmt"
	"time"
)

// LogLevel controls which entries are emitted
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Component tags a log entry with the subsystem that produced it
type Component string

const (
	ComponentGovernor   Component = "governor"
	ComponentEvaluator  Component = "evaluator"
	ComponentLimits     Component = "limits"
	ComponentRest       Component = "rest"
	ComponentSelector   Component = "selector"
	ComponentDispatcher Component = "dispatcher"
	ComponentRegistry   Component = "registry"
	ComponentMonitor    Component = "monitor"
	ComponentAnalytics  Component = "analytics"
	ComponentViolation  Component = "violation"
	ComponentSweeper    Component = "sweeper"
	ComponentScheduler  Component = "scheduler"
	ComponentAPI        Component = "api"
	ComponentWorker     Component = "worker"
)

// Config drives the tiered logger. The console tier is always available; the
// file tier is optional and rotates through lumberjack.
type Config struct {
	Level LogLevel

	Console ConsoleConfig
	File    FileConfig
}

// ConsoleConfig configures the console tier
type ConsoleConfig struct {
	Enabled bool
	// JSON switches the console encoder from text to JSON
	JSON bool
	// Color switches the text encoder to level-colored output. Ignored when
	// JSON is set.
	Color bool
}

// FileConfig configures the rotating file tier
type FileConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	// BufferSize is the async channel depth; entries are dropped, never
	// blocked on, when the buffer is full
	BufferSize int
	// BatchSize and BatchInterval bound how long entries sit in the batch
	// buffer before a write
	BatchSize     int
	BatchInterval time.Duration
}

// DefaultConfig returns the configuration used when nothing is set in the
// environment
func DefaultConfig() *Config {
	return &Config{
		Level:   LevelInfo,
		Console: ConsoleConfig{Enabled: true},
		File: FileConfig{
			Enabled:       false,
			Path:          "/var/log/governor/governor.log",
			MaxSizeMB:     100,
			MaxBackups:    5,
			MaxAgeDays:    30,
			Compress:      true,
			BufferSize:    10000,
			BatchSize:     100,
			BatchInterval: 100 * time.Millisecond,
		},
	}
}

// Validate checks the configuration before the logger is built
func (c *Config) Validate() error {
	switch c.Level {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
	default:
		return fmt.Errorf("unknown log level %q", c.Level)
	}
	if c.File.Enabled {
		if c.File.Path == "" {
			return fmt.Errorf("file logging enabled but path is empty")
		}
		if c.File.BufferSize < 1 {
			return fmt.Errorf("file buffer size must be at least 1")
		}
		if c.File.BatchSize < 1 {
			return fmt.Errorf("file batch size must be at least 1")
		}
	}
	return nil
}

// severity orders levels for threshold checks
func severity(l LogLevel) int {
	switch l {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarn:
		return 2
	default:
		return 3
	}
}

// Package logger provides the tiered structured logger used throughout the
// governor: a console tier for interactive use and an optional rotating file
// tier for retention. Logging never blocks a caller.
package logger

import (
	"fmt"
	"sync"
	"time"
)

// Logger is the interface the rest of the codebase logs through
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})

	// WithComponent returns a logger tagged with a subsystem
	WithComponent(component Component) Logger
	// WithFields returns a logger carrying additional base fields
	WithFields(fields map[string]interface{}) Logger

	// Close flushes and closes all tiers
	Close() error
}

// Entry is one structured log record as it flows to the tiers
type Entry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     LogLevel               `json:"level"`
	Message   string                 `json:"message"`
	Component Component              `json:"component,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// MultiLogger dispatches each entry to every enabled tier
type MultiLogger struct {
	config     *Config
	console    *ConsoleTier
	file       *FileTier
	component  Component
	baseFields map[string]interface{}
}

var (
	defaultMu     sync.RWMutex
	defaultLogger Logger = mustDefault()
)

func mustDefault() Logger {
	l, err := New(DefaultConfig())
	if err != nil {
		panic(fmt.Sprintf("default logger: %v", err))
	}
	return l
}

// Default returns the process-wide logger
func Default() Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefault replaces the process-wide logger
func SetDefault(l Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}

// New builds a multi-tier logger from config
func New(config *Config) (*MultiLogger, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logger config: %w", err)
	}

	ml := &MultiLogger{config: config}
	if config.Console.Enabled {
		ml.console = NewConsoleTier(config)
	}
	if config.File.Enabled {
		file, err := NewFileTier(config)
		if err != nil {
			// File logging is best-effort; fall back to console only
			fmt.Printf("warning: file logger disabled: %v\n", err)
		} else {
			ml.file = file
		}
	}
	return ml, nil
}

// Debug logs at debug level
func (ml *MultiLogger) Debug(msg string, args ...interface{}) { ml.log(LevelDebug, msg, args) }

// Info logs at info level
func (ml *MultiLogger) Info(msg string, args ...interface{}) { ml.log(LevelInfo, msg, args) }

// Warn logs at warn level
func (ml *MultiLogger) Warn(msg string, args ...interface{}) { ml.log(LevelWarn, msg, args) }

// Error logs at error level
func (ml *MultiLogger) Error(msg string, args ...interface{}) { ml.log(LevelError, msg, args) }

// WithComponent returns a copy of the logger tagged with component
func (ml *MultiLogger) WithComponent(component Component) Logger {
	clone := *ml
	clone.component = component
	return &clone
}

// WithFields returns a copy of the logger carrying extra base fields
func (ml *MultiLogger) WithFields(fields map[string]interface{}) Logger {
	clone := *ml
	merged := make(map[string]interface{}, len(ml.baseFields)+len(fields))
	for k, v := range ml.baseFields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	clone.baseFields = merged
	return &clone
}

// Close flushes and closes all tiers
func (ml *MultiLogger) Close() error {
	if ml.file != nil {
		return ml.file.Close()
	}
	return nil
}

func (ml *MultiLogger) log(level LogLevel, msg string, args []interface{}) {
	if severity(level) < severity(ml.config.Level) {
		return
	}

	fields := make(map[string]interface{}, len(ml.baseFields)+len(args)/2)
	for k, v := range ml.baseFields {
		fields[k] = v
	}
	// args are alternating key/value pairs in the slog style
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", args[i])
		}
		fields[key] = args[i+1]
	}

	entry := &Entry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   msg,
		Component: ml.component,
		Fields:    fields,
	}

	if ml.console != nil {
		ml.console.Write(entry)
	}
	if ml.file != nil {
		ml.file.Write(entry)
	}
}

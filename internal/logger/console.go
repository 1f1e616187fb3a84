package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
)

// ConsoleTier writes entries to stderr through slog: plain text, JSON, or
// level-colored text for interactive use
type ConsoleTier struct {
	logger *slog.Logger
}

// NewConsoleTier builds the console tier from config
func NewConsoleTier(config *Config) *ConsoleTier {
	opts := &slog.HandlerOptions{Level: slogLevel(config.Level)}
	var handler slog.Handler
	switch {
	case config.Console.JSON:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	case config.Console.Color:
		handler = newColorHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return &ConsoleTier{logger: slog.New(handler)}
}

// Write emits one entry
func (ct *ConsoleTier) Write(entry *Entry) {
	attrs := make([]interface{}, 0, 2+len(entry.Fields)*2)
	if entry.Component != "" {
		attrs = append(attrs, "component", string(entry.Component))
	}
	for k, v := range entry.Fields {
		attrs = append(attrs, k, v)
	}

	switch entry.Level {
	case LevelDebug:
		ct.logger.Debug(entry.Message, attrs...)
	case LevelInfo:
		ct.logger.Info(entry.Message, attrs...)
	case LevelWarn:
		ct.logger.Warn(entry.Message, attrs...)
	default:
		ct.logger.Error(entry.Message, attrs...)
	}
}

func slogLevel(l LogLevel) slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// colorHandler renders `time LEVEL message key=value ...` with the level
// colored by severity
type colorHandler struct {
	w     io.Writer
	opts  *slog.HandlerOptions
	attrs []slog.Attr
	mu    *sync.Mutex

	debugColor *color.Color
	infoColor  *color.Color
	warnColor  *color.Color
	errorColor *color.Color
}

func newColorHandler(w io.Writer, opts *slog.HandlerOptions) *colorHandler {
	return &colorHandler{
		w:          w,
		opts:       opts,
		mu:         &sync.Mutex{},
		debugColor: color.New(color.FgCyan),
		infoColor:  color.New(color.FgGreen),
		warnColor:  color.New(color.FgYellow),
		errorColor: color.New(color.FgRed, color.Bold),
	}
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts != nil && h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var levelStr string
	switch r.Level {
	case slog.LevelDebug:
		levelStr = h.debugColor.Sprint("DEBUG")
	case slog.LevelWarn:
		levelStr = h.warnColor.Sprint("WARN")
	case slog.LevelError:
		levelStr = h.errorColor.Sprint("ERROR")
	default:
		levelStr = h.infoColor.Sprint("INFO")
	}

	line := r.Time.Format(time.RFC3339) + " " + levelStr + " " + r.Message
	for _, a := range h.attrs {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value.Any())
	}
	r.Attrs(func(a slog.Attr) bool {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value.Any())
		return true
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, line+"\n")
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &c
}

func (h *colorHandler) WithGroup(string) slog.Handler { return h }

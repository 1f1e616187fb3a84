package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("default level = %s, want info", cfg.Level)
	}
	if !cfg.Console.Enabled {
		t.Error("console tier should be enabled by default")
	}
	if cfg.Console.JSON || cfg.Console.Color {
		t.Error("console should default to plain text")
	}
	if cfg.File.Enabled {
		t.Error("file tier should be disabled by default")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"bad level", func(c *Config) { c.Level = "verbose" }, true},
		{"file without path", func(c *Config) { c.File.Enabled = true; c.File.Path = "" }, true},
		{"file zero buffer", func(c *Config) { c.File.Enabled = true; c.File.BufferSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWithFieldsCarriesBaseFields(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Console.Enabled = false
	base, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tagged := base.WithFields(map[string]interface{}{"instance": "gov-1"})
	// The original logger must not see the new field
	if len(base.baseFields) != 0 {
		t.Errorf("base logger gained fields: %v", base.baseFields)
	}
	ml, ok := tagged.(*MultiLogger)
	if !ok {
		t.Fatalf("WithFields returned %T", tagged)
	}
	if ml.baseFields["instance"] != "gov-1" {
		t.Errorf("tagged fields = %v", ml.baseFields)
	}
}

func TestColorHandlerRendersLevelAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := newColorHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	l := slog.New(h)

	l.Warn("account throttled", "account_id", "acct-1", "used", 3)

	out := buf.String()
	if !strings.Contains(out, "WARN") {
		t.Errorf("missing level marker: %q", out)
	}
	if !strings.Contains(out, "account throttled") {
		t.Errorf("missing message: %q", out)
	}
	if !strings.Contains(out, "account_id=acct-1") || !strings.Contains(out, "used=3") {
		t.Errorf("missing attributes: %q", out)
	}
}

func TestColorHandlerHonorsLevelThreshold(t *testing.T) {
	var buf bytes.Buffer
	h := newColorHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})
	l := slog.New(h)

	l.Info("below threshold")
	if buf.Len() != 0 {
		t.Errorf("info leaked through a warn threshold: %q", buf.String())
	}

	l.Error("above threshold")
	if !strings.Contains(buf.String(), "above threshold") {
		t.Errorf("error was filtered: %q", buf.String())
	}
}

func TestColorHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	h := newColorHandler(&buf, nil)
	l := slog.New(h).With("component", "governor")

	l.Info("started")

	if !strings.Contains(buf.String(), "component=governor") {
		t.Errorf("bound attribute missing: %q", buf.String())
	}
}

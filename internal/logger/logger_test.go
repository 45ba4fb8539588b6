package logger

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"debug console", "debug", "console"},
		{"info console", "info", "console"},
		{"warn console", "warn", "console"},
		{"error console", "error", "console"},
		{"json format", "info", "json"},
		{"uppercase level", "DEBUG", "console"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Setup(tt.level, tt.format)
			if Log == nil {
				t.Error("expected Log to be initialized")
			}
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	tests := []struct {
		level  string
		expect zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"unknown", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			Setup(tt.level, "console")
			if got := zerolog.GlobalLevel(); got != tt.expect {
				t.Errorf("level %s: expected %v, got %v", tt.level, tt.expect, got)
			}
		})
	}
}

func TestFieldHandling(t *testing.T) {
	Setup("info", "console")

	// None of these should panic regardless of arg shape.
	Log.Info("no fields")
	Log.Info("pairs", "key", "value", "count", 3)
	Log.Info("odd args", "key1", "value1", "orphan")
	Log.Info("non-string key", 123, "value")
	Log.Info("nil value", "key", nil)
	Log.Debug("debug", "k", 1)
	Log.Warn("warn", "k", 1)
	Log.Error("error", "k", 1)
}

func TestWithComponent(t *testing.T) {
	Setup("info", "console")

	child := Log.With("rank0")
	if child == nil {
		t.Fatal("expected child logger")
	}
	child.Info("scoped message", "step", 1)

	// Parent is unaffected and still usable.
	Log.Info("parent message")
}

package slogger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLogLevel(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected LogLevel
	}{
		{"debug level", "debug", LevelDebug},
		{"info level", "info", LevelInfo},
		{"warn level", "warn", LevelWarn},
		{"error level", "error", LevelError},
		{"uppercase", "ERROR", LevelError},
		{"mixed case", "WaRn", LevelWarn},
		{"invalid level", "invalid", DefaultLogLevel},
		{"empty string", "", DefaultLogLevel},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, LevelFromString(tc.input))
		})
	}
}

func TestDevNullLogger(t *testing.T) {
	logger := NewDevNullLogger()

	// These calls should not panic
	logger.Debug("debug message", "key", "value")
	logger.Info("info message", "key", "value")
	logger.Warn("warn message", "key", "value")
	logger.Error("error message", "key", "value")

	withLogger := logger.With("context", "value")
	require.NotNil(t, withLogger)
	require.IsType(t, &DevNullLogger{}, withLogger)
}

func TestSlogger(t *testing.T) {
	logger := New(LevelDebug)
	require.NotNil(t, logger)

	logger.Debug("debug message", "key", "value")
	logger.Info("info message", "key", "value")

	withLogger := logger.With("execution_id", "abc")
	require.NotNil(t, withLogger)
	require.IsType(t, &Slogger{}, withLogger)
}

func TestCaptureLogger(t *testing.T) {
	logger := NewCaptureLogger()
	logger.Info("dispatched", "execution_id", "e1")
	logger.Warn("duplicate callback", "execution_id", "e1")

	bound := logger.With("workflow_instance_id", "w1")
	bound.Error("plugin failed")

	entries := logger.Entries()
	require.Len(t, entries, 3)
	require.Equal(t, "dispatched", entries[0].Message)
	require.Equal(t, []string{"duplicate callback"}, logger.Messages("warn"))
	require.Equal(t, []any{"workflow_instance_id", "w1"}, entries[2].Keys)
}

func TestContextFunctions(t *testing.T) {
	logger := NewDevNullLogger()

	ctx := WithLogger(context.Background(), logger)
	require.Equal(t, logger, Ctx(ctx))

	// Missing or nil contexts fall back to a console logger.
	require.IsType(t, &Slogger{}, Ctx(context.Background()))
	require.IsType(t, &Slogger{}, Ctx(nil))
}

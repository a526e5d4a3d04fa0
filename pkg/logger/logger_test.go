package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), tt.in)
	}
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "info", FormatJSON)

	l.Debug("hidden")
	l.Info("batch processed", "count", 3, "error", errors.New("boom"), "dangling")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	assert.Equal(t, "batch processed", entry["msg"])
	assert.Equal(t, float64(3), entry["count"])
	assert.Equal(t, "boom", entry["error"])
	assert.Equal(t, "missing", entry["dangling"])
}

func TestTextLogger_RespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, "warn", FormatText)

	l.Info("not shown")
	assert.Zero(t, buf.Len())

	l.Warn("shown", "key", "value")
	assert.Contains(t, buf.String(), "shown")
	assert.Contains(t, buf.String(), "key")
}

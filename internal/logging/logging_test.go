// ABOUTME: Tests for level parsing and both log output formats
// ABOUTME: Color is disabled so text output can be compared literally

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn", "json")

	logger.Info("hidden")
	logger.With("component", "broker").Warn("dropped", "count", 3)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "dropped", rec["msg"])
	assert.Equal(t, "broker", rec["component"])
	assert.EqualValues(t, 3, rec["count"])
}

func TestNew_Text(t *testing.T) {
	prev := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = prev })

	var buf bytes.Buffer
	logger := New(&buf, "debug", "text")

	logger.With("component", "mirror").WithGroup("op").Debug("queued", "kind", "put")
	logger.Error("failed")

	out := buf.String()
	assert.Contains(t, out, "DBG queued component=mirror op.kind=put")
	assert.Contains(t, out, "ERR failed")
}

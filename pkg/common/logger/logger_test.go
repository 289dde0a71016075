package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	dec := json.NewDecoder(buf)
	for dec.More() {
		m := make(map[string]any)
		require.NoError(t, dec.Decode(&m))
		out = append(out, m)
	}
	return out
}

func TestLogger_WithAndLevels(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelInfo, "bookingd", func(context.Context) string { return "trace-1" })

	log.With("component", "executor").Info(context.Background(), "run started", "session_id", "s-1")
	log.Debug(context.Background(), "dropped")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "run started", lines[0]["msg"])
	assert.Equal(t, "executor", lines[0]["component"])
	assert.Equal(t, "s-1", lines[0]["session_id"])
	assert.Equal(t, "bookingd", lines[0]["service"])
	assert.Equal(t, "trace-1", lines[0]["trace_id"])
}

func TestLogger_ErrorEvent(t *testing.T) {
	var buf bytes.Buffer
	var got Record
	log := NewWithEvents(&buf, LevelDebug, "bookingd", nil, Events{
		Error: func(_ context.Context, r Record) { got = r },
	})

	log.Error(context.Background(), "commit failed", "attempt", 2)

	assert.Equal(t, "commit failed", got.Message)
	assert.Equal(t, int64(2), got.Attributes["attempt"])
}

func TestLoggerContext_Add(t *testing.T) {
	var buf bytes.Buffer
	lc := NewLoggerContext(New(&buf, LevelDebug, "bookingd", nil))
	lc.Add("session_id", "s-9")
	lc.Debug(context.Background(), "state committed", "state", "searching")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "s-9", lines[0]["session_id"])
	assert.Equal(t, "searching", lines[0]["state"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelInfo, ParseLevel("bogus"))
}

func TestLogger_TeeWritesToBothHandlers(t *testing.T) {
	var primary, secondary bytes.Buffer
	log := New(&primary, LevelInfo, "bookingd", nil).
		Tee(slog.NewJSONHandler(&secondary, &slog.HandlerOptions{Level: slog.LevelWarn}))

	log = log.With("component", "relay")
	log.Info(context.Background(), "published", "count", 3)
	log.Warn(context.Background(), "publish failed")

	assert.Len(t, decodeLines(t, &primary), 2)

	exported := decodeLines(t, &secondary)
	require.Len(t, exported, 1)
	assert.Equal(t, "publish failed", exported[0]["msg"])
	assert.Equal(t, "relay", exported[0]["component"])
}

package app

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{in: "debug", want: slog.LevelDebug},
		{in: "INFO", want: slog.LevelInfo},
		{in: "warn", want: slog.LevelWarn},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "unknown", want: slog.LevelInfo},
		{in: "", want: slog.LevelInfo},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, parseLogLevel(tc.in), "parseLogLevel(%q)", tc.in)
	}
}

func TestNewLogger_Formats(t *testing.T) {
	t.Parallel()

	var js bytes.Buffer
	newLogger(&js, "info", "json", false).Info("realtime.connect.ok", "attempt", 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(js.Bytes(), &rec))
	assert.Equal(t, "realtime.connect.ok", rec["msg"])
	assert.EqualValues(t, 2, rec["attempt"])

	var pretty bytes.Buffer
	log := newLogger(&pretty, "warn", "pretty", false)
	log.Info("dropped")
	log.Warn("realtime.reconnect.scheduled", "conversation_id", "42")

	out := pretty.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "[WARN] realtime.reconnect.scheduled")
	assert.Contains(t, out, "conv=42")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

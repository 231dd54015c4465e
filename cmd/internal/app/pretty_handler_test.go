package app

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	assert.Equal(t, "INFO plain ERR", stripANSI(in))
}

func TestLevelTag(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "[DEBUG]", levelTag(slog.LevelDebug, false))
	assert.Equal(t, "[INFO]", levelTag(slog.LevelInfo, false))
	assert.Equal(t, "[WARN]", levelTag(slog.LevelWarn, false))
	assert.Equal(t, "[ERROR]", levelTag(slog.LevelError+4, false))
	assert.Equal(t, ansiRed+"[ERROR]"+ansiReset, levelTag(slog.LevelError, true))
}

func TestPrettyHandler_Output(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, true)).
		With("component", "realtime").
		WithGroup("conn")

	log.Info("realtime.state",
		"from", "connecting",
		"to", "connected",
		"conversation_id", "42",
		"err", errors.New("read: eof"),
		slog.Group("queue", "depth", 3),
	)

	out := stripANSI(buf.String())
	assert.True(t, strings.HasSuffix(out, "\n"))
	assert.Contains(t, out, "[INFO] realtime.state")
	assert.Contains(t, out, "component=realtime")
	assert.Contains(t, out, "conn.from=connecting")
	assert.Contains(t, out, "conn.to=connected")
	assert.Contains(t, out, "conn.conv=42")
	assert.Contains(t, out, `conn.err="read: eof"`)
	assert.Contains(t, out, "conn.queue.depth=3")

	assert.Contains(t, buf.String(), ansiGreen+"connected"+ansiReset)
}

func TestQuoteIfNeeded(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `""`, quoteIfNeeded(""))
	assert.Equal(t, "plain", quoteIfNeeded("plain"))
	assert.Equal(t, `"a b"`, quoteIfNeeded("a b"))
	assert.Equal(t, `"k=v"`, quoteIfNeeded("k=v"))
}

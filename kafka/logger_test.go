package kafka

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlogLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))

	logger.Debug("hidden %d", 1)
	logger.Info("assigned %d partition(s)", 3)
	logger.Error("commit failed: %v", errBoom)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "level=INFO")
	assert.Contains(t, lines[0], `msg="assigned 3 partition(s)"`)
	assert.Contains(t, lines[1], "level=ERROR")
	assert.Contains(t, lines[1], "boom")
}

func TestDefaultLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewDefaultLoggerTo(&buf, LogLevelWarn)

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("slow commit on %s", "orders[0]")
	logger.Error("halted")

	out := buf.String()
	assert.NotContains(t, out, "[DEBUG]")
	assert.NotContains(t, out, "[INFO]")
	assert.Contains(t, out, "[WARN] slow commit on orders[0]")
	assert.Contains(t, out, "[ERROR] halted")

	buf.Reset()
	NewDefaultLoggerTo(&buf, LogLevelNone).Error("dropped")
	assert.Empty(t, buf.String())
}

func TestLoggingHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	b := NewMemoryBroker(1)
	produce(t, b, "orders", 0, "a")
	c := newTestConsumer(t, b, "billing", WithHandler(NewLoggingHandler(logger)))
	c.Handle(func(context.Context, *Message) error { return nil })
	errCh := start(t, c)
	assert.Eventually(t, committedEquals(b, "billing", 0, 1), waitTimeout, waitTick)
	c.Stop()
	require.NoError(t, waitRun(t, errCh))

	assert.Contains(t, buf.String(), "orders[0]")
}

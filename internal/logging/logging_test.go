package logging

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncwirehq/syncwire/internal/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelInfo, parseLevel("info"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestNewLogger_ConsoleOnly(t *testing.T) {
	cfg := config.DefaultLoggingConfig()
	cfg.File.Enabled = false

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	require.NotNil(t, logger)
}

func TestNewLogger_FileOutput(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultLoggingConfig()
	cfg.Console.Enabled = false
	cfg.File.Enabled = true
	cfg.Dir = filepath.Join(dir, "logs")

	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	logger.Info("hello")
	require.NoError(t, Shutdown())
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	filtered := NewLevelFilter(inner, slog.LevelWarn)

	ctx := context.Background()
	assert.False(t, filtered.Enabled(ctx, slog.LevelInfo))
	assert.True(t, filtered.Enabled(ctx, slog.LevelWarn))

	logger := slog.New(filtered)
	logger.Info("dropped")
	logger.Warn("kept")

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "kept")
}

func TestMultiHandler_FansOut(t *testing.T) {
	var a, b bytes.Buffer
	multi := NewMultiHandler(
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelWarn}),
	)

	logger := slog.New(multi)
	logger.Info("only-a")
	logger.Warn("both")

	assert.Contains(t, a.String(), "only-a")
	assert.Contains(t, a.String(), "both")
	assert.NotContains(t, b.String(), "only-a")
	assert.Contains(t, b.String(), "both")
}

func TestMultiHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	multi := NewMultiHandler(slog.NewTextHandler(&buf, nil))

	logger := slog.New(multi.WithAttrs([]slog.Attr{slog.String("component", "session")}))
	logger.Info("msg")

	assert.Contains(t, buf.String(), "component=session")
}

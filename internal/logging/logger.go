// Package logging configures the process-wide slog logger with console and
// rotating file outputs.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/syncwirehq/syncwire/internal/config"
)

var (
	logFiles   []*lumberjack.Logger
	logFilesMu sync.Mutex
)

// Initialize sets up the global logger based on configuration
func Initialize(cfg config.LoggingConfig) error {
	logger, err := NewLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	slog.SetDefault(logger)

	slog.Info("Logging initialized",
		"level", cfg.Level,
		"format", cfg.Format,
		"console_enabled", cfg.Console.Enabled,
		"file_enabled", cfg.File.Enabled,
	)

	return nil
}

// NewLogger creates a new logger instance with the given configuration
func NewLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var handlers []slog.Handler

	if cfg.Console.Enabled {
		level := parseLevel(cfg.Console.Level)
		handlers = append(handlers, createHandler(os.Stdout, cfg.Console.Format, level))
	}

	if cfg.File.Enabled {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		// Main log file (all levels)
		mainFile := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, "syncwire.log"),
			MaxSize:    cfg.Rotation.MaxSize,
			MaxBackups: cfg.Rotation.MaxBackups,
			MaxAge:     cfg.Rotation.MaxAge,
			Compress:   cfg.Rotation.Compress,
		}
		registerLogFile(mainFile)
		handlers = append(handlers, createHandler(mainFile, cfg.File.Format, parseLevel(cfg.File.Level)))

		// Error log file (warn and error only)
		errorFile := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, "errors.log"),
			MaxSize:    cfg.Rotation.MaxSize,
			MaxBackups: cfg.Rotation.MaxBackups,
			MaxAge:     cfg.Rotation.MaxAge,
			Compress:   cfg.Rotation.Compress,
		}
		registerLogFile(errorFile)

		errorHandler := createHandler(errorFile, cfg.File.Format, slog.LevelWarn)
		handlers = append(handlers, NewLevelFilter(errorHandler, slog.LevelWarn))
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = createHandler(io.Discard, cfg.Format, parseLevel(cfg.Level))
	case 1:
		handler = handlers[0]
	default:
		handler = NewMultiHandler(handlers...)
	}

	return slog.New(handler), nil
}

// Shutdown gracefully closes all log files
func Shutdown() error {
	logFilesMu.Lock()
	defer logFilesMu.Unlock()

	for _, logFile := range logFiles {
		if err := logFile.Close(); err != nil {
			return fmt.Errorf("failed to close log file: %w", err)
		}
	}

	logFiles = nil
	return nil
}

func registerLogFile(logFile *lumberjack.Logger) {
	logFilesMu.Lock()
	defer logFilesMu.Unlock()
	logFiles = append(logFiles, logFile)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func createHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

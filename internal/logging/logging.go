// Package logging wires a slog.Logger the way the teacher's pipeline
// does: stdout always, a rotating daily file alongside it when enabled,
// installed as the process default.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"starbash/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug,
// warn, error). format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// Setup configures global logging with file output, and installs the
// result as slog's process default.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	level := parseLevel(cfg.Logging.Level)
	opts := &slog.HandlerOptions{Level: level}

	var writers []io.Writer
	writers = append(writers, os.Stdout)

	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		logFile := filepath.Join(cfg.Logging.LogDir, fmt.Sprintf("starbash-%s.log",
			time.Now().Format("2006-01-02")))
		file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, file)

		currentLogPath := filepath.Join(cfg.Logging.LogDir, "starbash-current.log")
		os.Remove(currentLogPath)
		_ = os.Symlink(filepath.Base(logFile), currentLogPath)
	}

	multiWriter := io.MultiWriter(writers...)

	var handler slog.Handler
	if strings.ToLower(cfg.Logging.Format) == "json" {
		handler = slog.NewJSONHandler(multiWriter, opts)
	} else {
		handler = slog.NewTextHandler(multiWriter, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("starbash logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)

	return logger, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogTaskStart logs the beginning of a task dispatch.
func LogTaskStart(logger *slog.Logger, taskName, toolKind, workDir string) {
	logger.Info("task started", "task", taskName, "tool", toolKind, "workdir", workDir)
}

// LogTaskComplete logs successful task completion.
func LogTaskComplete(logger *slog.Logger, taskName string, duration time.Duration, outputs []string) {
	logger.Info("task completed",
		"task", taskName,
		"duration_ms", duration.Milliseconds(),
		"outputs", outputs,
	)
}

// LogTaskError logs task failure.
func LogTaskError(logger *slog.Logger, taskName string, duration time.Duration, err error) {
	logger.Error("task failed",
		"task", taskName,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
	)
}

// LogToolStatus logs tool detection and status from the pre-flight check.
func LogToolStatus(logger *slog.Logger, tool string, available bool, version, path string, err error) {
	if available {
		logger.Debug("tool detected", "tool", tool, "version", version, "path", path)
	} else {
		logger.Warn("tool not available", "tool", tool, "error", err)
	}
}

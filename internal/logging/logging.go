// Package logging sets up structured slog logging: JSON to a rotating
// file and/or stderr, with a human-readable handler when stderr is a
// terminal.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/medlit/medlit/internal/config"
)

// Setup initializes logging from configuration and returns the logger
// plus a cleanup function that flushes and closes the log file.
func Setup(cfg config.LoggingConfig) (*slog.Logger, func(), error) {
	level := parseLevel(cfg.Level)
	cleanup := func() {}

	var fileWriter io.Writer
	if cfg.FilePath != "" {
		w, err := NewRotatingWriter(cfg.FilePath, cfg.MaxSizeMB, cfg.MaxFiles)
		if err != nil {
			return nil, nil, err
		}
		fileWriter = w
		cleanup = func() {
			_ = w.Sync()
			_ = w.Close()
		}
	}

	var handler slog.Handler
	switch {
	case fileWriter != nil:
		// File gets JSON; stderr mirrors it for operators.
		out := io.MultiWriter(fileWriter, os.Stderr)
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	case isatty.IsTerminal(os.Stderr.Fd()):
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger := slog.New(handler)
	return logger, cleanup, nil
}

// SetupDefault configures logging and installs it as the process-wide
// default. Returns the cleanup function.
func SetupDefault(cfg config.LoggingConfig) (func(), error) {
	logger, cleanup, err := Setup(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return cleanup, nil
}

// parseLevel converts a string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LevelFromString converts a string level to slog.Level.
func LevelFromString(level string) slog.Level {
	return parseLevel(level)
}

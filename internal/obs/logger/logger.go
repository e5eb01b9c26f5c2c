// Package logger wires the process-wide slog logger used by every
// devrig component (schedulers, sandbox, plugin manager, HTTP layer).
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Init configures the default slog logger. logDir is the directory under
// the app's userData tree (<userData>/logs); when it cannot be created or
// opened, a warning is printed to stderr and logging falls back to
// stdout only.
func Init(logLevel, logFormat string, enabled bool, logDir string) {
	if !enabled {
		slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
		return
	}

	var logOutput io.Writer = os.Stdout
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to create log directory: %v\n", err)
		} else if f, err := os.OpenFile(filepath.Join(logDir, "devrig.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666); err == nil {
			logOutput = io.MultiWriter(os.Stdout, f)
		} else {
			fmt.Fprintf(os.Stderr, "warning: failed to open log file: %v\n", err)
		}
	}

	level := parseLevel(logLevel)
	opts := &slog.HandlerOptions{Level: level}

	var baseHandler slog.Handler
	if logFormat == "text" {
		baseHandler = slog.NewTextHandler(logOutput, opts)
	} else {
		baseHandler = slog.NewJSONHandler(logOutput, opts)
	}

	logger := slog.New(NewTraceHandler(baseHandler))
	slog.SetDefault(logger)

	slog.Info("logger initialized", "level", logLevel, "format", logFormat)
}

func parseLevel(logLevel string) slog.Level {
	switch logLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Component returns a logger tagged with a component name, the convention
// every scheduler and sandbox-facing package uses instead of a bespoke
// per-component logger type.
func Component(name string) *slog.Logger {
	return slog.Default().With("component", name)
}

// Package logger provides structured logging setup for troika.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New creates a *slog.Logger from the given level and service name.
// Output is JSON with a "service" attribute on every record. When extra
// writers are given (log file, in-memory tail) the output is teed to them.
func New(level, service string, extra ...io.Writer) *slog.Logger {
	writers := append([]io.Writer{os.Stdout}, extra...)

	handler := slog.NewJSONHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: ParseLevel(level),
	})

	return slog.New(handler).With("service", service)
}

// ParseLevel converts a string log level to slog.Level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

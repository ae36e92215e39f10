// Package log configures the process-wide slog logger.
package log

import (
	"io"
	"log/slog"
	"os"
)

// Setup installs the default logger. Format is "text" (default) or "json".
func Setup(logLevel string, format ...string) {
	handlerOptions := &slog.HandlerOptions{Level: ParseLevel(logLevel)}

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, handlerOptions)
	if len(format) > 0 && format[0] == "json" {
		handler = slog.NewJSONHandler(os.Stderr, handlerOptions)
	}

	slog.SetDefault(slog.New(handler))
}

func ParseLevel(logLevel string) slog.Level {
	switch logLevel {
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

func WithModule(module string) *slog.Logger {
	return slog.With("module", module)
}

// Discard returns a logger that drops every record. Used by tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Setup creates the process logger, sets it as the default, and returns it.
// Development gets human-readable text, every other environment gets JSON.
// Unrecognized levels fall back to info.
func Setup(level, environment string) *slog.Logger {
	logger := New(os.Stderr, level, environment)
	slog.SetDefault(logger)
	return logger
}

func New(w io.Writer, level, environment string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if environment == "" || environment == "development" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

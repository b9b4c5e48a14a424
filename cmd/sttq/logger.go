package main

import (
	"io"
	"log/slog"
)

// newLogger builds the process logger: human-readable text on a terminal,
// JSON otherwise so the output can be shipped as-is.
func newLogger(w io.Writer, level string, tty bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if tty {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	switch level {
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

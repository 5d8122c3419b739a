package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// L is the process-wide logger. It is replaced by Init.
var L = slog.Default()

// Init configures L with the given level and format ("text" or "json") and
// installs it as the slog default.
func Init(level, format string) {
	L = New(os.Stderr, level, format)
	slog.SetDefault(L)
}

// New builds a logger writing to w.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
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

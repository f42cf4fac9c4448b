// Package logging builds the slog loggers used by the scadaflow commands.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Formats
const (
	FormatJSON = "json"
	FormatText = "text"
)

// New creates a logger writing to stdout. format is "json" (default) or
// "text".
func New(level slog.Level, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter creates a logger writing to w.
func NewWithWriter(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: level,
		// Add source location when debugging
		AddSource: level <= slog.LevelDebug,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case FormatText:
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel converts a string log level to slog.Level.
// Valid values: "debug", "info", "warn", "error".
// Returns slog.LevelInfo and false for invalid values.
func ParseLevel(level string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// Setup builds a logger from string settings and installs it as the
// slog default.
func Setup(level, format string) *slog.Logger {
	lvl, _ := ParseLevel(level)
	l := New(lvl, format)
	slog.SetDefault(l)
	return l
}

// internal/logging/logger.go
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a config level name to a slog level. Unknown names are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// NewLogger creates a new structured logger
func NewLogger(format string, level string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// Open builds the daemon logger. An empty file logs to stdout; otherwise the
// file is rotated at maxSizeMB. The returned closer is never nil.
func Open(format, level, file string, maxSizeMB int) (*slog.Logger, io.Closer, error) {
	if file == "" {
		return NewLogger(format, level, os.Stdout), nopCloser{}, nil
	}
	w, err := NewRotatingWriter(file, int64(maxSizeMB)*1024*1024)
	if err != nil {
		return nil, nil, err
	}
	return NewLogger(format, level, w), w, nil
}

// WithSchedule returns a logger with the schedule id attached
func WithSchedule(logger *slog.Logger, scheduleID string) *slog.Logger {
	return logger.With("schedule", scheduleID)
}

// WithComponent returns a logger tagged with the emitting component.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With("component", component)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

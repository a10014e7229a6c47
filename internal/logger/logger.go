package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// New returns a JSON slog.Logger configured for the given service name.
func New(service string, level slog.Level) *slog.Logger {
	return NewWithWriter(os.Stdout, service, level)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, service string, level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("service", service)
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrDefault returns l, or slog.Default() when l is nil.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// Attribute helpers return an empty Attr for zero values so they can be
// passed unconditionally.

// Error creates an attribute for a single error under the key "error".
func Error(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.Any("error", err)
}

// Target identifies a managed host.
func Target(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("target_id", id)
}

// Deployment identifies a deployment record.
func Deployment(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("deployment_id", id)
}

// Task identifies a background task.
func Task(id string) slog.Attr {
	if id == "" {
		return slog.Attr{}
	}
	return slog.String("task_id", id)
}

// Step names an orchestration step.
func Step(name string) slog.Attr {
	if name == "" {
		return slog.Attr{}
	}
	return slog.String("step", name)
}

// Command records a remote command line.
func Command(cmd string) slog.Attr {
	if cmd == "" {
		return slog.Attr{}
	}
	return slog.String("command", cmd)
}

// Elapsed calculates the duration since start.
func Elapsed(start time.Time) slog.Attr {
	return slog.Duration("elapsed", time.Since(start))
}

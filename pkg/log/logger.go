// Package log provides structured logging utilities for lightmine services.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

type contextKey string

// CycleIDKey carries the orchestration cycle number through a context.
const CycleIDKey contextKey = "cycle_id"

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger with the specified configuration
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	var handler slog.Handler

	logLevel := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// Nop returns a logger that discards everything. Useful in tests.
func Nop() *Logger {
	return NewWithWriter(io.Discard, "test", "test", "error", "json")
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// WithContext returns a logger with additional context fields
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if cycle := ctx.Value(CycleIDKey); cycle != nil {
		return l.WithFields("cycle_id", cycle)
	}
	return l
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithWallet returns a logger scoped to one wallet address
func (l *Logger) WithWallet(address string) *Logger {
	return l.WithFields("wallet", address)
}

// WithProxy returns a logger scoped to one proxy. Callers pass the redacted form.
func (l *Logger) WithProxy(proxy string) *Logger {
	return l.WithFields("proxy", proxy)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// LogDuration logs the duration of an operation
func (l *Logger) LogDuration(operation string, duration time.Duration) {
	l.Debug("operation completed",
		"operation", operation,
		"duration_ms", float64(duration.Nanoseconds())/1e6,
	)
}

// LogAttempt logs one proxied HTTP attempt
func (l *Logger) LogAttempt(method, path, proxy string, attempt, maxAttempts int, duration time.Duration, err error) {
	attrs := []any{
		"method", method,
		"path", path,
		"proxy", proxy,
		"attempt", attempt,
		"max_attempts", maxAttempts,
		"duration_ms", float64(duration.Nanoseconds())/1e6,
	}
	if err != nil {
		l.Error("request via proxy failed", append(attrs, "error", err.Error())...)
		return
	}
	l.Debug("request via proxy succeeded", attrs...)
}

// LogOutcome logs the end state of one wallet's pass
func (l *Logger) LogOutcome(address, state string, nextEligible time.Time, txHash string, err error) {
	attrs := []any{
		"wallet", address,
		"state", state,
	}
	if !nextEligible.IsZero() {
		attrs = append(attrs, "next_eligible", nextEligible.UTC().Format(time.RFC3339))
	}
	if txHash != "" {
		attrs = append(attrs, "tx_hash", txHash)
	}
	if err != nil {
		l.Warn("wallet pass finished", append(attrs, "error", err.Error())...)
		return
	}
	l.Info("wallet pass finished", attrs...)
}

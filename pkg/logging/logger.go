package logging

import (
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with engine-specific helpers.
type Logger struct {
	*slog.Logger
}

// New creates a JSON logger at the given level (debug, info, warn, error).
func New(level string) *Logger {
	var logLevel slog.Level

	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	handler := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(handler)

	return &Logger{Logger: logger}
}

// Default returns a logger with default settings.
func Default() *Logger {
	return New("info")
}

// Component returns a child logger tagged with the originating component.
func (l *Logger) Component(name string) *Logger {
	if l == nil {
		return Default().Component(name)
	}
	return &Logger{Logger: l.Logger.With("component", name)}
}

// WithTenant returns a child logger tagged with the tenant id.
func (l *Logger) WithTenant(tenantID string) *Logger {
	if l == nil {
		return Default().WithTenant(tenantID)
	}
	return &Logger{Logger: l.Logger.With("tenant_id", tenantID)}
}

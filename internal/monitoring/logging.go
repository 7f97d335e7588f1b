package monitoring

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// LogFormat represents the output format for logs
type LogFormat int

const (
	FormatJSON LogFormat = iota
	FormatText
)

// LoggerConfig configures the structured logger
type LoggerConfig struct {
	Level     slog.Level
	Format    LogFormat
	Output    io.Writer
	Component string
	Fields    map[string]any
}

// NewLogger creates a slog logger carrying the service name, the component
// and any extra fields on every record. Timestamps are RFC3339Nano.
func NewLogger(config LoggerConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     config.Level,
		AddSource: config.Level <= slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				a.Value = slog.StringValue(a.Value.Time().Format(time.RFC3339Nano))
			}
			return a
		},
	}

	var handler slog.Handler
	switch config.Format {
	case FormatText:
		handler = slog.NewTextHandler(config.Output, opts)
	default:
		handler = slog.NewJSONHandler(config.Output, opts)
	}

	attrs := []any{"service", "credvault"}
	if config.Component != "" {
		attrs = append(attrs, "component", config.Component)
	}
	for k, v := range config.Fields {
		attrs = append(attrs, k, v)
	}
	return slog.New(handler).With(attrs...)
}

// ParseFormat maps "text" to FormatText. Anything else is JSON.
func ParseFormat(s string) LogFormat {
	if strings.EqualFold(strings.TrimSpace(s), "text") {
		return FormatText
	}
	return FormatJSON
}

// ParseLevel maps "debug", "info", "warn" and "error" to slog levels.
// Anything else is info.
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

// NopLogger returns a logger that discards everything.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l *slog.Logger) *slog.Logger {
	if l == nil {
		return NopLogger()
	}
	return l
}

// LogSecurityEvent logs a security-related event. High and critical events
// are logged at error level, medium at warn, the rest at info.
func LogSecurityEvent(ctx context.Context, logger *slog.Logger, event, severity string, attrs ...any) {
	args := append([]any{"event", event, "severity", severity}, attrs...)
	switch severity {
	case "critical", "high":
		logger.ErrorContext(ctx, "security event detected", args...)
	case "medium":
		logger.WarnContext(ctx, "security event detected", args...)
	default:
		logger.InfoContext(ctx, "security event detected", args...)
	}
}

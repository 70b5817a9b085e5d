// Package logger provides structured logging using log/slog.
// It sets up a JSON handler with service-level context and provides
// trace ID propagation through context.Context, one trace per poll cycle.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

type ctxKey string

const traceIDKey ctxKey = "trace_id"

// Init creates a JSON logger on stdout for the given service and installs
// it as the slog default.
func Init(service string, level slog.Level) *slog.Logger {
	return InitWriter(os.Stdout, service, level)
}

// InitWriter is Init with an explicit destination.
func InitWriter(w io.Writer, service string, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With(
		slog.String("service", service),
	)

	// Set as default so log/slog.Info() etc. also use structured output
	slog.SetDefault(logger)

	return logger
}

// FileOptions configures the rotating log file. An empty Path disables it.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// InitFile is Init that also writes every line to a rotating file. The
// returned closer flushes and closes the file; it is a no-op when
// opts.Path is empty.
func InitFile(service string, level slog.Level, opts FileOptions) (*slog.Logger, io.Closer) {
	if opts.Path == "" {
		return Init(service, level), io.NopCloser(nil)
	}
	lj := &lumberjack.Logger{
		Filename:   opts.Path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
	return InitWriter(io.MultiWriter(os.Stdout, lj), service, level), lj
}

// ParseLevel maps "debug", "info", "warn"/"warning" and "error" to a slog
// level. Anything else is info.
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

// WithTraceID stores a trace ID in the context for downstream propagation.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID extracts the trace ID from context. Returns "" if not set.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// GenerateTraceID creates a trace ID from a prefix and timestamp.
// Format: "{prefix}-{unixNano}".
func GenerateTraceID(prefix string, ts time.Time) string {
	return fmt.Sprintf("%s-%d", prefix, ts.UnixNano())
}

// LogWithTrace returns slog attributes including the trace ID from context.
// Usage: slog.Info("msg", logger.LogWithTrace(ctx)...)
func LogWithTrace(ctx context.Context) []any {
	tid := TraceID(ctx)
	if tid == "" {
		return nil
	}
	return []any{slog.String("trace_id", tid)}
}

// FromContext returns the default logger carrying ctx's trace ID.
func FromContext(ctx context.Context) *slog.Logger {
	return slog.Default().With(LogWithTrace(ctx)...)
}

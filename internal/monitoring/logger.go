package monitoring

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Logger provides structured logging with domain helpers
type Logger struct {
	*slog.Logger
}

// ParseLevel maps LOG_LEVEL values to slog levels, defaulting to info
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

// NewLogger creates a JSON logger on stdout at the given level
func NewLogger(level slog.Level) *Logger {
	return NewLoggerTo(os.Stdout, level)
}

// NewLoggerTo creates a JSON logger writing to w
func NewLoggerTo(w io.Writer, level slog.Level) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// RFC3339 timestamps under "timestamp"
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{
					Key:   "timestamp",
					Value: slog.StringValue(a.Value.Time().Format(time.RFC3339)),
				}
			}
			return a
		},
	})

	return &Logger{
		Logger: slog.New(handler),
	}
}

// RequestLogger logs HTTP request details
func (l *Logger) RequestLogger(method, path, ip, userAgent string, statusCode int, duration time.Duration) {
	level := slog.LevelInfo
	if statusCode >= 500 {
		level = slog.LevelWarn
	}

	l.Log(context.Background(), level, "HTTP Request",
		"method", method,
		"path", path,
		"ip", ip,
		"user_agent", userAgent,
		"status_code", statusCode,
		"duration_ms", duration.Milliseconds(),
	)
}

// PipelineLogger logs a batch stage transition
func (l *Logger) PipelineLogger(ownerID, batchID, stage string, records, faults int, duration time.Duration) {
	l.Info("Pipeline Stage",
		"owner_id", ownerID,
		"batch_id", batchID,
		"stage", stage,
		"records", records,
		"faults", faults,
		"duration_ms", duration.Milliseconds(),
	)
}

// PipelineFailureLogger logs a batch that ended in Failed
func (l *Logger) PipelineFailureLogger(ownerID, stage, kind string, err error, duration time.Duration) {
	l.Warn("Pipeline Failed",
		"owner_id", ownerID,
		"stage", stage,
		"error_kind", kind,
		"error", err.Error(),
		"duration_ms", duration.Milliseconds(),
	)
}

// ScoringLogger logs one outbound scoring attempt
func (l *Logger) ScoringLogger(chunk, attempt, size, statusCode int, duration time.Duration, err error) {
	attrs := []any{
		"chunk", chunk,
		"attempt", attempt,
		"size", size,
		"status_code", statusCode,
		"duration_ms", duration.Milliseconds(),
	}

	if err != nil {
		l.Warn("Scoring Call Failed", append(attrs, "error", err.Error())...)
		return
	}
	l.Debug("Scoring Call", attrs...)
}

// APIErrorLogger logs API errors with context
func (l *Logger) APIErrorLogger(err error, method, path, ip string, statusCode int) {
	l.Error("API Error",
		"error", err.Error(),
		"method", method,
		"path", path,
		"ip", ip,
		"status_code", statusCode,
	)
}

// CacheLogger logs cache operations
func (l *Logger) CacheLogger(operation, key string, hit bool, itemCount int) {
	if len(key) > 8 {
		key = key[:8] + "..."
	}
	l.Debug("Cache Operation",
		"operation", operation,
		"key", key,
		"hit", hit,
		"cache_size", itemCount,
	)
}

// SystemLogger logs system-level events
func (l *Logger) SystemLogger(event, details string) {
	l.Info("System Event",
		"event", event,
		"details", details,
		"uptime", time.Since(startTime).String(),
	)
}

// SecurityLogger logs security-related events
func (l *Logger) SecurityLogger(event, ip, userAgent string, details map[string]interface{}) {
	attrs := []any{
		"event", event,
		"ip", ip,
		"user_agent", userAgent,
	}

	for key, value := range details {
		attrs = append(attrs, key, value)
	}

	l.Warn("Security Event", attrs...)
}

var startTime = time.Now()

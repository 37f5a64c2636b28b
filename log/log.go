package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// loggerKey is the context key for storing the logger.
	loggerKey contextKey = "logger"
)

// Log levels re-exported so callers do not need to import log/slog.
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

var (
	// defaultLogger is the fallback logger when none is found in context.
	defaultLogger *slog.Logger //nolint:gochecknoglobals // Thread-safe: protected by sync.Once

	// loggerOnce ensures we only initialize the default logger once.
	loggerOnce sync.Once //nolint:gochecknoglobals // Thread-safe: sync.Once is inherently safe

	// fallbackLogger is used when defaultLogger is nil and provides lazy initialization.
	fallbackLogger *slog.Logger //nolint:gochecknoglobals // Thread-safe: protected by sync.Once

	// fallbackOnce ensures we only create the fallback logger once.
	fallbackOnce sync.Once //nolint:gochecknoglobals // Thread-safe: sync.Once is inherently safe
)

// InitializeLogger sets up the global default logger.
func InitializeLogger(debugLogging bool) {
	loggerOnce.Do(func() {
		level := LevelInfo
		if debugLogging {
			level = LevelDebug
		}

		defaultLogger = NewLogger(os.Stdout, level)
	})
}

// NewLogger returns a JSON logger writing to writer that redacts sensitive
// attributes.
func NewLogger(writer io.Writer, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			if IsSensitiveKey(attr.Key) {
				return slog.Attr{Key: attr.Key, Value: slog.StringValue("[REDACTED]")}
			}

			return attr
		},
	})

	return slog.New(handler)
}

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithValues returns a context with a logger that includes additional key-value pairs.
func WithValues(ctx context.Context, keysAndValues ...any) context.Context {
	logger := fromContext(ctx).With(keysAndValues...)

	return WithLogger(ctx, logger)
}

// fromContext retrieves the logger from context or returns default.
func fromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}

	if defaultLogger == nil {
		fallbackOnce.Do(func() {
			fallbackLogger = NewLogger(os.Stdout, LevelInfo)
		})

		return fallbackLogger
	}

	return defaultLogger
}

// Log logs a message at the given level.
func Log(ctx context.Context, level slog.Level, msg string, keysAndValues ...any) {
	fromContext(ctx).Log(ctx, level, msg, keysAndValues...)
}

// Info logs an info message with key-value pairs.
func Info(ctx context.Context, msg string, keysAndValues ...any) {
	fromContext(ctx).InfoContext(ctx, msg, keysAndValues...)
}

// Error logs an error message with key-value pairs.
func Error(ctx context.Context, err error, msg string, keysAndValues ...any) {
	allArgs := append([]any{"error", err}, keysAndValues...)
	fromContext(ctx).ErrorContext(ctx, msg, allArgs...)
}

// Debug logs a debug message with key-value pairs.
func Debug(ctx context.Context, msg string, keysAndValues ...any) {
	fromContext(ctx).DebugContext(ctx, msg, keysAndValues...)
}

// Warn logs a warning message with key-value pairs.
func Warn(ctx context.Context, msg string, keysAndValues ...any) {
	fromContext(ctx).WarnContext(ctx, msg, keysAndValues...)
}

// IsSensitiveKey checks if a log key contains sensitive information.
func IsSensitiveKey(key string) bool {
	// Counts and storage key names are safe even though they contain "key"
	safeKeys := []string{
		"keys",
		"key_count",
		"storage_key",
		"accepted_keys",
	}

	keyLower := strings.ToLower(key)

	for _, safe := range safeKeys {
		if keyLower == safe {
			return false
		}
	}

	sensitiveKeys := []string{
		"password", "secret", "token", "cookie", "auth", "credential",
		"bearer", "api_key", "private_key",
	}

	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return true
		}
	}

	return false
}

package log

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// CorrelationIDHeader is the HTTP header name for correlation IDs.
const CorrelationIDHeader = "X-Correlation-ID"

// WithCorrelationID adds a correlation ID to the logging context.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return WithValues(ctx, "correlation_id", correlationID)
}

// CorrelationIDMiddleware adds correlation IDs to requests for tracing.
func CorrelationIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		correlationID := request.Header.Get(CorrelationIDHeader)
		if correlationID == "" {
			correlationID = uuid.NewString()
		}

		writer.Header().Set(CorrelationIDHeader, correlationID)

		ctx := WithCorrelationID(request.Context(), correlationID)

		next.ServeHTTP(writer, request.WithContext(ctx))
	})
}

// LoggingOptions configures LoggingMiddleware.
type LoggingOptions struct {
	// DebugHealthChecks logs /health/ requests at debug level instead of info.
	DebugHealthChecks bool
}

// WithDebugHealthChecks sets whether health check requests are demoted to debug level.
func WithDebugHealthChecks(enabled bool) func(*LoggingOptions) {
	return func(opts *LoggingOptions) {
		opts.DebugHealthChecks = enabled
	}
}

// LoggingMiddleware logs HTTP requests with structured logging.
func LoggingMiddleware(next http.Handler, opts ...func(*LoggingOptions)) http.Handler {
	options := &LoggingOptions{DebugHealthChecks: true}
	for _, opt := range opts {
		opt(options)
	}

	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		ctx := request.Context()

		level := LevelInfo
		if options.DebugHealthChecks && strings.HasPrefix(request.URL.Path, "/health/") {
			level = LevelDebug
		}

		Log(ctx, level, "HTTP request started",
			"method", request.Method,
			"path", request.URL.Path,
			"remote_addr", request.RemoteAddr,
			"user_agent", request.Header.Get("User-Agent"),
		)

		wrapped := &responseWriter{ResponseWriter: writer, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, request)

		Log(ctx, level, "HTTP request completed",
			"method", request.Method,
			"path", request.URL.Path,
			"status_code", wrapped.statusCode,
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter

	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

package observability

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkoelker/solara-proxy/metrics"
	"github.com/jkoelker/solara-proxy/middleware"
	"github.com/jkoelker/solara-proxy/tracing"
)

// Metric names recorded for every request.
const (
	requestsTotal   = "http_requests_total"
	requestDuration = "http_request_duration_ms"
	responseSize    = "http_response_size_bytes"
)

// MetricsMiddleware counts requests and records their latency and response
// size, labelled by method, endpoint and status.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		start := time.Now()
		recorder := newStatusRecorder(writer)

		next.ServeHTTP(recorder, request)

		ctx := request.Context()
		labels := []string{
			"method", request.Method,
			"endpoint", endpointLabel(request.URL.Path),
			"status_code", strconv.Itoa(recorder.status),
		}

		metrics.RecordCounter(ctx, requestsTotal, 1, labels...)
		metrics.RecordHistogram(ctx, requestDuration, float64(time.Since(start).Milliseconds()), labels...)

		if recorder.written > 0 {
			metrics.RecordHistogram(ctx, responseSize, float64(recorder.written), labels...)
		}
	})
}

// TracingMiddleware opens a server span per request, continuing any trace
// context the caller propagated.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(request.Context(), propagation.HeaderCarrier(request.Header))

		ctx, span := tracing.StartSpan(ctx, request.Method+" "+request.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		tracing.SetAttributes(ctx,
			"http.request.method", request.Method,
			"url.path", request.URL.Path,
			"server.address", request.Host,
			"client.address", middleware.GetRealIP(request),
			"user_agent.original", request.UserAgent(),
		)

		recorder := newStatusRecorder(writer)
		next.ServeHTTP(recorder, request.WithContext(ctx))

		tracing.SetAttributes(ctx,
			"http.response.status_code", strconv.Itoa(recorder.status),
			"http.response.body.size", strconv.FormatInt(recorder.written, 10),
		)

		switch {
		case recorder.status >= http.StatusInternalServerError:
			tracing.SetError(ctx, errors.New(http.StatusText(recorder.status)))
		case recorder.status >= http.StatusBadRequest:
			// Client errors leave the span status unset
		default:
			tracing.SetOK(ctx)
		}
	})
}

// statusRecorder remembers the status and body size of a response.
type statusRecorder struct {
	http.ResponseWriter

	status  int
	written int64
}

func newStatusRecorder(writer http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: writer, status: http.StatusOK}
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(data []byte) (int, error) {
	n, err := r.ResponseWriter.Write(data)
	r.written += int64(n)

	if err != nil {
		return n, fmt.Errorf("failed to write response: %w", err)
	}

	return n, nil
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// endpointLabel collapses static asset paths so the endpoint label stays
// low-cardinality.
func endpointLabel(path string) string {
	switch {
	case path == "/proxy", path == "/api/storage", path == "/api/login", path == "/metrics":
		return path
	case strings.HasPrefix(path, "/health/"):
		return path
	default:
		return "static"
	}
}

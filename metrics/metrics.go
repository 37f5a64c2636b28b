package metrics

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// meterKey is the context key for storing the meter.
	meterKey contextKey = "meter"

	// attributePairSize is used to calculate the slice capacity for key-value pairs.
	attributePairSize = 2

	// fallbackMeterName names the meter used before InitializeMeter runs.
	fallbackMeterName = "solara-proxy"
)

// Metric names.
const (
	StorageOperationsTotal     = "storage_operations_total"
	StorageOperationDurationMS = "storage_operation_duration_ms"
	UpstreamRequestsTotal      = "upstream_requests_total"
	UpstreamRequestDurationMS  = "upstream_request_duration_ms"
)

var (
	// defaultMeter is the fallback meter when none is found in context.
	defaultMeter metric.Meter //nolint:gochecknoglobals // Thread-safe: protected by sync.Once

	// meterOnce ensures we only initialize the default meter once.
	meterOnce sync.Once //nolint:gochecknoglobals // Thread-safe: sync.Once is inherently safe
)

// InitializeMeter sets up the global default meter.
func InitializeMeter(serviceName string) {
	meterOnce.Do(func() {
		defaultMeter = otel.Meter(serviceName)
	})
}

// WithMeter adds a meter to the context.
func WithMeter(ctx context.Context, meter metric.Meter) context.Context {
	return context.WithValue(ctx, meterKey, meter)
}

// FromContext retrieves the meter from context, then the default meter, then
// the global provider.
func FromContext(ctx context.Context) metric.Meter {
	if ctxMeter, ok := ctx.Value(meterKey).(metric.Meter); ok {
		return ctxMeter
	}

	if defaultMeter != nil {
		return defaultMeter
	}

	return otel.Meter(fallbackMeterName)
}

// Counter wraps an integer counter instrument.
type Counter struct {
	instrument metric.Int64Counter
}

// CounterFromContext creates a new counter from the context.
func CounterFromContext(
	ctx context.Context,
	name string,
	opts ...metric.Int64CounterOption,
) *Counter {
	instrument, err := FromContext(ctx).Int64Counter(name, opts...)
	if err != nil {
		// A broken instrument degrades to a no-op rather than failing the request
		return &Counter{instrument: nil}
	}

	return &Counter{instrument: instrument}
}

// Add records a counter increment with optional attributes.
func (c *Counter) Add(ctx context.Context, incr int64, attrs ...string) {
	if c.instrument == nil {
		return
	}

	attributes := convertStringPairsToAttributes(attrs...)
	c.instrument.Add(ctx, incr, metric.WithAttributes(attributes...))
}

// Histogram wraps a float histogram instrument.
type Histogram struct {
	instrument metric.Float64Histogram
}

// HistogramFromContext creates a new histogram from the context.
func HistogramFromContext(
	ctx context.Context,
	name string,
	opts ...metric.Float64HistogramOption,
) *Histogram {
	instrument, err := FromContext(ctx).Float64Histogram(name, opts...)
	if err != nil {
		return &Histogram{instrument: nil}
	}

	return &Histogram{instrument: instrument}
}

// Record records a histogram value with optional attributes.
func (h *Histogram) Record(ctx context.Context, value float64, attrs ...string) {
	if h.instrument == nil {
		return
	}

	attributes := convertStringPairsToAttributes(attrs...)
	h.instrument.Record(ctx, value, metric.WithAttributes(attributes...))
}

// RecordCounter is a convenience function to record a counter increment.
func RecordCounter(ctx context.Context, name string, incr int64, attrs ...string) {
	CounterFromContext(ctx, name).Add(ctx, incr, attrs...)
}

// RecordHistogram is a convenience function to record a histogram value.
func RecordHistogram(ctx context.Context, name string, value float64, attrs ...string) {
	HistogramFromContext(ctx, name).Record(ctx, value, attrs...)
}

// RecordStorageOperation records one batched storage statement against a table.
func RecordStorageOperation(ctx context.Context, operation, table string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}

	attrs := []string{"operation", operation, "table", table, "outcome", outcome}

	RecordCounter(ctx, StorageOperationsTotal, 1, attrs...)
	RecordHistogram(ctx, StorageOperationDurationMS, float64(time.Since(start).Milliseconds()), attrs...)
}

// RecordUpstreamRequest records one outbound proxy fetch. A zero status means
// the fetch failed before a response arrived.
func RecordUpstreamRequest(ctx context.Context, upstream string, status int, start time.Time) {
	statusCode := "error"
	if status > 0 {
		statusCode = strconv.Itoa(status)
	}

	attrs := []string{"upstream", upstream, "status_code", statusCode}

	RecordCounter(ctx, UpstreamRequestsTotal, 1, attrs...)
	RecordHistogram(ctx, UpstreamRequestDurationMS, float64(time.Since(start).Milliseconds()), attrs...)
}

// convertStringPairsToAttributes converts key-value string pairs to OTel attributes.
func convertStringPairsToAttributes(keyValues ...string) []attribute.KeyValue {
	if len(keyValues)%attributePairSize != 0 {
		// If odd number of arguments, ignore the last one
		keyValues = keyValues[:len(keyValues)-1]
	}

	attrs := make([]attribute.KeyValue, 0, len(keyValues)/attributePairSize)

	for i := 0; i < len(keyValues); i += attributePairSize {
		attrs = append(attrs, attribute.String(keyValues[i], keyValues[i+1]))
	}

	return attrs
}

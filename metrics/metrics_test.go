package metrics_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/jkoelker/solara-proxy/metrics"
)

// collectingContext returns a context whose meter is backed by a manual reader.
func collectingContext(t *testing.T) (context.Context, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
	})

	return metrics.WithMeter(t.Context(), provider.Meter("test")), reader
}

// counterSum returns the summed value of the named counter for points
// carrying the given attribute.
func counterSum(t *testing.T, reader *sdkmetric.ManualReader, name string, attr attribute.KeyValue) int64 {
	t.Helper()

	var data metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &data))

	var total int64

	for _, scope := range data.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}

			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)

			for _, point := range sum.DataPoints {
				if value, found := point.Attributes.Value(attr.Key); found && value.AsString() == attr.Value.AsString() {
					total += point.Value
				}
			}
		}
	}

	return total
}

func TestWithMeter(t *testing.T) {
	t.Parallel()

	testMeter := noop.NewMeterProvider().Meter("test")
	ctx := metrics.WithMeter(t.Context(), testMeter)

	assert.Equal(t, testMeter, metrics.FromContext(ctx))
}

func TestFromContextFallback(t *testing.T) {
	t.Parallel()

	assert.NotNil(t, metrics.FromContext(t.Context()))

	metrics.InitializeMeter("test-service")
	assert.NotNil(t, metrics.FromContext(t.Context()))
}

func TestRecordCounterOddAttributes(t *testing.T) {
	t.Parallel()

	ctx, reader := collectingContext(t)

	metrics.RecordCounter(ctx, "test_counter", 2, "method", "GET", "dangling")

	assert.Equal(t, int64(2), counterSum(t, reader, "test_counter", attribute.String("method", "GET")))
}

func TestRecordStorageOperation(t *testing.T) {
	t.Parallel()

	ctx, reader := collectingContext(t)
	start := time.Now()

	metrics.RecordStorageOperation(ctx, "upsert", "playback_store", start, nil)
	metrics.RecordStorageOperation(ctx, "upsert", "favorites_store", start, errors.New("boom"))

	assert.Equal(t, int64(1), counterSum(t, reader, metrics.StorageOperationsTotal, attribute.String("outcome", "ok")))
	assert.Equal(t, int64(1), counterSum(t, reader, metrics.StorageOperationsTotal, attribute.String("outcome", "error")))
	assert.Equal(t, int64(2), counterSum(t, reader, metrics.StorageOperationsTotal, attribute.String("operation", "upsert")))
}

func TestRecordUpstreamRequest(t *testing.T) {
	t.Parallel()

	ctx, reader := collectingContext(t)
	start := time.Now()

	metrics.RecordUpstreamRequest(ctx, "audio", 206, start)
	metrics.RecordUpstreamRequest(ctx, "api", 0, start)

	assert.Equal(t, int64(1), counterSum(t, reader, metrics.UpstreamRequestsTotal, attribute.String("status_code", "206")))
	assert.Equal(t, int64(1), counterSum(t, reader, metrics.UpstreamRequestsTotal, attribute.String("status_code", "error")))
}

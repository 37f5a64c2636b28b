package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/jkoelker/solara-proxy/config"
	"github.com/jkoelker/solara-proxy/log"
	appmetrics "github.com/jkoelker/solara-proxy/metrics"
	"github.com/jkoelker/solara-proxy/tracing"
)

// ErrOTelShutdownFailed is returned when OTel shutdown encounters multiple errors.
var ErrOTelShutdownFailed = errors.New("errors during OTel shutdown")

// OTelProviders holds the initialized OpenTelemetry providers.
type OTelProviders struct {
	MeterProvider  *metric.MeterProvider
	TracerProvider *sdktrace.TracerProvider
	PrometheusHTTP http.Handler
}

// InitializeOTel sets up OpenTelemetry providers based on configuration.
func InitializeOTel(ctx context.Context, cfg *config.Config) (*OTelProviders, error) {
	providers := &OTelProviders{}

	log.Info(ctx, "Initializing OpenTelemetry",
		"service_name", cfg.ServiceName,
		"metrics_enabled", cfg.MetricsEnabled,
		"tracing_enabled", cfg.TracingEnabled,
	)

	res := resource.NewSchemaless(semconv.ServiceName(cfg.ServiceName))

	if cfg.MetricsEnabled {
		meterProvider, prometheusHandler, err := initializeMetrics(ctx, res)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize metrics: %w", err)
		}

		providers.MeterProvider = meterProvider
		providers.PrometheusHTTP = prometheusHandler

		otel.SetMeterProvider(meterProvider)
		appmetrics.InitializeMeter(cfg.ServiceName)

		log.Info(ctx, "Metrics initialized successfully")
	}

	if cfg.TracingEnabled {
		tracerProvider, err := initializeTracing(ctx, res, cfg.TracingEndpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}

		providers.TracerProvider = tracerProvider

		otel.SetTracerProvider(tracerProvider)
		otel.SetTextMapPropagator(propagation.TraceContext{})
		tracing.InitializeTracer(cfg.ServiceName)

		log.Info(ctx, "Tracing initialized successfully")
	}

	return providers, nil
}

// initializeMetrics sets up metrics with a Prometheus exporter on its own
// registry, alongside the Go runtime and process collectors.
func initializeMetrics(ctx context.Context, res *resource.Resource) (*metric.MeterProvider, http.Handler, error) {
	registry := promclient.NewRegistry()

	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, nil, fmt.Errorf("failed to register Go collector: %w", err)
	}

	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, nil, fmt.Errorf("failed to register process collector: %w", err)
	}

	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	meterProvider := metric.NewMeterProvider(
		metric.WithReader(exporter),
		metric.WithResource(res),
	)

	prometheusHandler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	log.Debug(ctx, "Metrics provider configured with Prometheus exporter")

	return meterProvider, prometheusHandler, nil
}

// initializeTracing sets up an always-sampling tracer provider. Spans are
// exported over OTLP/HTTP when endpoint is set and only kept in-process
// otherwise.
func initializeTracing(
	ctx context.Context,
	res *resource.Resource,
	endpoint string,
) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
	}

	if endpoint != "" {
		exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
		}

		opts = append(opts, sdktrace.WithBatcher(exporter))

		log.Debug(ctx, "Tracing provider exporting over OTLP", "endpoint", endpoint)
	}

	return sdktrace.NewTracerProvider(opts...), nil
}

// Shutdown gracefully shuts down OpenTelemetry providers.
func (p *OTelProviders) Shutdown(ctx context.Context) error {
	var errs []error

	if p.MeterProvider != nil {
		if err := p.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown meter provider: %w", err))
		}
	}

	if p.TracerProvider != nil {
		if err := p.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown tracer provider: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrOTelShutdownFailed, errors.Join(errs...))
	}

	return nil
}

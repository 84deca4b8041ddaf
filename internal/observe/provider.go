package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

// DefaultServiceName is reported when ProviderConfig.ServiceName is empty.
const DefaultServiceName = "callbridge"

// ProviderConfig configures the process-wide telemetry pipeline.
type ProviderConfig struct {
	// ServiceName becomes the service.name resource attribute; it is taken
	// from telemetry.service_name. Default: [DefaultServiceName].
	ServiceName string

	// ServiceVersion is the build version of the binary.
	ServiceVersion string

	// TraceExporter receives finished spans. When nil, spans are still
	// created, so call logs and X-Correlation-ID headers carry trace ids,
	// but nothing leaves the process.
	TraceExporter sdktrace.SpanExporter
}

// Provider owns the SDK providers installed by [InitProvider] and the
// Prometheus registry that backs /metrics.
type Provider struct {
	registry *prometheus.Registry
	shutdown []func(context.Context) error
}

// InitProvider installs global OTel meter and tracer providers for the
// bridge. Metric instruments are exported through a dedicated Prometheus
// registry, together with Go runtime and process collectors; serve it with
// [Provider.MetricsHandler]. Call [Provider.Shutdown] before exiting.
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Provider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}

	// The schema URL must match the SDK's own detectors or the merge fails.
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithTelemetrySDK(),
		resource.WithFromEnv(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("observe: register go collector: %w", err)
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("observe: register process collector: %w", err)
	}

	promExp, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Provider{
		registry: reg,
		// Traces first so spans ended during shutdown still count.
		shutdown: []func(context.Context) error{tp.Shutdown, mp.Shutdown},
	}, nil
}

// MetricsHandler serves the registry in the Prometheus exposition format.
func (p *Provider) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Shutdown flushes and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

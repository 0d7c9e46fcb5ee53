// Package telemetry constructs the process-wide OTel SDK TracerProvider
// that internal/serve's TelemetrySettings resolves otel.Tracer against
// once it's registered (spec: "optional exporter, disabled by default").
// Wiring follows digitallysavvy-go-ai's pkg/observability/mlflow.New: an
// OTLP/HTTP batch exporter over an sdktrace.TracerProvider, registered as
// the global provider.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config names the OTLP/HTTP collector spans are exported to.
type Config struct {
	Endpoint    string // host:port, e.g. "localhost:4318"
	ServiceName string
	Insecure    bool
}

// Provider owns the SDK TracerProvider and its exporter so the caller can
// flush and shut both down on process exit.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Setup builds an OTLP/HTTP exporter, registers an sdktrace.TracerProvider
// over it as the global provider, and returns a handle to shut it down.
// Called once at startup when cfg.Telemetry.Enabled, so every later
// otel.Tracer(...) call (internal/serve.TelemetrySettings.tracer included)
// resolves to a real, exporting tracer instead of the default noop.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: otlp exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "localmind"
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", attribute.String("service.name", serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}, nil
}

// Shutdown flushes pending spans and closes the exporter connection.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

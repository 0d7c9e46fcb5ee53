package serve

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// tracerName identifies this package's spans in whatever exporter is
// configured, the same constant-tracer-name convention digitallysavvy-go-ai's
// telemetry package uses for its AI SDK tracer.
const tracerName = "localmind/serve"

// TelemetrySettings toggles tracing spans around a Pipeline's prefill/
// decode/tool-call work. Tracing is disabled by default (spec: "optional
// exporter, disabled by default") — a Pipeline built with the zero value
// gets a no-op tracer and pays no span-construction cost beyond a single
// interface call.
type TelemetrySettings struct {
	Enabled bool
	Tracer  trace.Tracer // custom tracer; nil uses the global otel.Tracer
}

// tracer resolves the tracer a Pipeline should use: noop when disabled,
// the caller-supplied tracer when given one, otherwise the process-wide
// global tracer. cmd/localmind/serve.go registers an OTLP/HTTP-backed
// SDK TracerProvider as that global provider at startup when telemetry
// is enabled (internal/telemetry.Setup); until that runs, the global
// tracer is itself the otel SDK's default noop.
func (t TelemetrySettings) tracer() trace.Tracer {
	if !t.Enabled {
		return noop.NewTracerProvider().Tracer(tracerName)
	}
	if t.Tracer != nil {
		return t.Tracer
	}
	return otel.Tracer(tracerName)
}

// spanCtx is the context Submit starts its span from. Submit itself
// isn't given a caller context (it returns before generation finishes,
// spanning an async callback chain instead), so there is nothing to
// inherit from.
func spanCtx() context.Context {
	return context.Background()
}

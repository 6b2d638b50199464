// Package tracing wires OpenTelemetry tracing for the local JobManager's
// task runs. The only exporter is stdout, so the engine has useful spans
// with zero external setup; there is no OTLP exporter.
package tracing

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// New builds a TracerProvider writing spans to w (os.Stdout in production,
// io.Discard in tests) and registers it as the global provider, returning a
// shutdown func and a Tracer scoped to the engine.
func New(w io.Writer, serviceName string) (trace.Tracer, func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithoutTimestamps())
	if err != nil {
		return nil, nil, err
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Tracer("github.com/kosmos-run/kosmos"), tp.Shutdown, nil
}

// Discard returns a tracer that records nothing, for tests and
// tracing-disabled runs.
func Discard() trace.Tracer {
	return otel.Tracer("github.com/kosmos-run/kosmos/discard")
}

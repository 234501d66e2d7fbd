// Package telemetry wires OpenTelemetry tracing for the gateway. The teacher's
// go.mod already required the otel SDK and OTLP/HTTP exporter but never called
// them; InitTracer is the real implementation of that intent.
package telemetry

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// InitTracer configures the global OTel tracer provider for serviceName/version,
// exporting spans over OTLP/HTTP. It reads the collector endpoint from the
// OTEL_EXPORTER_OTLP_ENDPOINT environment variable, falling back to the
// default exporter behavior (localhost:4318) if unset.
//
// The returned shutdown func flushes and stops the exporter; call it on
// graceful shutdown.
func InitTracer(ctx context.Context, serviceName, version string) (func(context.Context) error, error) {
	var opts []otlptracehttp.Option
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		opts = append(opts, otlptracehttp.WithEndpointURL(endpoint))
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP/HTTP exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

package telemetry

import (
	"context"
	"fmt"
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

/*
LEARNING: JAEGER INTEGRATION

  Extension hooks / HTTP handlers → OpenTelemetry SDK → Jaeger Exporter → Collector

Every pipeline hook runs in its own span (Extension.<name>.<hook>), so one
trace shows which extension made a connect slow or a store fail.
*/

// ShutdownFunc flushes and stops the tracer provider
type ShutdownFunc func(context.Context) error

// Options configures tracing
type Options struct {
	ServiceName string
	Version     string
	InstanceID  string
	Endpoint    string
	// SampleRatio in (0,1]; 0 samples every trace
	SampleRatio float64
}

// InitJaeger installs the global tracer provider. With no endpoint tracing
// stays disabled and the returned shutdown is a no-op.
func InitJaeger(opts Options) (ShutdownFunc, error) {
	if opts.Endpoint == "" {
		log.Println("⚠️  JAEGER_ENDPOINT not set, tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := jaeger.New(
		jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(opts.Endpoint)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(opts.Version),
			attribute.String("service.instance.id", opts.InstanceID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if opts.SampleRatio > 0 && opts.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRatio))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)

	log.Printf("✓ Jaeger tracing initialized: %s", opts.Endpoint)

	// Always flush traces on shutdown
	return tp.Shutdown, nil
}

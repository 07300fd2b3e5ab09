// Package tracing owns the OTel tracer provider shared by the HTTP
// surface, the repositories, the LLM client and the kernel step loop.
//
// Tracing is opt-in: it activates only when OTEL_EXPORTER_OTLP_ENDPOINT
// is set, and otherwise every span comes from a no-op provider.
package tracing

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "autofleet"

var global = struct {
	once     sync.Once
	provider trace.TracerProvider
	sdk      *sdktrace.TracerProvider
}{provider: noop.NewTracerProvider()}

// Tracer hands out a named tracer, wiring up the exporter on first use.
// Failures during setup leave the no-op provider in place: a broken
// collector must never keep the control plane from booting.
func Tracer(name string) trace.Tracer {
	global.once.Do(setup)
	return global.provider.Tracer(name)
}

// Shutdown flushes buffered spans. A no-op when tracing never started.
func Shutdown(ctx context.Context) error {
	if global.sdk == nil {
		return nil
	}
	return global.sdk.Shutdown(ctx)
}

func setup() {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return
	}
	ctx := context.Background()

	// A scheme-qualified endpoint carries its own TLS decision; a bare
	// host:port is assumed to be a local collector speaking plain HTTP.
	var opts []otlptracehttp.Option
	if strings.Contains(endpoint, "://") {
		opts = append(opts, otlptracehttp.WithEndpointURL(endpoint))
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(serviceName)}
	if env := os.Getenv("AUTOFLEET_ENV"); env != "" {
		attrs = append(attrs, attribute.String("deployment.environment", env))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		res = resource.Default()
	}

	global.sdk = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	global.provider = global.sdk
	otel.SetTracerProvider(global.provider)
}

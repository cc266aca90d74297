package telemetry

import (
	"context"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// NewTracerProviderWithExporter exposes the provider constructor so tests in
// other packages can capture spans with in-memory exporters.
func NewTracerProviderWithExporter(exporter sdktrace.SpanExporter, cfg Config) (*sdktrace.TracerProvider, func(context.Context) error, error) {
	return newTracerProviderWithExporter(exporter, cfg)
}

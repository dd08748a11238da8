package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// InitProviders installs global OpenTelemetry meter and tracer providers
// that export to stdout, and returns a shutdown function. Used by `serve`
// when metrics export is enabled; without it, the global no-op providers
// stay in place and instrument calls cost nothing.
func InitProviders(ctx context.Context, interval time.Duration) (func(context.Context) error, error) {
	metricExporter, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("metrics: stdout metric exporter: %w", err)
	}
	traceExporter, err := stdouttrace.New()
	if err != nil {
		return nil, fmt.Errorf("metrics: stdout trace exporter: %w", err)
	}

	if interval <= 0 {
		interval = time.Minute
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
			sdkmetric.WithInterval(interval))),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
	)
	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		var firstErr error
		if err := mp.Shutdown(ctx); err != nil {
			firstErr = err
		}
		if err := tp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	}, nil
}

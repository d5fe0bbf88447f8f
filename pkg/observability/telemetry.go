// Package observability provides OpenTelemetry-based tracing and metrics
// for the message bus and request handling, with pluggable exporters.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config selects exporters. A nil TraceExporter or MetricReader disables
// that signal.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	TraceExporter   sdktrace.SpanExporter
	TraceSampleRate float64

	MetricReader sdkmetric.Reader

	Logger *slog.Logger
}

// Telemetry holds the providers a twin process hands to its components.
// Metrics is nil when metrics are disabled; every Metrics method accepts a
// nil receiver.
type Telemetry struct {
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Metrics        *Metrics
	Logger         *slog.Logger

	shutdowns []func(context.Context) error
}

// Init builds the providers described by cfg and installs them globally
// together with the W3C trace context propagator. A failing signal is logged
// and replaced by its no-op variant.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "observability")

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tel := &Telemetry{
		TracerProvider: noop.NewTracerProvider(),
		MeterProvider:  sdkmetric.NewMeterProvider(),
		Logger:         logger,
	}

	if cfg.TraceExporter != nil {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(cfg.TraceExporter),
			sdktrace.WithSampler(sampler(cfg.TraceSampleRate)),
		)
		tel.TracerProvider = tp
		tel.shutdowns = append(tel.shutdowns, tp.Shutdown)
		otel.SetTracerProvider(tp)
		logger.Info("tracing enabled", "service", cfg.ServiceName, "sample_rate", cfg.TraceSampleRate)
	}

	if cfg.MetricReader != nil {
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(cfg.MetricReader))
		metrics, err := NewMetrics(mp.Meter("twinbus"))
		if err != nil {
			logger.Warn("metrics disabled", "error", err)
			_ = mp.Shutdown(ctx)
		} else {
			tel.MeterProvider = mp
			tel.Metrics = metrics
			tel.shutdowns = append(tel.shutdowns, mp.Shutdown)
			otel.SetMeterProvider(mp)
			logger.Info("metrics enabled", "service", cfg.ServiceName)
		}
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tel, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		return sdktrace.NeverSample()
	case rate >= 1:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Shutdown flushes pending spans and metrics. Calling it again is a no-op.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if len(t.shutdowns) == 0 {
		return nil
	}
	t.Logger.Info("shutting down telemetry")
	var errs []error
	for _, shutdown := range t.shutdowns {
		errs = append(errs, shutdown(ctx))
	}
	t.shutdowns = nil
	return errors.Join(errs...)
}

// Tracer returns a named tracer.
func (t *Telemetry) Tracer(name string) trace.Tracer {
	return t.TracerProvider.Tracer(name)
}

// Meter returns a named meter.
func (t *Telemetry) Meter(name string) metric.Meter {
	return t.MeterProvider.Meter(name)
}

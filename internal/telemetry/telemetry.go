// Package telemetry wires OpenTelemetry providers for shipd. Exporter
// failures degrade to no-op providers instead of failing startup.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Config configures OTLP export.
type Config struct {
	Enabled  bool   `koanf:"enabled"`
	Endpoint string `koanf:"endpoint"`
	// Protocol is "grpc" (default) or "http/protobuf".
	Protocol       string        `koanf:"protocol"`
	Insecure       bool          `koanf:"insecure"`
	ServiceName    string        `koanf:"service_name"`
	ServiceVersion string        `koanf:"service_version"`
	SampleRate     float64       `koanf:"sample_rate"`
	Metrics        MetricsConfig `koanf:"metrics"`
}

// MetricsConfig controls the metric exporter.
type MetricsConfig struct {
	Enabled               bool `koanf:"enabled"`
	ExportIntervalSeconds int  `koanf:"export_interval_seconds"`
}

// Telemetry holds the configured providers and their shutdown hooks.
type Telemetry struct {
	tracerProvider *trace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	degraded       bool
}

// New initializes tracing and metrics and registers them as the global
// providers. A disabled config returns a no-op instance.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	t := &Telemetry{}
	if !cfg.Enabled {
		return t, nil
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("telemetry enabled without an endpoint")
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "shipd"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}

	res := newResource(cfg)

	tp, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		t.degraded = true
	} else {
		t.tracerProvider = tp
		otel.SetTracerProvider(tp)
	}

	if cfg.Metrics.Enabled {
		mp, err := newMeterProvider(ctx, cfg, res)
		if err != nil {
			t.degraded = true
		} else {
			t.meterProvider = mp
			otel.SetMeterProvider(mp)
		}
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return t, nil
}

// Degraded reports whether any provider failed to initialize.
func (t *Telemetry) Degraded() bool {
	return t != nil && t.degraded
}

// Tracer returns a tracer, falling back to the global no-op provider.
func (t *Telemetry) Tracer(name string, opts ...oteltrace.TracerOption) oteltrace.Tracer {
	if t == nil || t.tracerProvider == nil {
		return otel.GetTracerProvider().Tracer(name, opts...)
	}
	return t.tracerProvider.Tracer(name, opts...)
}

// Meter returns a meter, falling back to the global no-op provider.
func (t *Telemetry) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if t == nil || t.meterProvider == nil {
		return otel.GetMeterProvider().Meter(name, opts...)
	}
	return t.meterProvider.Meter(name, opts...)
}

// Shutdown flushes and stops the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

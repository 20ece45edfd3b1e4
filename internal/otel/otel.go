// Package otel provides OpenTelemetry metrics integration for the
// extension runtime. When disabled, all operations are no-ops with zero
// overhead.
package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const (
	// MeterName is the instrumentation scope name for runtime metrics.
	MeterName = "extcore"
	// Version is the runtime version reported in telemetry.
	Version = "v0.3-dev"
)

// Config holds metrics configuration.
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "stdout" or "none"
	ServiceName string `yaml:"service_name"`
}

// Provider wraps the meter provider with cleanup.
type Provider struct {
	MeterProvider metric.MeterProvider
	Meter         metric.Meter
	shutdown      func(context.Context) error
}

// Init sets up metrics with the given config. Returns a Provider that must
// be Shutdown() on exit. If config.Enabled is false, returns a no-op
// provider.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		mp := noop.NewMeterProvider()
		return &Provider{
			MeterProvider: mp,
			Meter:         mp.Meter(MeterName),
			shutdown:      func(context.Context) error { return nil },
		}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "extcore"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			attribute.String("extcore.version", Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	switch cfg.Exporter {
	case "stdout", "":
		exporter, err := stdoutmetric.New()
		if err != nil {
			return nil, fmt.Errorf("create exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)))
	case "none":
		// Provider without readers: instruments record, nothing exports.
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: stdout, none)", cfg.Exporter)
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	return &Provider{
		MeterProvider: mp,
		Meter:         mp.Meter(MeterName),
		shutdown:      mp.Shutdown,
	}, nil
}

// Shutdown flushes and shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

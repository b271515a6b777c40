// Package telemetry wires OpenTelemetry metrics export. When telemetry is
// disabled the service runs against a no-op meter provider, so instrument
// call sites never need to branch.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/cadencehq/sync-orchestrator/internal/config"
)

const (
	// DefaultServiceName identifies this service to the collector.
	DefaultServiceName = "cadence-syncd"

	// DefaultEndpoint is the default OTLP-HTTP collector endpoint.
	DefaultEndpoint = "localhost:4318"

	// defaultExportInterval is how often accumulated metrics are pushed.
	defaultExportInterval = 60 * time.Second
)

// Telemetry owns the meter provider lifecycle.
type Telemetry struct {
	meterProvider metric.MeterProvider
}

// New creates a Telemetry instance from configuration. A nil or disabled
// configuration yields no-op providers. The caller must call Shutdown on
// exit.
func New(ctx context.Context, cfg *config.TelemetryConfig, serviceVersion string) (*Telemetry, error) {
	if cfg == nil || !cfg.Enabled {
		slog.Debug("Telemetry disabled, using no-op meter provider")
		return &Telemetry{meterProvider: noop.NewMeterProvider()}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = DefaultServiceName
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporterOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
	if cfg.Insecure {
		exporterOpts = append(exporterOpts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(defaultExportInterval)),
		),
	)
	otel.SetMeterProvider(mp)

	slog.Info("Telemetry initialized", "endpoint", endpoint, "insecure", cfg.Insecure)
	return &Telemetry{meterProvider: mp}, nil
}

// MeterProvider returns the configured meter provider.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// Shutdown flushes pending metrics. Safe to call on no-op providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if mp, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := mp.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown meter provider: %w", err)
		}
	}
	return nil
}

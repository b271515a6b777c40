package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// SyncMetricsMeterName is the name used for the sync metrics meter.
const SyncMetricsMeterName = "github.com/cadencehq/sync-orchestrator/sync"

// SyncMetrics holds the OpenTelemetry instruments for sync orchestration.
type SyncMetrics struct {
	syncDuration    metric.Float64Histogram
	itemsSynced     metric.Int64Counter
	breakerTrips    metric.Int64Counter
	breakerRejects  metric.Int64Counter
	tokenRefreshes  metric.Int64Counter
	webhookSilences metric.Int64Counter
}

// NewSyncMetrics creates a SyncMetrics instance with the given meter
// provider. If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	syncDuration, err := meter.Float64Histogram(
		"cadence_sync_duration_seconds",
		metric.WithDescription("Duration of sync attempts in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	itemsSynced, err := meter.Int64Counter(
		"cadence_sync_items_total",
		metric.WithDescription("Items synced across all integrations"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	breakerTrips, err := meter.Int64Counter(
		"cadence_breaker_trips_total",
		metric.WithDescription("Circuit breaker transitions to open"),
	)
	if err != nil {
		return nil, err
	}

	breakerRejects, err := meter.Int64Counter(
		"cadence_breaker_rejections_total",
		metric.WithDescription("Sync attempts rejected by an open circuit breaker"),
	)
	if err != nil {
		return nil, err
	}

	tokenRefreshes, err := meter.Int64Counter(
		"cadence_token_refresh_failures_total",
		metric.WithDescription("Failed credential refresh attempts"),
	)
	if err != nil {
		return nil, err
	}

	webhookSilences, err := meter.Int64Counter(
		"cadence_webhook_silence_replacements_total",
		metric.WithDescription("Webhook subscriptions replaced after silence detection"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		syncDuration:    syncDuration,
		itemsSynced:     itemsSynced,
		breakerTrips:    breakerTrips,
		breakerRejects:  breakerRejects,
		tokenRefreshes:  tokenRefreshes,
		webhookSilences: webhookSilences,
	}, nil
}

// RecordSync records a completed sync attempt.
func (m *SyncMetrics) RecordSync(ctx context.Context, integrationType string, syncType string, duration time.Duration, success bool, items int) {
	if m == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("integration", integrationType),
		attribute.String("sync_type", syncType),
		attribute.Bool("success", success),
	}
	m.syncDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if items > 0 {
		m.itemsSynced.Add(ctx, int64(items), metric.WithAttributes(
			attribute.String("integration", integrationType)))
	}
}

// RecordBreakerRejection records a sync attempt turned away by the breaker.
func (m *SyncMetrics) RecordBreakerRejection(ctx context.Context, integrationType string) {
	if m == nil {
		return
	}
	m.breakerRejects.Add(ctx, 1, metric.WithAttributes(
		attribute.String("integration", integrationType)))
}

// RecordBreakerTrip records a breaker opening.
func (m *SyncMetrics) RecordBreakerTrip(ctx context.Context, integrationType string) {
	if m == nil {
		return
	}
	m.breakerTrips.Add(ctx, 1, metric.WithAttributes(
		attribute.String("integration", integrationType)))
}

// RecordTokenRefreshFailure records a failed credential refresh.
func (m *SyncMetrics) RecordTokenRefreshFailure(ctx context.Context, integrationType string, retryable bool) {
	if m == nil {
		return
	}
	m.tokenRefreshes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("integration", integrationType),
		attribute.Bool("retryable", retryable)))
}

// RecordWebhookSilenceReplacement records a silent channel replacement.
func (m *SyncMetrics) RecordWebhookSilenceReplacement(ctx context.Context, integrationType string) {
	if m == nil {
		return
	}
	m.webhookSilences.Add(ctx, 1, metric.WithAttributes(
		attribute.String("integration", integrationType)))
}

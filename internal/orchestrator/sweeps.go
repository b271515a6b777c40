package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/cadencehq/sync-orchestrator/internal/provider"
	"github.com/cadencehq/sync-orchestrator/internal/schedule"
)

func (o *defaultOrchestrator) SweepDueSyncs(ctx context.Context) error {
	due, err := o.planner.ListDue(ctx, o.now(), o.sweepBatch)
	if err != nil {
		return fmt.Errorf("failed to list due schedules: %w", err)
	}
	if len(due) == 0 {
		return nil
	}
	slog.Info("Sweeping due syncs", "count", len(due))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.sweepWorkers)
	for _, s := range due {
		g.Go(func() error {
			if _, err := o.SyncNow(gctx, s.Key, dueSyncType(&s)); err != nil && !errors.Is(err, ErrSyncInFlight) {
				// Failures are already metered and backed off per key;
				// one bad key must not abort the sweep.
				slog.Debug("Sweep sync failed", "key", s.Key.String(), "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (o *defaultOrchestrator) SweepTokenHealth(ctx context.Context) error {
	return o.tokens.SweepExpiry(ctx)
}

func (o *defaultOrchestrator) SweepWebhookSubscriptions(ctx context.Context) error {
	return o.webhooks.SweepSubscriptions(ctx)
}

func (o *defaultOrchestrator) PruneMetrics(ctx context.Context) error {
	removed, err := o.recorder.Prune(ctx, o.metricsRetention)
	if err != nil {
		return err
	}
	if removed > 0 {
		slog.Info("Pruned sync metrics", "removed", removed, "retention", o.metricsRetention)
	}
	return nil
}

// dueSyncType picks the sync type for a swept schedule.
func dueSyncType(s *schedule.Schedule) provider.SyncType {
	if s.LastSyncAt == nil {
		return provider.SyncTypeInitial
	}
	return provider.SyncTypeIncremental
}

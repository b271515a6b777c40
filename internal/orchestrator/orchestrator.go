// Package orchestrator composes the circuit breaker, token health monitor,
// webhook manager, adaptive scheduler, and metrics recorder around a single
// sync executor call. Every invocation, regardless of trigger or where it
// fails, produces exactly one metric record and one schedule update.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cadencehq/sync-orchestrator/internal/breaker"
	"github.com/cadencehq/sync-orchestrator/internal/integration"
	"github.com/cadencehq/sync-orchestrator/internal/metrics"
	"github.com/cadencehq/sync-orchestrator/internal/provider"
	"github.com/cadencehq/sync-orchestrator/internal/schedule"
	"github.com/cadencehq/sync-orchestrator/internal/telemetry"
	"github.com/cadencehq/sync-orchestrator/internal/tokenhealth"
	"github.com/cadencehq/sync-orchestrator/internal/webhook"
)

// ErrSyncInFlight is returned when a sync for the key is already running.
// The caller can treat the running sync as covering its request.
var ErrSyncInFlight = errors.New("sync already in flight for this key")

// errClassTokenRefresh marks invocations that failed before the provider
// call because the credential could not be refreshed.
const errClassTokenRefresh = "token_refresh_failed"

// Outcome summarizes one orchestrator invocation.
type Outcome struct {
	Key         integration.Key
	SyncType    provider.SyncType
	Result      metrics.Result
	ItemsSynced int

	// ErrorClass carries the failure classification, or the breaker
	// rejection reason when the attempt never reached the provider.
	ErrorClass string

	Duration time.Duration

	// parked is set when the credential turned out to be invalid. The
	// schedule row is removed instead of recomputed; MarkReauthorized
	// rebuilds it.
	parked bool
}

// Status is the combined per-key operational state.
type Status struct {
	Breaker     *breaker.Snapshot
	Token       *tokenhealth.Snapshot
	Webhook     webhook.Health
	Schedule    *schedule.Schedule
	SuccessRate *metrics.RateReport
}

// Orchestrator is the coordinating entry point for all sync triggers.
type Orchestrator interface {
	// SyncNow runs the full invocation pipeline for a key. At most one
	// sync per key runs at a time; concurrent callers get ErrSyncInFlight.
	SyncNow(ctx context.Context, key integration.Key, syncType provider.SyncType) (*Outcome, error)

	// OnWebhookNotification validates an inbound push notification and
	// triggers a webhook sync asynchronously.
	OnWebhookNotification(ctx context.Context, key integration.Key, channelToken, resourceVersion string) error

	// ConnectIntegration provisions state for a newly connected
	// integration: token health, an immediate onboarding schedule, and a
	// webhook subscription.
	ConnectIntegration(ctx context.Context, key integration.Key, tokenExpiresAt time.Time) error

	// DisconnectIntegration tears down the key's schedule and webhook
	// subscription.
	DisconnectIntegration(ctx context.Context, key integration.Key) error

	// MarkReauthorized resets token health after the user re-authenticated
	// and rebuilds the schedule that parking on an invalid credential
	// removed.
	MarkReauthorized(ctx context.Context, key integration.Key, tokenExpiresAt time.Time) error

	// Status reports the combined operational state for a key.
	Status(ctx context.Context, key integration.Key) (*Status, error)

	// SweepDueSyncs runs the pipeline for every schedule that is due.
	SweepDueSyncs(ctx context.Context) error

	// SweepTokenHealth re-derives token status for idle keys.
	SweepTokenHealth(ctx context.Context) error

	// SweepWebhookSubscriptions renews and replaces subscriptions.
	SweepWebhookSubscriptions(ctx context.Context) error

	// PruneMetrics applies the metrics retention policy.
	PruneMetrics(ctx context.Context) error

	// Shutdown waits for in-flight webhook-triggered syncs to finish.
	Shutdown(ctx context.Context) error
}

// KeyLocker serializes sync invocations per key. The default locker is
// process-local; multi-replica deployments install a shared lock through
// WithKeyLocker so two replicas never sync the same key concurrently.
type KeyLocker interface {
	// TryLock attempts to claim the key. acquired is false when another
	// holder owns it; on success the caller must invoke release.
	TryLock(ctx context.Context, key integration.Key) (release func(), acquired bool, err error)
}

// inflight tracks keys with a sync currently running in this process.
type inflight struct {
	mu   sync.Mutex
	keys map[integration.Key]struct{}
}

func newInflight() *inflight {
	return &inflight{keys: make(map[integration.Key]struct{})}
}

func (f *inflight) TryLock(_ context.Context, key integration.Key) (func(), bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.keys[key]; ok {
		return nil, false, nil
	}
	f.keys[key] = struct{}{}
	return func() { f.release(key) }, true, nil
}

func (f *inflight) release(key integration.Key) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, key)
}

type defaultOrchestrator struct {
	breakers    breaker.Manager
	tokens      tokenhealth.Monitor
	webhooks    webhook.Manager
	planner     schedule.Planner
	recorder    metrics.Recorder
	executor    provider.SyncExecutor
	syncMetrics *telemetry.SyncMetrics

	syncTimeout      time.Duration
	metricsRetention time.Duration
	sweepWorkers     int
	sweepBatch       int

	locker      KeyLocker
	webhookJobs *errgroup.Group
	now         func() time.Time
}

// Option configures the orchestrator.
type Option func(*defaultOrchestrator)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *defaultOrchestrator) {
		o.now = now
	}
}

// WithSyncTimeout bounds a single executor run.
func WithSyncTimeout(d time.Duration) Option {
	return func(o *defaultOrchestrator) {
		o.syncTimeout = d
	}
}

// WithMetricsRetention sets how long sync metrics are kept.
func WithMetricsRetention(d time.Duration) Option {
	return func(o *defaultOrchestrator) {
		o.metricsRetention = d
	}
}

// WithSweepWorkers bounds due-sync sweep concurrency.
func WithSweepWorkers(n int) Option {
	return func(o *defaultOrchestrator) {
		o.sweepWorkers = n
	}
}

// WithWebhookWorkers bounds concurrent webhook-triggered syncs.
func WithWebhookWorkers(n int) Option {
	return func(o *defaultOrchestrator) {
		o.webhookJobs.SetLimit(n)
	}
}

// WithKeyLocker replaces the process-local in-flight map with a shared
// per-key lock, typically a database advisory lock.
func WithKeyLocker(l KeyLocker) Option {
	return func(o *defaultOrchestrator) {
		o.locker = l
	}
}

// WithSyncMetrics attaches OpenTelemetry instruments. Nil is a no-op.
func WithSyncMetrics(m *telemetry.SyncMetrics) Option {
	return func(o *defaultOrchestrator) {
		o.syncMetrics = m
	}
}

// New creates the orchestrator.
func New(
	breakers breaker.Manager,
	tokens tokenhealth.Monitor,
	webhooks webhook.Manager,
	planner schedule.Planner,
	recorder metrics.Recorder,
	executor provider.SyncExecutor,
	opts ...Option,
) Orchestrator {
	o := &defaultOrchestrator{
		breakers:         breakers,
		tokens:           tokens,
		webhooks:         webhooks,
		planner:          planner,
		recorder:         recorder,
		executor:         executor,
		syncTimeout:      10 * time.Minute,
		metricsRetention: 90 * 24 * time.Hour,
		sweepWorkers:     8,
		sweepBatch:       1000,
		locker:           newInflight(),
		webhookJobs:      &errgroup.Group{},
		now:              time.Now,
	}
	o.webhookJobs.SetLimit(2)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *defaultOrchestrator) SyncNow(ctx context.Context, key integration.Key, syncType provider.SyncType) (*Outcome, error) {
	release, acquired, err := o.locker.TryLock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to lock key %s: %w", key, err)
	}
	if !acquired {
		return nil, ErrSyncInFlight
	}
	defer release()
	return o.run(ctx, key, syncType)
}

// run is the invocation pipeline: CheckBreaker, CheckToken, Execute, then
// the unconditional tail of RecordMetric, ReportOutcome, UpdateSchedule.
func (o *defaultOrchestrator) run(ctx context.Context, key integration.Key, syncType provider.SyncType) (*Outcome, error) {
	start := o.now()
	out := &Outcome{Key: key, SyncType: syncType, Result: metrics.ResultFailure}

	// The tail runs no matter which step short-circuited, so every
	// invocation yields exactly one metric and one schedule update.
	defer func() {
		out.Duration = o.now().Sub(start)
		o.finish(ctx, out)
	}()

	dec, err := o.breakers.Allow(ctx, key)
	if err != nil {
		out.ErrorClass = string(provider.ErrorClassTransient)
		return out, fmt.Errorf("breaker check failed for %s: %w", key, err)
	}
	if !dec.Proceed {
		out.ErrorClass = dec.Reason
		o.syncMetrics.RecordBreakerRejection(ctx, key.Type.String())
		return out, nil
	}

	if _, err := o.tokens.GetUsableToken(ctx, key); err != nil {
		if errors.Is(err, tokenhealth.ErrInvalid) {
			out.ErrorClass = string(provider.ErrorClassAuthInvalid)
			out.parked = true
		} else {
			out.ErrorClass = errClassTokenRefresh
			o.syncMetrics.RecordTokenRefreshFailure(ctx, key.Type.String(), true)
		}
		// The probe slot, if held, must be released even though auth
		// failures never count toward the breaker.
		if reportErr := o.breakers.RecordFailure(ctx, key, provider.ErrorClassAuthInvalid); reportErr != nil {
			slog.Error("Failed to report token failure to breaker", "key", key.String(), "error", reportErr)
		}
		return out, err
	}

	execCtx, cancel := context.WithTimeout(ctx, o.syncTimeout)
	defer cancel()
	result, execErr := o.executor.Run(execCtx, key, syncType)
	if execErr != nil {
		class := provider.Classify(execErr)
		out.ErrorClass = string(class)

		if err := o.breakers.RecordFailure(ctx, key, class); err != nil {
			slog.Error("Failed to record breaker failure", "key", key.String(), "error", err)
		}
		if class == provider.ErrorClassAuthInvalid {
			if err := o.tokens.ReportAuthFailure(ctx, key, class); err != nil {
				slog.Error("Failed to report auth failure to token health", "key", key.String(), "error", err)
			}
		}
		return out, fmt.Errorf("sync failed for %s: %w", key, execErr)
	}

	out.Result = metrics.ResultSuccess
	out.ItemsSynced = result.ItemsSynced
	if err := o.breakers.RecordSuccess(ctx, key); err != nil {
		slog.Error("Failed to record breaker success", "key", key.String(), "error", err)
	}
	return out, nil
}

// finish records the metric and updates the schedule. It runs on a detached
// context so a canceled sync still leaves a complete record.
func (o *defaultOrchestrator) finish(ctx context.Context, out *Outcome) {
	ctx = context.WithoutCancel(ctx)

	if err := o.recorder.Record(ctx, &metrics.SyncMetric{
		Key:         out.Key,
		SyncType:    out.SyncType,
		Result:      out.Result,
		Duration:    out.Duration,
		ItemsSynced: out.ItemsSynced,
		ErrorClass:  out.ErrorClass,
	}); err != nil {
		slog.Error("Failed to record sync metric", "key", out.Key.String(), "error", err)
	}

	o.syncMetrics.RecordSync(ctx, out.Key.Type.String(), string(out.SyncType),
		out.Duration, out.Result == metrics.ResultSuccess, out.ItemsSynced)

	if out.parked {
		// An invalid credential is terminal until re-authorization, so
		// recomputing would keep waking a key that can only fail. Removing
		// the row pauses scheduling; MarkReauthorized restores it.
		if err := o.planner.Delete(ctx, out.Key); err != nil {
			slog.Error("Failed to park sync schedule", "key", out.Key.String(), "error", err)
		}
		return
	}

	if _, err := o.planner.Recompute(ctx, out.Key, o.now()); err != nil {
		slog.Error("Failed to recompute sync schedule", "key", out.Key.String(), "error", err)
	}
}

func (o *defaultOrchestrator) OnWebhookNotification(ctx context.Context, key integration.Key, channelToken, resourceVersion string) error {
	if _, err := o.webhooks.OnNotification(ctx, key, channelToken, resourceVersion); err != nil {
		return err
	}

	// The sync runs detached so the provider's delivery request returns
	// quickly; concurrency is bounded by the webhook worker limit.
	scheduled := o.webhookJobs.TryGo(func() error {
		syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.syncTimeout)
		defer cancel()
		if _, err := o.SyncNow(syncCtx, key, provider.SyncTypeWebhook); err != nil && !errors.Is(err, ErrSyncInFlight) {
			slog.Error("Webhook-triggered sync failed", "key", key.String(), "error", err)
		}
		return nil
	})
	if !scheduled {
		// All webhook workers busy; the recorded notification already
		// advanced the silence clock and the next sweep will catch up.
		slog.Warn("Webhook sync skipped, workers saturated", "key", key.String())
	}
	return nil
}

func (o *defaultOrchestrator) ConnectIntegration(ctx context.Context, key integration.Key, tokenExpiresAt time.Time) error {
	if err := o.tokens.Reset(ctx, key, tokenExpiresAt); err != nil {
		return fmt.Errorf("failed to initialize token health for %s: %w", key, err)
	}
	if _, err := o.planner.Initialize(ctx, key); err != nil {
		return fmt.Errorf("failed to initialize sync schedule for %s: %w", key, err)
	}
	if _, err := o.webhooks.EnsureRegistered(ctx, key); err != nil {
		// Polling covers the gap until the registration sweep retries.
		slog.Warn("Webhook registration failed on connect, staying on polling",
			"key", key.String(), "error", err)
	}
	slog.Info("Integration connected", "key", key.String())
	return nil
}

func (o *defaultOrchestrator) DisconnectIntegration(ctx context.Context, key integration.Key) error {
	if err := o.webhooks.Unregister(ctx, key); err != nil {
		return fmt.Errorf("failed to unregister webhook for %s: %w", key, err)
	}
	if err := o.planner.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete schedule for %s: %w", key, err)
	}
	slog.Info("Integration disconnected", "key", key.String())
	return nil
}

func (o *defaultOrchestrator) MarkReauthorized(ctx context.Context, key integration.Key, tokenExpiresAt time.Time) error {
	if err := o.tokens.Reset(ctx, key, tokenExpiresAt); err != nil {
		return fmt.Errorf("failed to reset token health for %s: %w", key, err)
	}
	// Parking on the invalid credential removed the schedule; a fresh
	// onboarding window catches up on whatever was missed while paused.
	if _, err := o.planner.Initialize(ctx, key); err != nil {
		return fmt.Errorf("failed to rebuild sync schedule for %s: %w", key, err)
	}
	if _, err := o.webhooks.EnsureRegistered(ctx, key); err != nil {
		slog.Warn("Webhook registration failed on reauthorization, staying on polling",
			"key", key.String(), "error", err)
	}
	slog.Info("Integration reauthorized", "key", key.String())
	return nil
}

func (o *defaultOrchestrator) Status(ctx context.Context, key integration.Key) (*Status, error) {
	st := &Status{}
	var err error

	if st.Breaker, err = o.breakers.GetState(ctx, key); err != nil {
		return nil, err
	}
	if st.Token, err = o.tokens.GetState(ctx, key); err != nil && !errors.Is(err, tokenhealth.ErrNotFound) {
		return nil, err
	}
	if st.Webhook, err = o.webhooks.CheckHealth(ctx, key); err != nil {
		return nil, err
	}
	if st.Schedule, err = o.planner.Get(ctx, key); err != nil && !errors.Is(err, schedule.ErrNotFound) {
		return nil, err
	}
	if st.SuccessRate, err = o.recorder.SuccessRate(ctx, key, 24*time.Hour); err != nil {
		return nil, err
	}
	return st, nil
}

func (o *defaultOrchestrator) Shutdown(_ context.Context) error {
	return o.webhookJobs.Wait()
}

// Package metrics keeps the append-only log of sync attempts. Every
// orchestrator invocation lands exactly one row here; the log is never
// updated, only pruned by retention.
package metrics

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/sync-orchestrator/internal/integration"
	"github.com/cadencehq/sync-orchestrator/internal/provider"
)

// Result is the recorded outcome of a sync attempt.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// SyncMetric is one recorded sync attempt.
type SyncMetric struct {
	ID       uuid.UUID
	Key      integration.Key
	SyncType provider.SyncType
	Result   Result
	Duration time.Duration

	// ItemsSynced is zero for failures.
	ItemsSynced int

	// ErrorClass carries the provider error classification on failure,
	// empty on success.
	ErrorClass string

	RecordedAt time.Time
}

// RateReport summarizes attempt outcomes over a window.
type RateReport struct {
	Attempts  int
	Successes int

	// Rate is successes over attempts, zero when there were no attempts.
	Rate float64
}

// Store persists sync metrics.
type Store interface {
	// Insert appends one metric row.
	Insert(ctx context.Context, m *SyncMetric) error

	// CountWindow returns attempt and success counts since the cutoff for
	// one key.
	CountWindow(ctx context.Context, key integration.Key, since time.Time) (attempts, successes int, err error)

	// CountWindowAll returns attempt and success counts since the cutoff
	// across all keys.
	CountWindowAll(ctx context.Context, since time.Time) (attempts, successes int, err error)

	// ListRecent returns the most recent metrics for one key, newest
	// first.
	ListRecent(ctx context.Context, key integration.Key, limit int) ([]SyncMetric, error)

	// DeleteBefore prunes rows recorded before the cutoff and reports how
	// many were removed.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Recorder is the metrics contract used by the orchestrator and the
// operational API.
type Recorder interface {
	// Record appends one attempt outcome.
	Record(ctx context.Context, m *SyncMetric) error

	// SuccessRate reports the rolling success rate for one key.
	SuccessRate(ctx context.Context, key integration.Key, window time.Duration) (*RateReport, error)

	// OverallSuccessRate reports the rolling success rate across all keys.
	OverallSuccessRate(ctx context.Context, window time.Duration) (*RateReport, error)

	// Recent returns the latest attempts for one key, newest first.
	Recent(ctx context.Context, key integration.Key, limit int) ([]SyncMetric, error)

	// Prune removes metrics older than the retention period.
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

type defaultRecorder struct {
	store Store
	now   func() time.Time
}

// Option configures the recorder.
type Option func(*defaultRecorder)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *defaultRecorder) {
		r.now = now
	}
}

// NewRecorder creates a metrics recorder over the given store.
func NewRecorder(store Store, opts ...Option) Recorder {
	r := &defaultRecorder{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *defaultRecorder) Record(ctx context.Context, m *SyncMetric) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.RecordedAt.IsZero() {
		m.RecordedAt = r.now()
	}
	return r.store.Insert(ctx, m)
}

func (r *defaultRecorder) SuccessRate(ctx context.Context, key integration.Key, window time.Duration) (*RateReport, error) {
	attempts, successes, err := r.store.CountWindow(ctx, key, r.now().Add(-window))
	if err != nil {
		return nil, err
	}
	return newRateReport(attempts, successes), nil
}

func (r *defaultRecorder) OverallSuccessRate(ctx context.Context, window time.Duration) (*RateReport, error) {
	attempts, successes, err := r.store.CountWindowAll(ctx, r.now().Add(-window))
	if err != nil {
		return nil, err
	}
	return newRateReport(attempts, successes), nil
}

func (r *defaultRecorder) Recent(ctx context.Context, key integration.Key, limit int) ([]SyncMetric, error) {
	return r.store.ListRecent(ctx, key, limit)
}

func (r *defaultRecorder) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	return r.store.DeleteBefore(ctx, r.now().Add(-retention))
}

func newRateReport(attempts, successes int) *RateReport {
	report := &RateReport{Attempts: attempts, Successes: successes}
	if attempts > 0 {
		report.Rate = float64(successes) / float64(attempts)
	}
	return report
}

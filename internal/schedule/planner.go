// Package schedule computes when each (user, integration) next syncs. The
// interval adapts to onboarding, webhook channel health, token health, and
// circuit breaker state, and is always clamped to per-integration bounds.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cadencehq/sync-orchestrator/internal/breaker"
	"github.com/cadencehq/sync-orchestrator/internal/config"
	"github.com/cadencehq/sync-orchestrator/internal/integration"
	"github.com/cadencehq/sync-orchestrator/internal/tokenhealth"
	"github.com/cadencehq/sync-orchestrator/internal/webhook"
)

// ErrNotFound is returned when no schedule row exists for a key.
var ErrNotFound = errors.New("sync schedule not found")

// Schedule is the persisted sync cadence for one key.
type Schedule struct {
	Key        integration.Key
	LastSyncAt *time.Time
	NextSyncAt time.Time

	// Frequency is the interval last chosen by the planner, recorded for
	// observability.
	Frequency time.Duration

	// OnboardingUntil bounds the accelerated post-connect window.
	OnboardingUntil time.Time
}

// Store persists sync schedules.
type Store interface {
	// Get returns the schedule for a key, or ErrNotFound.
	Get(ctx context.Context, key integration.Key) (*Schedule, error)

	// Put inserts or replaces the schedule for a key.
	Put(ctx context.Context, s *Schedule) error

	// Delete removes the schedule for a key. Missing rows are not an
	// error.
	Delete(ctx context.Context, key integration.Key) error

	// ListDueBefore returns schedules whose next sync is at or before the
	// cutoff.
	ListDueBefore(ctx context.Context, cutoff time.Time, limit int) ([]Schedule, error)
}

// breakerStates is the slice of the breaker manager the planner reads.
type breakerStates interface {
	GetState(ctx context.Context, key integration.Key) (*breaker.Snapshot, error)
}

// tokenStates is the slice of the token monitor the planner reads.
type tokenStates interface {
	GetState(ctx context.Context, key integration.Key) (*tokenhealth.Snapshot, error)
}

// webhookHealth is the slice of the webhook manager the planner reads.
type webhookHealth interface {
	CheckHealth(ctx context.Context, key integration.Key) (webhook.Health, error)
}

// Planner owns schedule lifecycle and interval selection.
type Planner interface {
	// Initialize creates the schedule for a freshly connected integration:
	// an immediate first sync and an accelerated onboarding window.
	Initialize(ctx context.Context, key integration.Key) (*Schedule, error)

	// Recompute re-derives next_sync_at after a sync attempt completes.
	// attemptAt is the completion time the next interval is measured from.
	Recompute(ctx context.Context, key integration.Key, attemptAt time.Time) (*Schedule, error)

	// Get returns the schedule for a key, or ErrNotFound.
	Get(ctx context.Context, key integration.Key) (*Schedule, error)

	// Delete removes the schedule on disconnect.
	Delete(ctx context.Context, key integration.Key) error

	// ListDue returns schedules due at the given time, oldest first.
	ListDue(ctx context.Context, now time.Time, limit int) ([]Schedule, error)
}

type defaultPlanner struct {
	store            Store
	breakers         breakerStates
	tokens           tokenStates
	webhooks         webhookHealth
	integrations     *config.IntegrationsConfig
	onboardingWindow time.Duration
	now              func() time.Time
}

// Option configures the planner.
type Option func(*defaultPlanner)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *defaultPlanner) {
		p.now = now
	}
}

// NewPlanner creates a schedule planner.
func NewPlanner(
	store Store,
	breakers breakerStates,
	tokens tokenStates,
	webhooks webhookHealth,
	integrations *config.IntegrationsConfig,
	onboardingWindow time.Duration,
	opts ...Option,
) Planner {
	p := &defaultPlanner{
		store:            store,
		breakers:         breakers,
		tokens:           tokens,
		webhooks:         webhooks,
		integrations:     integrations,
		onboardingWindow: onboardingWindow,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *defaultPlanner) Initialize(ctx context.Context, key integration.Key) (*Schedule, error) {
	now := p.now()
	_, _, _, onboarding, _ := p.integrations.ForType(key.Type).Bounds(key.Type)
	s := &Schedule{
		Key:             key,
		NextSyncAt:      now,
		Frequency:       onboarding,
		OnboardingUntil: now.Add(p.onboardingWindow),
	}
	if err := p.store.Put(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *defaultPlanner) Recompute(ctx context.Context, key integration.Key, attemptAt time.Time) (*Schedule, error) {
	s, err := p.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		// Sync observed for a key nobody initialized; adopt it with an
		// already-spent onboarding window.
		s = &Schedule{Key: key, OnboardingUntil: attemptAt}
	}

	st, err := p.breakers.GetState(ctx, key)
	if err != nil {
		return nil, err
	}

	interval, err := p.interval(ctx, key, s, st, attemptAt)
	if err != nil {
		return nil, err
	}

	s.LastSyncAt = &attemptAt
	s.Frequency = interval
	s.NextSyncAt = attemptAt.Add(interval)

	// An open breaker gates execution anyway; scheduling earlier than the
	// next probe just burns a wakeup on a rejected attempt.
	if st.State == breaker.StateOpen && st.NextProbeAt != nil && s.NextSyncAt.Before(*st.NextProbeAt) {
		s.NextSyncAt = *st.NextProbeAt
	}

	if err := p.store.Put(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// interval selects the base interval by precedence (onboarding, then healthy
// webhook fallback, then the per-type default), stretches it while the token
// is expired or the breaker is open, and clamps the result.
func (p *defaultPlanner) interval(ctx context.Context, key integration.Key, s *Schedule, st *breaker.Snapshot, attemptAt time.Time) (time.Duration, error) {
	def, minI, maxI, onboarding, fallback := p.integrations.ForType(key.Type).Bounds(key.Type)

	interval := def
	switch {
	case attemptAt.Before(s.OnboardingUntil):
		interval = onboarding
	default:
		health, err := p.webhooks.CheckHealth(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("failed to check webhook health: %w", err)
		}
		if health == webhook.HealthHealthy {
			interval = fallback
		}
	}

	// An expired credential fails every attempt at the token step; halve
	// the cadence until the refresh recovers or the grant is ruled invalid.
	tok, err := p.tokens.GetState(ctx, key)
	if err != nil && !errors.Is(err, tokenhealth.ErrNotFound) {
		return 0, fmt.Errorf("failed to check token health: %w", err)
	}
	if tok != nil && tok.Status == tokenhealth.StatusExpired {
		interval *= 2
	}

	interval *= time.Duration(st.BackoffFactor())

	if interval < minI {
		interval = minI
	}
	if interval > maxI {
		interval = maxI
	}
	return interval, nil
}

func (p *defaultPlanner) Get(ctx context.Context, key integration.Key) (*Schedule, error) {
	return p.store.Get(ctx, key)
}

func (p *defaultPlanner) Delete(ctx context.Context, key integration.Key) error {
	return p.store.Delete(ctx, key)
}

func (p *defaultPlanner) ListDue(ctx context.Context, now time.Time, limit int) ([]Schedule, error) {
	return p.store.ListDueBefore(ctx, now, limit)
}

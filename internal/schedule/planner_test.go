package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadencehq/sync-orchestrator/internal/breaker"
	"github.com/cadencehq/sync-orchestrator/internal/config"
	"github.com/cadencehq/sync-orchestrator/internal/integration"
	"github.com/cadencehq/sync-orchestrator/internal/tokenhealth"
	"github.com/cadencehq/sync-orchestrator/internal/webhook"
)

type memStore struct {
	mu        sync.Mutex
	schedules map[integration.Key]*Schedule
}

func newMemStore() *memStore {
	return &memStore{schedules: make(map[integration.Key]*Schedule)}
}

func (m *memStore) Get(_ context.Context, key integration.Key) (*Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memStore) Put(_ context.Context, s *Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.schedules[s.Key] = &cp
	return nil
}

func (m *memStore) Delete(_ context.Context, key integration.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.schedules, key)
	return nil
}

func (m *memStore) ListDueBefore(_ context.Context, cutoff time.Time, limit int) ([]Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Schedule
	for _, s := range m.schedules {
		if len(out) >= limit {
			break
		}
		if !s.NextSyncAt.After(cutoff) {
			out = append(out, *s)
		}
	}
	return out, nil
}

type fakeBreakers struct {
	mu       sync.Mutex
	snapshot breaker.Snapshot
}

func (f *fakeBreakers) GetState(_ context.Context, key integration.Key) (*breaker.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := f.snapshot
	cp.Key = key
	return &cp, nil
}

func (f *fakeBreakers) set(s breaker.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot = s
}

type fakeTokens struct {
	mu       sync.Mutex
	snapshot *tokenhealth.Snapshot
}

func (f *fakeTokens) GetState(_ context.Context, key integration.Key) (*tokenhealth.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshot == nil {
		return nil, tokenhealth.ErrNotFound
	}
	cp := *f.snapshot
	cp.Key = key
	return &cp, nil
}

func (f *fakeTokens) set(s tokenhealth.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot = &s
}

type fakeWebhooks struct {
	mu     sync.Mutex
	health webhook.Health
}

func (f *fakeWebhooks) CheckHealth(_ context.Context, _ integration.Key) (webhook.Health, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health, nil
}

func (f *fakeWebhooks) set(h webhook.Health) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health = h
}

type fixture struct {
	planner  Planner
	store    *memStore
	breakers *fakeBreakers
	tokens   *fakeTokens
	webhooks *fakeWebhooks
	start    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newMemStore()
	breakers := &fakeBreakers{snapshot: breaker.Snapshot{State: breaker.StateClosed}}
	tokens := &fakeTokens{}
	webhooks := &fakeWebhooks{health: webhook.HealthMissing}
	planner := NewPlanner(store, breakers, tokens, webhooks, &config.IntegrationsConfig{}, 24*time.Hour,
		WithClock(func() time.Time { return start }))
	return &fixture{planner: planner, store: store, breakers: breakers, tokens: tokens, webhooks: webhooks, start: start}
}

func calendarKey() integration.Key {
	return integration.NewKey(uuid.New(), integration.TypeCalendar)
}

func TestPlanner_InitializeSchedulesImmediateSync(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	key := calendarKey()

	s, err := f.planner.Initialize(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, f.start, s.NextSyncAt)
	assert.Equal(t, f.start.Add(24*time.Hour), s.OnboardingUntil)
	assert.Nil(t, s.LastSyncAt)
}

func TestPlanner_OnboardingUsesAcceleratedInterval(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	key := calendarKey()
	ctx := context.Background()

	_, err := f.planner.Initialize(ctx, key)
	require.NoError(t, err)

	// A sync one hour into the 24h onboarding window uses the 1h
	// onboarding interval, not the 24h calendar default.
	attemptAt := f.start.Add(time.Hour)
	s, err := f.planner.Recompute(ctx, key, attemptAt)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, s.Frequency)
	assert.Equal(t, attemptAt.Add(time.Hour), s.NextSyncAt)
}

func TestPlanner_HealthyWebhookUsesFallbackInterval(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	key := calendarKey()
	ctx := context.Background()

	_, err := f.planner.Initialize(ctx, key)
	require.NoError(t, err)
	f.webhooks.set(webhook.HealthHealthy)

	attemptAt := f.start.Add(25 * time.Hour)
	s, err := f.planner.Recompute(ctx, key, attemptAt)
	require.NoError(t, err)
	assert.Equal(t, 12*time.Hour, s.Frequency)
}

func TestPlanner_NonHealthyWebhookUsesDefaultInterval(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		health webhook.Health
	}{
		{name: "missing", health: webhook.HealthMissing},
		{name: "silent", health: webhook.HealthSilent},
		{name: "expiring", health: webhook.HealthExpiring},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			key := calendarKey()
			ctx := context.Background()

			_, err := f.planner.Initialize(ctx, key)
			require.NoError(t, err)
			f.webhooks.set(tt.health)

			s, err := f.planner.Recompute(ctx, key, f.start.Add(25*time.Hour))
			require.NoError(t, err)
			assert.Equal(t, 24*time.Hour, s.Frequency)
		})
	}
}

func TestPlanner_ExpiredTokenStretchesInterval(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	key := calendarKey()
	ctx := context.Background()

	_, err := f.planner.Initialize(ctx, key)
	require.NoError(t, err)
	f.tokens.set(tokenhealth.Snapshot{Status: tokenhealth.StatusExpired})

	// Refreshes keep failing, so every attempt dies at the token step; the
	// 24h calendar default doubles to the 48h ceiling.
	s, err := f.planner.Recompute(ctx, key, f.start.Add(25*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, s.Frequency)
}

func TestPlanner_HealthyTokenKeepsDefaultInterval(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	key := calendarKey()
	ctx := context.Background()

	_, err := f.planner.Initialize(ctx, key)
	require.NoError(t, err)
	f.tokens.set(tokenhealth.Snapshot{Status: tokenhealth.StatusHealthy})

	s, err := f.planner.Recompute(ctx, key, f.start.Add(25*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, s.Frequency)
}

func TestPlanner_OpenBreakerStretchesAndClamps(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	key := calendarKey()
	ctx := context.Background()

	_, err := f.planner.Initialize(ctx, key)
	require.NoError(t, err)

	// Two trips: factor 4. 24h default * 4 = 96h, clamped to the 48h
	// calendar ceiling.
	f.breakers.set(breaker.Snapshot{State: breaker.StateOpen, TripCount: 2})

	s, err := f.planner.Recompute(ctx, key, f.start.Add(25*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, s.Frequency)
}

func TestPlanner_OpenBreakerFloorsAtNextProbe(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	key := calendarKey()
	ctx := context.Background()

	_, err := f.planner.Initialize(ctx, key)
	require.NoError(t, err)

	attemptAt := f.start.Add(time.Hour)
	probeAt := attemptAt.Add(3 * time.Hour)
	f.breakers.set(breaker.Snapshot{State: breaker.StateOpen, TripCount: 1, NextProbeAt: &probeAt})

	// Onboarding interval 1h * factor 2 = 2h puts the next sync before the
	// probe; it is pushed out to nextProbeAt.
	s, err := f.planner.Recompute(ctx, key, attemptAt)
	require.NoError(t, err)
	assert.Equal(t, probeAt, s.NextSyncAt)
}

func TestPlanner_OnboardingNeverSlowerThanDefault(t *testing.T) {
	t.Parallel()

	for _, typ := range integration.Types() {
		cfg := config.IntegrationsConfig{}
		def, _, _, onboarding, _ := cfg.ForType(typ).Bounds(typ)
		assert.LessOrEqual(t, onboarding, def, "type %s", typ)
	}
}

func TestPlanner_ListDueReturnsDueSchedules(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	due := calendarKey()
	future := calendarKey()
	require.NoError(t, f.store.Put(ctx, &Schedule{Key: due, NextSyncAt: f.start.Add(-time.Minute)}))
	require.NoError(t, f.store.Put(ctx, &Schedule{Key: future, NextSyncAt: f.start.Add(time.Hour)}))

	got, err := f.planner.ListDue(ctx, f.start, 100)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due, got[0].Key)
}

func TestPlanner_DeleteRemovesSchedule(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	key := calendarKey()
	ctx := context.Background()

	_, err := f.planner.Initialize(ctx, key)
	require.NoError(t, err)
	require.NoError(t, f.planner.Delete(ctx, key))

	_, err = f.planner.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
}

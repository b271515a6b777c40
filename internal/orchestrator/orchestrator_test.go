package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/cadencehq/sync-orchestrator/internal/breaker"
	"github.com/cadencehq/sync-orchestrator/internal/integration"
	"github.com/cadencehq/sync-orchestrator/internal/metrics"
	"github.com/cadencehq/sync-orchestrator/internal/provider"
	"github.com/cadencehq/sync-orchestrator/internal/provider/mocks"
	"github.com/cadencehq/sync-orchestrator/internal/schedule"
	"github.com/cadencehq/sync-orchestrator/internal/tokenhealth"
	"github.com/cadencehq/sync-orchestrator/internal/webhook"
)

type fakeBreakers struct {
	mu        sync.Mutex
	decision  breaker.Decision
	successes int
	failures  []provider.ErrorClass
}

func (f *fakeBreakers) Allow(_ context.Context, _ integration.Key) (breaker.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.decision, nil
}

func (f *fakeBreakers) RecordSuccess(_ context.Context, _ integration.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes++
	return nil
}

func (f *fakeBreakers) RecordFailure(_ context.Context, _ integration.Key, class provider.ErrorClass) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, class)
	return nil
}

func (f *fakeBreakers) GetState(_ context.Context, key integration.Key) (*breaker.Snapshot, error) {
	return &breaker.Snapshot{Key: key, State: breaker.StateClosed}, nil
}

type fakeTokens struct {
	mu           sync.Mutex
	err          error
	authFailures []provider.ErrorClass
	resets       int
}

func (f *fakeTokens) GetUsableToken(_ context.Context, _ integration.Key) (*provider.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &provider.Token{AccessToken: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeTokens) ReportAuthFailure(_ context.Context, _ integration.Key, class provider.ErrorClass) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authFailures = append(f.authFailures, class)
	return nil
}

func (f *fakeTokens) Reset(_ context.Context, _ integration.Key, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeTokens) GetState(_ context.Context, key integration.Key) (*tokenhealth.Snapshot, error) {
	return &tokenhealth.Snapshot{Key: key, Status: tokenhealth.StatusHealthy}, nil
}

func (f *fakeTokens) SweepExpiry(_ context.Context) error { return nil }

type fakeWebhooks struct {
	mu            sync.Mutex
	notifyErr     error
	unregistered  int
	registrations int
}

func (f *fakeWebhooks) EnsureRegistered(_ context.Context, key integration.Key) (*webhook.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registrations++
	return &webhook.Subscription{Key: key}, nil
}

func (f *fakeWebhooks) Unregister(_ context.Context, _ integration.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregistered++
	return nil
}

func (f *fakeWebhooks) OnNotification(_ context.Context, key integration.Key, _, _ string) (*webhook.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notifyErr != nil {
		return nil, f.notifyErr
	}
	return &webhook.Subscription{Key: key}, nil
}

func (f *fakeWebhooks) CheckHealth(_ context.Context, _ integration.Key) (webhook.Health, error) {
	return webhook.HealthMissing, nil
}

func (f *fakeWebhooks) SweepSubscriptions(_ context.Context) error { return nil }

type fakePlanner struct {
	mu          sync.Mutex
	due         []schedule.Schedule
	recomputes  int
	initialized int
	deleted     int
}

func (f *fakePlanner) Initialize(_ context.Context, key integration.Key) (*schedule.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initialized++
	return &schedule.Schedule{Key: key}, nil
}

func (f *fakePlanner) Recompute(_ context.Context, key integration.Key, at time.Time) (*schedule.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recomputes++
	return &schedule.Schedule{Key: key, NextSyncAt: at.Add(time.Hour)}, nil
}

func (f *fakePlanner) Get(_ context.Context, key integration.Key) (*schedule.Schedule, error) {
	return &schedule.Schedule{Key: key}, nil
}

func (f *fakePlanner) Delete(_ context.Context, _ integration.Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted++
	return nil
}

func (f *fakePlanner) ListDue(_ context.Context, _ time.Time, _ int) ([]schedule.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.due, nil
}

func (f *fakePlanner) recomputeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recomputes
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []metrics.SyncMetric
}

func (f *fakeRecorder) Record(_ context.Context, m *metrics.SyncMetric) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, *m)
	return nil
}

func (f *fakeRecorder) SuccessRate(_ context.Context, _ integration.Key, _ time.Duration) (*metrics.RateReport, error) {
	return &metrics.RateReport{}, nil
}

func (f *fakeRecorder) OverallSuccessRate(_ context.Context, _ time.Duration) (*metrics.RateReport, error) {
	return &metrics.RateReport{}, nil
}

func (f *fakeRecorder) Recent(_ context.Context, _ integration.Key, _ int) ([]metrics.SyncMetric, error) {
	return nil, nil
}

func (f *fakeRecorder) Prune(_ context.Context, _ time.Duration) (int64, error) { return 0, nil }

func (f *fakeRecorder) recorded() []metrics.SyncMetric {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]metrics.SyncMetric, len(f.records))
	copy(out, f.records)
	return out
}

type fixture struct {
	orch     Orchestrator
	breakers *fakeBreakers
	tokens   *fakeTokens
	webhooks *fakeWebhooks
	planner  *fakePlanner
	recorder *fakeRecorder
	executor *mocks.MockSyncExecutor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := &fixture{
		breakers: &fakeBreakers{decision: breaker.Decision{Proceed: true}},
		tokens:   &fakeTokens{},
		webhooks: &fakeWebhooks{},
		planner:  &fakePlanner{},
		recorder: &fakeRecorder{},
		executor: mocks.NewMockSyncExecutor(ctrl),
	}
	f.orch = New(f.breakers, f.tokens, f.webhooks, f.planner, f.recorder, f.executor)
	return f
}

func testKey() integration.Key {
	return integration.NewKey(uuid.New(), integration.TypeContacts)
}

func TestOrchestrator_SuccessfulSync(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	key := testKey()

	f.executor.EXPECT().
		Run(gomock.Any(), key, provider.SyncTypeManual).
		Return(&provider.SyncResult{ItemsSynced: 7}, nil)

	out, err := f.orch.SyncNow(context.Background(), key, provider.SyncTypeManual)
	require.NoError(t, err)
	assert.Equal(t, metrics.ResultSuccess, out.Result)
	assert.Equal(t, 7, out.ItemsSynced)

	records := f.recorder.recorded()
	require.Len(t, records, 1)
	assert.Equal(t, metrics.ResultSuccess, records[0].Result)
	assert.Empty(t, records[0].ErrorClass)
	assert.Equal(t, 1, f.planner.recomputeCount())
	assert.Equal(t, 1, f.breakers.successes)
}

func TestOrchestrator_TransientFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	key := testKey()

	f.executor.EXPECT().
		Run(gomock.Any(), key, provider.SyncTypeIncremental).
		Return(nil, provider.NewError(provider.ErrorClassTransient, errors.New("503")))

	out, err := f.orch.SyncNow(context.Background(), key, provider.SyncTypeIncremental)
	require.Error(t, err)
	assert.Equal(t, metrics.ResultFailure, out.Result)
	assert.Equal(t, string(provider.ErrorClassTransient), out.ErrorClass)

	records := f.recorder.recorded()
	require.Len(t, records, 1)
	assert.Equal(t, metrics.ResultFailure, records[0].Result)
	assert.Equal(t, 1, f.planner.recomputeCount())
	require.Len(t, f.breakers.failures, 1)
	assert.Equal(t, provider.ErrorClassTransient, f.breakers.failures[0])
	assert.Empty(t, f.tokens.authFailures)
}

func TestOrchestrator_BreakerRejectionShortCircuits(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.breakers.decision = breaker.Decision{Proceed: false, Reason: breaker.ReasonOpen}
	key := testKey()

	// The executor must never run.
	out, err := f.orch.SyncNow(context.Background(), key, provider.SyncTypeIncremental)
	require.NoError(t, err)
	assert.Equal(t, metrics.ResultFailure, out.Result)
	assert.Equal(t, breaker.ReasonOpen, out.ErrorClass)

	// Exactly one metric and one recomputation even without execution.
	assert.Len(t, f.recorder.recorded(), 1)
	assert.Equal(t, 1, f.planner.recomputeCount())
}

func TestOrchestrator_InvalidTokenParksSchedule(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.tokens.err = tokenhealth.ErrInvalid
	key := testKey()

	out, err := f.orch.SyncNow(context.Background(), key, provider.SyncTypeIncremental)
	require.ErrorIs(t, err, tokenhealth.ErrInvalid)
	assert.Equal(t, string(provider.ErrorClassAuthInvalid), out.ErrorClass)

	records := f.recorder.recorded()
	require.Len(t, records, 1)
	assert.Equal(t, string(provider.ErrorClassAuthInvalid), records[0].ErrorClass)

	// The invalid credential pauses scheduling: no fresh next_sync_at, the
	// schedule row is removed until re-authorization.
	assert.Equal(t, 0, f.planner.recomputeCount())
	assert.Equal(t, 1, f.planner.deleted)

	// The breaker hears about it only as a non-counting auth failure.
	require.Len(t, f.breakers.failures, 1)
	assert.Equal(t, provider.ErrorClassAuthInvalid, f.breakers.failures[0])
}

func TestOrchestrator_ReauthorizationResumesScheduling(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.tokens.err = tokenhealth.ErrInvalid
	key := testKey()

	_, err := f.orch.SyncNow(context.Background(), key, provider.SyncTypeIncremental)
	require.ErrorIs(t, err, tokenhealth.ErrInvalid)
	require.Equal(t, 1, f.planner.deleted)

	f.tokens.err = nil
	require.NoError(t, f.orch.MarkReauthorized(context.Background(), key, time.Now().Add(time.Hour)))

	// Re-auth restores everything parking tore down: token health, a fresh
	// onboarding schedule, and the webhook channel.
	assert.Equal(t, 1, f.tokens.resets)
	assert.Equal(t, 1, f.planner.initialized)
	assert.Equal(t, 1, f.webhooks.registrations)
}

func TestOrchestrator_AuthFailureRoutedToTokenHealth(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	key := testKey()

	f.executor.EXPECT().
		Run(gomock.Any(), key, provider.SyncTypeIncremental).
		Return(nil, provider.NewError(provider.ErrorClassAuthInvalid, errors.New("401")))

	_, err := f.orch.SyncNow(context.Background(), key, provider.SyncTypeIncremental)
	require.Error(t, err)

	require.Len(t, f.tokens.authFailures, 1)
	assert.Equal(t, provider.ErrorClassAuthInvalid, f.tokens.authFailures[0])
}

func TestOrchestrator_ConcurrentSyncSameKeyRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	key := testKey()

	started := make(chan struct{})
	release := make(chan struct{})
	f.executor.EXPECT().
		Run(gomock.Any(), key, gomock.Any()).
		DoAndReturn(func(context.Context, integration.Key, provider.SyncType) (*provider.SyncResult, error) {
			close(started)
			<-release
			return &provider.SyncResult{}, nil
		})

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.SyncNow(context.Background(), key, provider.SyncTypeIncremental)
		done <- err
	}()

	<-started
	_, err := f.orch.SyncNow(context.Background(), key, provider.SyncTypeManual)
	assert.ErrorIs(t, err, ErrSyncInFlight)

	close(release)
	require.NoError(t, <-done)

	// Only the winning invocation left a metric.
	assert.Len(t, f.recorder.recorded(), 1)
}

// heldLocker simulates a sync for the key running on another replica.
type heldLocker struct{}

func (heldLocker) TryLock(context.Context, integration.Key) (func(), bool, error) {
	return nil, false, nil
}

func TestOrchestrator_SharedLockHeldElsewhereRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.orch = New(f.breakers, f.tokens, f.webhooks, f.planner, f.recorder, f.executor,
		WithKeyLocker(heldLocker{}))
	key := testKey()

	// The executor must never run.
	_, err := f.orch.SyncNow(context.Background(), key, provider.SyncTypeManual)
	assert.ErrorIs(t, err, ErrSyncInFlight)
	assert.Empty(t, f.recorder.recorded())
}

func TestOrchestrator_SweepDueSyncs(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	first := testKey()
	second := testKey()
	lastSync := time.Now().Add(-time.Hour)
	f.planner.due = []schedule.Schedule{
		{Key: first},
		{Key: second, LastSyncAt: &lastSync},
	}

	// A never-synced schedule gets an initial sync, the rest incremental.
	f.executor.EXPECT().
		Run(gomock.Any(), first, provider.SyncTypeInitial).
		Return(&provider.SyncResult{}, nil)
	f.executor.EXPECT().
		Run(gomock.Any(), second, provider.SyncTypeIncremental).
		Return(&provider.SyncResult{}, nil)

	require.NoError(t, f.orch.SweepDueSyncs(context.Background()))
	assert.Len(t, f.recorder.recorded(), 2)
}

func TestOrchestrator_WebhookNotificationTriggersSync(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	key := testKey()

	synced := make(chan struct{})
	f.executor.EXPECT().
		Run(gomock.Any(), key, provider.SyncTypeWebhook).
		DoAndReturn(func(context.Context, integration.Key, provider.SyncType) (*provider.SyncResult, error) {
			close(synced)
			return &provider.SyncResult{}, nil
		})

	require.NoError(t, f.orch.OnWebhookNotification(context.Background(), key, "token", "v1"))

	select {
	case <-synced:
	case <-time.After(5 * time.Second):
		t.Fatal("webhook sync never ran")
	}
	require.NoError(t, f.orch.Shutdown(context.Background()))
}

func TestOrchestrator_WebhookTokenMismatchRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.webhooks.notifyErr = webhook.ErrTokenMismatch
	key := testKey()

	err := f.orch.OnWebhookNotification(context.Background(), key, "forged", "")
	require.ErrorIs(t, err, webhook.ErrTokenMismatch)

	// No sync, no metric.
	require.NoError(t, f.orch.Shutdown(context.Background()))
	assert.Empty(t, f.recorder.recorded())
}

func TestOrchestrator_ConnectProvisionsState(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	key := testKey()

	require.NoError(t, f.orch.ConnectIntegration(context.Background(), key, time.Now().Add(time.Hour)))
	assert.Equal(t, 1, f.tokens.resets)
	assert.Equal(t, 1, f.planner.initialized)
	assert.Equal(t, 1, f.webhooks.registrations)
}

func TestOrchestrator_DisconnectTearsDownState(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	key := testKey()

	require.NoError(t, f.orch.DisconnectIntegration(context.Background(), key))
	assert.Equal(t, 1, f.webhooks.unregistered)
	assert.Equal(t, 1, f.planner.deleted)
}

func TestOrchestrator_StatusAggregates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	key := testKey()

	st, err := f.orch.Status(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, st.Breaker)
	assert.Equal(t, breaker.StateClosed, st.Breaker.State)
	require.NotNil(t, st.Token)
	assert.Equal(t, webhook.HealthMissing, st.Webhook)
	require.NotNil(t, st.SuccessRate)
}

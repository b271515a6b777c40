// Package tokenhealth tracks the usability of each (user, integration)
// credential, separately from whether provider calls themselves succeed. It
// decides when to refresh proactively, when a credential is merely stale, and
// when the user has to re-authenticate.
package tokenhealth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cadencehq/sync-orchestrator/internal/integration"
	"github.com/cadencehq/sync-orchestrator/internal/provider"
)

// Status is the tracked credential health state.
type Status string

const (
	// StatusHealthy means the credential is usable and outside the expiry
	// lead window.
	StatusHealthy Status = "healthy"

	// StatusExpiringSoon means the credential is inside the lead window and
	// should be refreshed before use.
	StatusExpiringSoon Status = "expiring_soon"

	// StatusExpired means refreshes keep failing retryably; sync attempts
	// are skipped but the refresh is retried on the next schedule.
	StatusExpired Status = "expired"

	// StatusInvalid means the grant was revoked. Terminal until the user
	// re-authenticates.
	StatusInvalid Status = "invalid"
)

// ErrNotFound is returned when no token health row exists for a key.
var ErrNotFound = errors.New("token health not found")

// ErrInvalid is returned when the credential requires re-authentication.
// Status transitions never leave invalid without an external Reset.
var ErrInvalid = errors.New("credential invalid: re-authentication required")

// Snapshot is the persisted token health for one key.
type Snapshot struct {
	Key                        integration.Key
	Status                     Status
	ExpiresAt                  *time.Time
	ConsecutiveRefreshFailures int
	LastRefreshAt              *time.Time

	// NotifiedAt records the one-time re-authentication notification so
	// repeated invalid observations do not spam the user.
	NotifiedAt *time.Time
}

// Store persists token health state.
type Store interface {
	// Get returns the token health for a key, or ErrNotFound.
	Get(ctx context.Context, key integration.Key) (*Snapshot, error)

	// Put inserts or replaces the token health row for a key.
	Put(ctx context.Context, st *Snapshot) error

	// Update applies fn to the current state inside a transaction and
	// persists the result when fn returns true.
	Update(ctx context.Context, key integration.Key, fn func(*Snapshot) bool) (*Snapshot, error)

	// ListUntouchedSince returns keys whose health row was last written
	// before the cutoff, for the background expiry sweep.
	ListUntouchedSince(ctx context.Context, cutoff time.Time, limit int) ([]Snapshot, error)
}

// Monitor is the token health contract used by the orchestrator.
type Monitor interface {
	// GetUsableToken returns a usable credential for the key, refreshing it
	// if it is inside the expiry lead window. It returns ErrInvalid for
	// revoked grants and a wrapped refresh error when a refresh fails
	// retryably.
	GetUsableToken(ctx context.Context, key integration.Key) (*provider.Token, error)

	// ReportAuthFailure records a credential rejection observed on a
	// provider call, forcing a refresh on the next attempt.
	ReportAuthFailure(ctx context.Context, key integration.Key, class provider.ErrorClass) error

	// Reset re-initializes health after an external (re-)authentication
	// event. It is the only way out of the invalid state.
	Reset(ctx context.Context, key integration.Key, expiresAt time.Time) error

	// GetState returns the current health snapshot.
	GetState(ctx context.Context, key integration.Key) (*Snapshot, error)

	// SweepExpiry re-derives status from expires_at for keys no sync
	// attempt has touched recently, so idle users' silently expiring
	// tokens still show up in health state.
	SweepExpiry(ctx context.Context) error
}

type defaultMonitor struct {
	store      Store
	tokens     provider.TokenProvider
	notifier   provider.Notifier
	expiryLead time.Duration
	threshold  int
	now        func() time.Time

	// Cached access tokens, keyed per integration key. Non-authoritative:
	// lost on restart, in which case the next attempt refreshes.
	mu    sync.Mutex
	cache map[integration.Key]provider.Token
}

// Option configures the monitor.
type Option func(*defaultMonitor)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *defaultMonitor) {
		m.now = now
	}
}

// NewMonitor creates a token health monitor.
func NewMonitor(
	store Store,
	tokens provider.TokenProvider,
	notifier provider.Notifier,
	expiryLead time.Duration,
	refreshFailureThreshold int,
	opts ...Option,
) Monitor {
	m := &defaultMonitor{
		store:      store,
		tokens:     tokens,
		notifier:   notifier,
		expiryLead: expiryLead,
		threshold:  refreshFailureThreshold,
		now:        time.Now,
		cache:      make(map[integration.Key]provider.Token),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *defaultMonitor) GetUsableToken(ctx context.Context, key integration.Key) (*provider.Token, error) {
	st, err := m.store.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if st != nil {
		if st.Status == StatusInvalid {
			return nil, ErrInvalid
		}

		now := m.now()
		if st.Status == StatusHealthy && st.ExpiresAt != nil && now.Before(st.ExpiresAt.Add(-m.expiryLead)) {
			m.mu.Lock()
			cached, ok := m.cache[key]
			m.mu.Unlock()
			if ok {
				return &cached, nil
			}
		}
	}

	return m.refresh(ctx, key)
}

func (m *defaultMonitor) refresh(ctx context.Context, key integration.Key) (*provider.Token, error) {
	token, refreshErr := m.tokens.Refresh(ctx, key.UserID)
	now := m.now()

	if refreshErr == nil {
		m.mu.Lock()
		m.cache[key] = *token
		m.mu.Unlock()

		st := &Snapshot{
			Key:           key,
			Status:        StatusHealthy,
			ExpiresAt:     &token.ExpiresAt,
			LastRefreshAt: &now,
		}
		if err := m.store.Put(ctx, st); err != nil {
			return nil, err
		}
		return token, nil
	}

	if !provider.IsRefreshRetryable(refreshErr) {
		if err := m.markInvalid(ctx, key); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalid, refreshErr)
	}

	// Retryable refresh failure: count it, degrade past the threshold, and
	// let the next scheduled attempt retry.
	_, err := m.store.Update(ctx, key, func(st *Snapshot) bool {
		if st.Status == StatusInvalid {
			return false
		}
		st.ConsecutiveRefreshFailures++
		st.LastRefreshAt = &now
		if st.ConsecutiveRefreshFailures >= m.threshold {
			st.Status = StatusExpired
		} else {
			st.Status = StatusExpiringSoon
		}
		return true
	})
	if errors.Is(err, ErrNotFound) {
		err = m.store.Put(ctx, &Snapshot{
			Key:                        key,
			Status:                     StatusExpiringSoon,
			ConsecutiveRefreshFailures: 1,
			LastRefreshAt:              &now,
		})
	}
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("token refresh failed for %s: %w", key, refreshErr)
}

// markInvalid moves the key to the invalid sink state and emits the one-time
// re-authentication notification on the transition.
func (m *defaultMonitor) markInvalid(ctx context.Context, key integration.Key) error {
	now := m.now()
	notify := false
	_, err := m.store.Update(ctx, key, func(st *Snapshot) bool {
		st.Status = StatusInvalid
		if st.NotifiedAt == nil {
			st.NotifiedAt = &now
			notify = true
		}
		return true
	})
	if errors.Is(err, ErrNotFound) {
		notify = true
		err = m.store.Put(ctx, &Snapshot{Key: key, Status: StatusInvalid, NotifiedAt: &now})
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.cache, key)
	m.mu.Unlock()

	if notify && m.notifier != nil {
		if err := m.notifier.NotifyReauthRequired(ctx, key); err != nil {
			// Notification delivery is best effort; the NotifiedAt marker
			// still prevents retries from spamming.
			slog.Error("Failed to request re-authentication notification",
				"key", key.String(), "error", err)
		}
	}
	return nil
}

func (m *defaultMonitor) ReportAuthFailure(ctx context.Context, key integration.Key, class provider.ErrorClass) error {
	if class != provider.ErrorClassAuthInvalid {
		return nil
	}

	// A rejected credential on a live call means the cached token is no
	// longer trustworthy; force a refresh on the next attempt. Whether the
	// grant itself was revoked is only learned from that refresh.
	m.mu.Lock()
	delete(m.cache, key)
	m.mu.Unlock()

	_, err := m.store.Update(ctx, key, func(st *Snapshot) bool {
		if st.Status == StatusInvalid {
			return false
		}
		st.Status = StatusExpiringSoon
		return true
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (m *defaultMonitor) Reset(ctx context.Context, key integration.Key, expiresAt time.Time) error {
	m.mu.Lock()
	delete(m.cache, key)
	m.mu.Unlock()

	return m.store.Put(ctx, &Snapshot{
		Key:       key,
		Status:    StatusHealthy,
		ExpiresAt: &expiresAt,
	})
}

func (m *defaultMonitor) GetState(ctx context.Context, key integration.Key) (*Snapshot, error) {
	return m.store.Get(ctx, key)
}

// sweepBatchSize bounds how many idle keys one sweep pass rewrites.
const sweepBatchSize = 500

func (m *defaultMonitor) SweepExpiry(ctx context.Context) error {
	now := m.now()
	stale, err := m.store.ListUntouchedSince(ctx, now.Add(-24*time.Hour), sweepBatchSize)
	if err != nil {
		return fmt.Errorf("failed to list stale token health: %w", err)
	}

	for i := range stale {
		st := &stale[i]
		if st.Status == StatusInvalid || st.ExpiresAt == nil {
			continue
		}

		var derived Status
		switch {
		case now.After(*st.ExpiresAt):
			derived = StatusExpired
		case now.After(st.ExpiresAt.Add(-m.expiryLead)):
			derived = StatusExpiringSoon
		default:
			derived = StatusHealthy
		}
		if derived == st.Status || !statusAdvances(st.Status, derived) {
			continue
		}

		if _, err := m.store.Update(ctx, st.Key, func(cur *Snapshot) bool {
			if cur.Status == StatusInvalid || !statusAdvances(cur.Status, derived) {
				return false
			}
			cur.Status = derived
			return true
		}); err != nil {
			slog.Error("Failed to update token health during expiry sweep",
				"key", st.Key.String(), "error", err)
		}
	}
	return nil
}

// statusAdvances reports whether moving from to next follows the directed
// path healthy -> expiring_soon -> expired. The sweep only degrades; only a
// successful refresh or reset restores health.
func statusAdvances(from, to Status) bool {
	rank := map[Status]int{StatusHealthy: 0, StatusExpiringSoon: 1, StatusExpired: 2}
	return rank[to] > rank[from]
}

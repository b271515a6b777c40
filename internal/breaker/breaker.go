// Package breaker implements the per-(user, integration) circuit breaker
// that gatekeeps every outbound provider call. Persisted breaker state is the
// single source of truth; the half-open probe slot is granted through a
// database compare-and-swap so concurrent schedulers cannot both win it.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/cadencehq/sync-orchestrator/internal/integration"
	"github.com/cadencehq/sync-orchestrator/internal/provider"
)

// State is the breaker state machine position.
type State string

const (
	// StateClosed permits all calls.
	StateClosed State = "closed"

	// StateOpen rejects calls until the cooldown elapses.
	StateOpen State = "open"

	// StateHalfOpen permits exactly one probe call.
	StateHalfOpen State = "half_open"
)

// Rejection reasons surfaced in Decision.Reason.
const (
	ReasonOpen          = "breaker-open"
	ReasonProbeInFlight = "probe-in-flight"
)

// Snapshot is the persisted breaker state for one key.
type Snapshot struct {
	Key                 integration.Key
	State               State
	ConsecutiveFailures int

	// TripCount is the number of times the breaker has opened since the
	// last full close; it drives the exponential cooldown growth.
	TripCount int

	LastFailureAt *time.Time
	OpenedAt      *time.Time
	NextProbeAt   *time.Time
	ProbeInFlight bool

	// ProbeAcquiredAt is when the current probe slot was claimed. A claim
	// older than the probe lease is treated as abandoned.
	ProbeAcquiredAt *time.Time
}

// BackoffFactor returns the multiplier the scheduler applies to the sync
// interval while the breaker is open: 2^tripCount, matching the cooldown
// growth.
func (s *Snapshot) BackoffFactor() int {
	if s.State != StateOpen {
		return 1
	}
	trips := s.TripCount
	if trips > 6 {
		trips = 6
	}
	return 1 << trips
}

// Decision is the outcome of an Allow call.
type Decision struct {
	// Proceed reports whether the caller may perform the provider call.
	Proceed bool

	// Probe is set when the call granted is the single half-open probe.
	Probe bool

	// Reason explains a rejection.
	Reason string

	// RetryAt is the earliest time a rejected caller could be admitted.
	RetryAt *time.Time
}

// ErrNotFound is returned when no breaker row exists for a key.
var ErrNotFound = errors.New("breaker state not found")

// Store persists breaker state. Implementations must make TryAcquireProbe a
// single atomic compare-and-swap.
type Store interface {
	// Get returns the breaker state for a key, or ErrNotFound.
	Get(ctx context.Context, key integration.Key) (*Snapshot, error)

	// Ensure inserts a closed breaker row for the key if none exists.
	Ensure(ctx context.Context, key integration.Key) error

	// Update applies fn to the current state inside a transaction and
	// persists the result when fn returns true.
	Update(ctx context.Context, key integration.Key, fn func(*Snapshot) bool) (*Snapshot, error)

	// TryAcquireProbe atomically transitions an eligible breaker to
	// half-open and claims the probe slot. It returns true for exactly one
	// caller; every concurrent caller observes false. A slot claimed
	// before staleBefore counts as abandoned and may be stolen.
	TryAcquireProbe(ctx context.Context, key integration.Key, now, staleBefore time.Time) (bool, error)
}

// Manager is the circuit breaker contract used by the orchestrator.
type Manager interface {
	// Allow decides whether a provider call for the key may proceed.
	Allow(ctx context.Context, key integration.Key) (Decision, error)

	// RecordSuccess reports a successful call, closing the breaker.
	RecordSuccess(ctx context.Context, key integration.Key) error

	// RecordFailure reports a failed call. Only failure classes that count
	// toward the breaker increment the consecutive-failure counter; auth
	// failures are routed to token health by the orchestrator instead.
	RecordFailure(ctx context.Context, key integration.Key, class provider.ErrorClass) error

	// GetState returns the current breaker snapshot for scheduling
	// decisions. Keys without a row report a closed breaker.
	GetState(ctx context.Context, key integration.Key) (*Snapshot, error)
}

// defaultProbeLease must exceed the longest sync timeout so a live probe is
// never stolen mid-flight.
const defaultProbeLease = 15 * time.Minute

type defaultManager struct {
	store      Store
	threshold  int
	base       time.Duration
	cap        time.Duration
	probeLease time.Duration
	now        func() time.Time
}

// Option configures the manager.
type Option func(*defaultManager)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *defaultManager) {
		m.now = now
	}
}

// WithProbeLease sets how long a claimed probe slot is honored before a
// crashed holder's claim can be stolen.
func WithProbeLease(d time.Duration) Option {
	return func(m *defaultManager) {
		m.probeLease = d
	}
}

// NewManager creates a breaker manager over the given store.
func NewManager(store Store, threshold int, cooldownBase, cooldownCap time.Duration, opts ...Option) Manager {
	m := &defaultManager{
		store:      store,
		threshold:  threshold,
		base:       cooldownBase,
		cap:        cooldownCap,
		probeLease: defaultProbeLease,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *defaultManager) Allow(ctx context.Context, key integration.Key) (Decision, error) {
	st, err := m.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		// First call for this key: materialize a closed breaker.
		if err := m.store.Ensure(ctx, key); err != nil {
			return Decision{}, err
		}
		return Decision{Proceed: true}, nil
	}
	if err != nil {
		return Decision{}, err
	}

	now := m.now()
	switch st.State {
	case StateClosed:
		return Decision{Proceed: true}, nil

	case StateHalfOpen:
		if st.ProbeInFlight && !m.probeStale(st, now) {
			return Decision{Proceed: false, Reason: ReasonProbeInFlight, RetryAt: st.NextProbeAt}, nil
		}
		// Either no probe is claimed, or the holder died before reporting
		// back and its lease ran out. Contend for the slot.
		return m.acquireProbe(ctx, key, now, st)

	case StateOpen:
		if st.NextProbeAt != nil && now.Before(*st.NextProbeAt) {
			return Decision{Proceed: false, Reason: ReasonOpen, RetryAt: st.NextProbeAt}, nil
		}
		return m.acquireProbe(ctx, key, now, st)

	default:
		return Decision{Proceed: false, Reason: ReasonOpen, RetryAt: st.NextProbeAt}, nil
	}
}

// probeStale reports whether the claimed probe slot has outlived its lease.
// A claim without a timestamp cannot be aged and is treated as stale.
func (m *defaultManager) probeStale(st *Snapshot, now time.Time) bool {
	return st.ProbeAcquiredAt == nil || now.Sub(*st.ProbeAcquiredAt) >= m.probeLease
}

func (m *defaultManager) acquireProbe(ctx context.Context, key integration.Key, now time.Time, st *Snapshot) (Decision, error) {
	won, err := m.store.TryAcquireProbe(ctx, key, now, now.Add(-m.probeLease))
	if err != nil {
		return Decision{}, err
	}
	if !won {
		return Decision{Proceed: false, Reason: ReasonProbeInFlight, RetryAt: st.NextProbeAt}, nil
	}
	return Decision{Proceed: true, Probe: true}, nil
}

func (m *defaultManager) RecordSuccess(ctx context.Context, key integration.Key) error {
	_, err := m.store.Update(ctx, key, func(st *Snapshot) bool {
		st.State = StateClosed
		st.ConsecutiveFailures = 0
		st.TripCount = 0
		st.OpenedAt = nil
		st.NextProbeAt = nil
		st.ProbeInFlight = false
		st.ProbeAcquiredAt = nil
		return true
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (m *defaultManager) RecordFailure(ctx context.Context, key integration.Key, class provider.ErrorClass) error {
	now := m.now()
	_, err := m.store.Update(ctx, key, func(st *Snapshot) bool {
		if !class.CountsTowardBreaker() {
			// Auth failures do not trip the breaker, but a failed probe
			// must still release its slot and re-open.
			if st.State == StateHalfOpen {
				m.trip(st, now)
				return true
			}
			return false
		}

		st.ConsecutiveFailures++
		st.LastFailureAt = &now

		if st.State == StateHalfOpen || (st.State == StateClosed && st.ConsecutiveFailures >= m.threshold) {
			m.trip(st, now)
		}
		return true
	})
	if errors.Is(err, ErrNotFound) {
		if err := m.store.Ensure(ctx, key); err != nil {
			return err
		}
		return m.RecordFailure(ctx, key, class)
	}
	return err
}

// trip moves the breaker to open and extends the cooldown exponentially.
func (m *defaultManager) trip(st *Snapshot, now time.Time) {
	st.TripCount++
	st.State = StateOpen
	st.OpenedAt = &now
	st.ProbeInFlight = false
	st.ProbeAcquiredAt = nil
	probeAt := now.Add(m.cooldown(st.TripCount))
	st.NextProbeAt = &probeAt
}

// cooldown returns base * 2^(trips-1), capped.
func (m *defaultManager) cooldown(trips int) time.Duration {
	d := m.base
	for i := 1; i < trips; i++ {
		d *= 2
		if d >= m.cap {
			return m.cap
		}
	}
	if d > m.cap {
		return m.cap
	}
	return d
}

func (m *defaultManager) GetState(ctx context.Context, key integration.Key) (*Snapshot, error) {
	st, err := m.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return &Snapshot{Key: key, State: StateClosed}, nil
	}
	return st, err
}

package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cadencehq/sync-orchestrator/internal/integration"
)

type dbStore struct {
	pool *pgxpool.Pool
}

// NewDBStore creates a PostgreSQL-backed breaker store.
func NewDBStore(pool *pgxpool.Pool) Store {
	return &dbStore{pool: pool}
}

const selectBreaker = `
SELECT state, consecutive_failures, trip_count, last_failure_at, opened_at, next_probe_at, probe_in_flight, probe_acquired_at
FROM circuit_breakers
WHERE user_id = $1 AND integration = $2`

func (d *dbStore) Get(ctx context.Context, key integration.Key) (*Snapshot, error) {
	return scanBreaker(ctx, d.pool, key)
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanBreaker(ctx context.Context, q rowQuerier, key integration.Key) (*Snapshot, error) {
	st := &Snapshot{Key: key}
	var state string
	err := q.QueryRow(ctx, selectBreaker, key.UserID, key.Type.String()).Scan(
		&state,
		&st.ConsecutiveFailures,
		&st.TripCount,
		&st.LastFailureAt,
		&st.OpenedAt,
		&st.NextProbeAt,
		&st.ProbeInFlight,
		&st.ProbeAcquiredAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get breaker state: %w", err)
	}
	st.State = State(state)
	return st, nil
}

func (d *dbStore) Ensure(ctx context.Context, key integration.Key) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO circuit_breakers (user_id, integration)
		VALUES ($1, $2)
		ON CONFLICT (user_id, integration) DO NOTHING`,
		key.UserID, key.Type.String())
	if err != nil {
		return fmt.Errorf("failed to ensure breaker state: %w", err)
	}
	return nil
}

func (d *dbStore) Update(ctx context.Context, key integration.Key, fn func(*Snapshot) bool) (*Snapshot, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Row lock serializes concurrent read-modify-write cycles per key.
	st := &Snapshot{Key: key}
	var state string
	err = tx.QueryRow(ctx, selectBreaker+` FOR UPDATE`, key.UserID, key.Type.String()).Scan(
		&state,
		&st.ConsecutiveFailures,
		&st.TripCount,
		&st.LastFailureAt,
		&st.OpenedAt,
		&st.NextProbeAt,
		&st.ProbeInFlight,
		&st.ProbeAcquiredAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get breaker state: %w", err)
	}
	st.State = State(state)

	if !fn(st) {
		return st, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `
		UPDATE circuit_breakers
		SET state = $3,
		    consecutive_failures = $4,
		    trip_count = $5,
		    last_failure_at = $6,
		    opened_at = $7,
		    next_probe_at = $8,
		    probe_in_flight = $9,
		    probe_acquired_at = $10,
		    updated_at = now()
		WHERE user_id = $1 AND integration = $2`,
		key.UserID, key.Type.String(),
		string(st.State),
		st.ConsecutiveFailures,
		st.TripCount,
		st.LastFailureAt,
		st.OpenedAt,
		st.NextProbeAt,
		st.ProbeInFlight,
		st.ProbeAcquiredAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update breaker state: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

func (d *dbStore) TryAcquireProbe(ctx context.Context, key integration.Key, now, staleBefore time.Time) (bool, error) {
	// Single compare-and-swap: only one caller can flip probe_in_flight.
	// A slot whose claim timestamp predates staleBefore belongs to a
	// holder that died without reporting, so it may be stolen.
	tag, err := d.pool.Exec(ctx, `
		UPDATE circuit_breakers
		SET state = 'half_open', probe_in_flight = TRUE, probe_acquired_at = $3, updated_at = now()
		WHERE user_id = $1 AND integration = $2
		  AND (probe_in_flight = FALSE OR probe_acquired_at IS NULL OR probe_acquired_at < $4)
		  AND (state = 'half_open' OR (state = 'open' AND next_probe_at <= $3))`,
		key.UserID, key.Type.String(), now, staleBefore)
	if err != nil {
		return false, fmt.Errorf("failed to acquire probe slot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

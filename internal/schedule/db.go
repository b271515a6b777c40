package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cadencehq/sync-orchestrator/internal/db/pgtypes"
	"github.com/cadencehq/sync-orchestrator/internal/integration"
)

type dbStore struct {
	pool *pgxpool.Pool
}

// NewDBStore creates a PostgreSQL-backed schedule store.
func NewDBStore(pool *pgxpool.Pool) Store {
	return &dbStore{pool: pool}
}

const scheduleColumns = `user_id, integration, last_sync_at, next_sync_at, frequency, onboarding_until`

func scanSchedule(row pgx.Row) (*Schedule, error) {
	var s Schedule
	var integ string
	var freq pgtypes.Interval
	err := row.Scan(
		&s.Key.UserID,
		&integ,
		&s.LastSyncAt,
		&s.NextSyncAt,
		&freq,
		&s.OnboardingUntil,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan sync schedule: %w", err)
	}
	t, err := integration.ParseType(integ)
	if err != nil {
		return nil, err
	}
	s.Key.Type = t
	s.Frequency = freq.Duration
	return &s, nil
}

func (d *dbStore) Get(ctx context.Context, key integration.Key) (*Schedule, error) {
	row := d.pool.QueryRow(ctx, `
		SELECT `+scheduleColumns+`
		FROM sync_schedules
		WHERE user_id = $1 AND integration = $2`,
		key.UserID, key.Type.String())
	return scanSchedule(row)
}

func (d *dbStore) Put(ctx context.Context, s *Schedule) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO sync_schedules
		    (user_id, integration, last_sync_at, next_sync_at, frequency, onboarding_until)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, integration) DO UPDATE SET
		    last_sync_at = EXCLUDED.last_sync_at,
		    next_sync_at = EXCLUDED.next_sync_at,
		    frequency = EXCLUDED.frequency,
		    onboarding_until = EXCLUDED.onboarding_until,
		    updated_at = now()`,
		s.Key.UserID, s.Key.Type.String(),
		s.LastSyncAt,
		s.NextSyncAt,
		pgtypes.NewInterval(s.Frequency),
		s.OnboardingUntil,
	)
	if err != nil {
		return fmt.Errorf("failed to put sync schedule: %w", err)
	}
	return nil
}

func (d *dbStore) Delete(ctx context.Context, key integration.Key) error {
	_, err := d.pool.Exec(ctx, `
		DELETE FROM sync_schedules
		WHERE user_id = $1 AND integration = $2`,
		key.UserID, key.Type.String())
	if err != nil {
		return fmt.Errorf("failed to delete sync schedule: %w", err)
	}
	return nil
}

func (d *dbStore) ListDueBefore(ctx context.Context, cutoff time.Time, limit int) ([]Schedule, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT `+scheduleColumns+`
		FROM sync_schedules
		WHERE next_sync_at <= $1
		ORDER BY next_sync_at
		LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due sync schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

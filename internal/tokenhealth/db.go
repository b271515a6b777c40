package tokenhealth

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

// NewDBStore creates a PostgreSQL-backed token health store.
func NewDBStore(pool *pgxpool.Pool) Store {
	return &dbStore{pool: pool}
}

const selectTokenHealth = `
SELECT status, expires_at, consecutive_refresh_failures, last_refresh_at, notified_at
FROM token_health
WHERE user_id = $1 AND integration = $2`

func scanTokenHealth(row pgx.Row, key integration.Key) (*Snapshot, error) {
	st := &Snapshot{Key: key}
	var status string
	err := row.Scan(
		&status,
		&st.ExpiresAt,
		&st.ConsecutiveRefreshFailures,
		&st.LastRefreshAt,
		&st.NotifiedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get token health: %w", err)
	}
	st.Status = Status(status)
	return st, nil
}

func (d *dbStore) Get(ctx context.Context, key integration.Key) (*Snapshot, error) {
	return scanTokenHealth(d.pool.QueryRow(ctx, selectTokenHealth, key.UserID, key.Type.String()), key)
}

func (d *dbStore) Put(ctx context.Context, st *Snapshot) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO token_health (user_id, integration, status, expires_at, consecutive_refresh_failures, last_refresh_at, notified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, integration) DO UPDATE SET
		    status = EXCLUDED.status,
		    expires_at = EXCLUDED.expires_at,
		    consecutive_refresh_failures = EXCLUDED.consecutive_refresh_failures,
		    last_refresh_at = EXCLUDED.last_refresh_at,
		    notified_at = EXCLUDED.notified_at,
		    updated_at = now()`,
		st.Key.UserID, st.Key.Type.String(),
		string(st.Status),
		st.ExpiresAt,
		st.ConsecutiveRefreshFailures,
		st.LastRefreshAt,
		st.NotifiedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put token health: %w", err)
	}
	return nil
}

func (d *dbStore) Update(ctx context.Context, key integration.Key, fn func(*Snapshot) bool) (*Snapshot, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	st, err := scanTokenHealth(
		tx.QueryRow(ctx, selectTokenHealth+` FOR UPDATE`, key.UserID, key.Type.String()), key)
	if err != nil {
		return nil, err
	}

	if !fn(st) {
		return st, tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx, `
		UPDATE token_health
		SET status = $3,
		    expires_at = $4,
		    consecutive_refresh_failures = $5,
		    last_refresh_at = $6,
		    notified_at = $7,
		    updated_at = now()
		WHERE user_id = $1 AND integration = $2`,
		key.UserID, key.Type.String(),
		string(st.Status),
		st.ExpiresAt,
		st.ConsecutiveRefreshFailures,
		st.LastRefreshAt,
		st.NotifiedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update token health: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

func (d *dbStore) ListUntouchedSince(ctx context.Context, cutoff time.Time, limit int) ([]Snapshot, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT user_id, integration, status, expires_at, consecutive_refresh_failures, last_refresh_at, notified_at
		FROM token_health
		WHERE updated_at < $1 AND status != 'invalid'
		ORDER BY updated_at
		LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list token health: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var st Snapshot
		var integ, status string
		if err := rows.Scan(
			&st.Key.UserID,
			&integ,
			&status,
			&st.ExpiresAt,
			&st.ConsecutiveRefreshFailures,
			&st.LastRefreshAt,
			&st.NotifiedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan token health: %w", err)
		}
		t, err := integration.ParseType(integ)
		if err != nil {
			return nil, err
		}
		st.Key.Type = t
		st.Status = Status(status)
		out = append(out, st)
	}
	return out, rows.Err()
}

package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cadencehq/sync-orchestrator/internal/integration"
	"github.com/cadencehq/sync-orchestrator/internal/provider"
)

type dbStore struct {
	pool *pgxpool.Pool
}

// NewDBStore creates a PostgreSQL-backed metrics store.
func NewDBStore(pool *pgxpool.Pool) Store {
	return &dbStore{pool: pool}
}

func (d *dbStore) Insert(ctx context.Context, m *SyncMetric) error {
	var errClass *string
	if m.ErrorClass != "" {
		errClass = &m.ErrorClass
	}
	_, err := d.pool.Exec(ctx, `
		INSERT INTO sync_metrics
		    (id, user_id, integration, sync_type, result, duration_ms, items_synced, error_class, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID,
		m.Key.UserID, m.Key.Type.String(),
		string(m.SyncType),
		string(m.Result),
		m.Duration.Milliseconds(),
		m.ItemsSynced,
		errClass,
		m.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sync metric: %w", err)
	}
	return nil
}

func (d *dbStore) CountWindow(ctx context.Context, key integration.Key, since time.Time) (int, int, error) {
	var attempts, successes int
	err := d.pool.QueryRow(ctx, `
		SELECT count(*), count(*) FILTER (WHERE result = 'success')
		FROM sync_metrics
		WHERE user_id = $1 AND integration = $2 AND recorded_at >= $3`,
		key.UserID, key.Type.String(), since).Scan(&attempts, &successes)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count sync metrics: %w", err)
	}
	return attempts, successes, nil
}

func (d *dbStore) CountWindowAll(ctx context.Context, since time.Time) (int, int, error) {
	var attempts, successes int
	err := d.pool.QueryRow(ctx, `
		SELECT count(*), count(*) FILTER (WHERE result = 'success')
		FROM sync_metrics
		WHERE recorded_at >= $1`,
		since).Scan(&attempts, &successes)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count sync metrics: %w", err)
	}
	return attempts, successes, nil
}

func (d *dbStore) ListRecent(ctx context.Context, key integration.Key, limit int) ([]SyncMetric, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, sync_type, result, duration_ms, items_synced, error_class, recorded_at
		FROM sync_metrics
		WHERE user_id = $1 AND integration = $2
		ORDER BY recorded_at DESC
		LIMIT $3`,
		key.UserID, key.Type.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync metrics: %w", err)
	}
	defer rows.Close()

	var out []SyncMetric
	for rows.Next() {
		m := SyncMetric{Key: key}
		var syncType, result string
		var durationMs int64
		var errClass *string
		if err := rows.Scan(&m.ID, &syncType, &result, &durationMs, &m.ItemsSynced, &errClass, &m.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sync metric: %w", err)
		}
		m.SyncType = provider.SyncType(syncType)
		m.Result = Result(result)
		m.Duration = time.Duration(durationMs) * time.Millisecond
		if errClass != nil {
			m.ErrorClass = *errClass
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (d *dbStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := d.pool.Exec(ctx, `
		DELETE FROM sync_metrics
		WHERE recorded_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sync metrics: %w", err)
	}
	return tag.RowsAffected(), nil
}

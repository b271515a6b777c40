package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cadencehq/sync-orchestrator/internal/integration"
)

// AdvisoryLocker serializes per-key work across replicas with PostgreSQL
// session advisory locks. Each held lock pins one pooled connection until
// release, so lock holders should be short-lived relative to the pool size.
type AdvisoryLocker struct {
	pool *pgxpool.Pool
}

// NewAdvisoryLocker creates a locker over the given pool.
func NewAdvisoryLocker(pool *pgxpool.Pool) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool}
}

// TryLock attempts a non-blocking advisory lock on the key. The lock is
// session-scoped, so the connection that took it is held out of the pool
// until release runs.
func (l *AdvisoryLocker) TryLock(ctx context.Context, key integration.Key) (func(), bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire connection for key lock: %w", err)
	}

	var locked bool
	err = conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtextextended($1, 0))`, key.String()).Scan(&locked)
	if err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("failed to take key lock for %s: %w", key, err)
	}
	if !locked {
		conn.Release()
		return nil, false, nil
	}

	release := func() {
		// Unlock on a detached context so a canceled sync still frees the
		// lock instead of leaking it with the pinned connection.
		unlockCtx := context.WithoutCancel(ctx)
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, key.String()); err != nil {
			slog.Error("Failed to release key lock", "key", key.String(), "error", err)
		}
		conn.Release()
	}
	return release, true, nil
}

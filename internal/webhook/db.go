package webhook

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

// NewDBStore creates a PostgreSQL-backed subscription store.
func NewDBStore(pool *pgxpool.Pool) Store {
	return &dbStore{pool: pool}
}

const subscriptionColumns = `user_id, integration, channel_id, resource_version, channel_token,
expires_at, last_notification_at, registration_attempts, created_at`

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var sub Subscription
	var integ string
	err := row.Scan(
		&sub.Key.UserID,
		&integ,
		&sub.ChannelID,
		&sub.ResourceVersion,
		&sub.ChannelToken,
		&sub.ExpiresAt,
		&sub.LastNotificationAt,
		&sub.RegistrationAttempts,
		&sub.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan webhook subscription: %w", err)
	}
	t, err := integration.ParseType(integ)
	if err != nil {
		return nil, err
	}
	sub.Key.Type = t
	return &sub, nil
}

func (d *dbStore) Get(ctx context.Context, key integration.Key) (*Subscription, error) {
	row := d.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM webhook_subscriptions
		WHERE user_id = $1 AND integration = $2`,
		key.UserID, key.Type.String())
	return scanSubscription(row)
}

func (d *dbStore) Put(ctx context.Context, sub *Subscription) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO webhook_subscriptions
		    (user_id, integration, channel_id, resource_version, channel_token,
		     expires_at, last_notification_at, registration_attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, integration) DO UPDATE SET
		    channel_id = EXCLUDED.channel_id,
		    resource_version = EXCLUDED.resource_version,
		    channel_token = EXCLUDED.channel_token,
		    expires_at = EXCLUDED.expires_at,
		    last_notification_at = EXCLUDED.last_notification_at,
		    registration_attempts = EXCLUDED.registration_attempts,
		    created_at = EXCLUDED.created_at,
		    updated_at = now()`,
		sub.Key.UserID, sub.Key.Type.String(),
		sub.ChannelID,
		sub.ResourceVersion,
		sub.ChannelToken,
		sub.ExpiresAt,
		sub.LastNotificationAt,
		sub.RegistrationAttempts,
		sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put webhook subscription: %w", err)
	}
	return nil
}

func (d *dbStore) Delete(ctx context.Context, key integration.Key) error {
	_, err := d.pool.Exec(ctx, `
		DELETE FROM webhook_subscriptions
		WHERE user_id = $1 AND integration = $2`,
		key.UserID, key.Type.String())
	if err != nil {
		return fmt.Errorf("failed to delete webhook subscription: %w", err)
	}
	return nil
}

func (d *dbStore) Touch(ctx context.Context, key integration.Key, at time.Time, resourceVersion string) error {
	_, err := d.pool.Exec(ctx, `
		UPDATE webhook_subscriptions
		SET last_notification_at = $3,
		    resource_version = CASE WHEN $4 != '' THEN $4 ELSE resource_version END,
		    updated_at = now()
		WHERE user_id = $1 AND integration = $2`,
		key.UserID, key.Type.String(), at, resourceVersion)
	if err != nil {
		return fmt.Errorf("failed to touch webhook subscription: %w", err)
	}
	return nil
}

func (d *dbStore) ListExpiringBefore(ctx context.Context, cutoff time.Time, limit int) ([]Subscription, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM webhook_subscriptions
		WHERE expires_at < $1
		ORDER BY expires_at
		LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring webhook subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

func (d *dbStore) ListSilentSince(ctx context.Context, cutoff time.Time, limit int) ([]Subscription, error) {
	// Channels that never delivered are measured from registration.
	rows, err := d.pool.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM webhook_subscriptions
		WHERE COALESCE(last_notification_at, created_at) < $1
		  AND expires_at > now()
		ORDER BY COALESCE(last_notification_at, created_at)
		LIMIT $2`,
		cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list silent webhook subscriptions: %w", err)
	}
	return collectSubscriptions(rows)
}

func collectSubscriptions(rows pgx.Rows) ([]Subscription, error) {
	defer rows.Close()
	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

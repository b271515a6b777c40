// Package webhook manages provider webhook subscriptions per
// (user, integration): registration with bounded retries, renewal ahead of
// expiry, and silence detection so a dead channel never quietly disables
// change notifications.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/cadencehq/sync-orchestrator/internal/integration"
	"github.com/cadencehq/sync-orchestrator/internal/provider"
)

// Health classifies a subscription for scheduling decisions.
type Health string

const (
	// HealthHealthy means the channel delivered recently and is not close
	// to expiry. Only this state earns the relaxed polling fallback.
	HealthHealthy Health = "healthy"

	// HealthSilent means no notification arrived within the silence
	// threshold. The channel is presumed dead.
	HealthSilent Health = "silent"

	// HealthExpiring means the subscription expires within the renewal
	// lead and should be renewed.
	HealthExpiring Health = "expiring"

	// HealthMissing means no live subscription exists.
	HealthMissing Health = "missing"
)

// ErrNotFound is returned when no subscription row exists for a key.
var ErrNotFound = errors.New("webhook subscription not found")

// ErrTokenMismatch is returned for notifications carrying the wrong channel
// token. Such notifications must be ignored.
var ErrTokenMismatch = errors.New("webhook channel token mismatch")

// Subscription is the persisted webhook channel state for one key.
type Subscription struct {
	Key             integration.Key
	ChannelID       string
	ResourceVersion string

	// ChannelToken is the shared secret handed to the provider at
	// registration and echoed back on every notification.
	ChannelToken string

	ExpiresAt            time.Time
	LastNotificationAt   *time.Time
	RegistrationAttempts int
	CreatedAt            time.Time
}

// Registration is what the provider returns for a newly created channel.
type Registration struct {
	ChannelID       string
	ResourceVersion string
	ExpiresAt       time.Time
}

// Registrar creates and tears down webhook channels at the provider.
type Registrar interface {
	// Register creates a channel for the key. The channel token is echoed
	// back by the provider on each notification.
	Register(ctx context.Context, key integration.Key, channelToken string) (*Registration, error)

	// Unregister tears down a channel.
	Unregister(ctx context.Context, key integration.Key, channelID string) error
}

// Store persists webhook subscriptions.
type Store interface {
	// Get returns the subscription for a key, or ErrNotFound.
	Get(ctx context.Context, key integration.Key) (*Subscription, error)

	// Put inserts or replaces the subscription for a key.
	Put(ctx context.Context, sub *Subscription) error

	// Delete removes the subscription for a key. Missing rows are not an
	// error.
	Delete(ctx context.Context, key integration.Key) error

	// Touch records a delivered notification and bumps the resource
	// version when the provider sent one.
	Touch(ctx context.Context, key integration.Key, at time.Time, resourceVersion string) error

	// ListExpiringBefore returns subscriptions expiring before the cutoff.
	ListExpiringBefore(ctx context.Context, cutoff time.Time, limit int) ([]Subscription, error)

	// ListSilentSince returns subscriptions with no delivery since the
	// cutoff, using the registration time for channels that never
	// delivered.
	ListSilentSince(ctx context.Context, cutoff time.Time, limit int) ([]Subscription, error)
}

// Manager is the webhook lifecycle contract used by the orchestrator.
type Manager interface {
	// EnsureRegistered makes sure a live subscription exists for the key,
	// registering one with bounded retries if needed. On exhausted retries
	// the caller stays on polling and the error is returned.
	EnsureRegistered(ctx context.Context, key integration.Key) (*Subscription, error)

	// Unregister tears down the subscription for a key, if any.
	Unregister(ctx context.Context, key integration.Key) error

	// OnNotification validates an inbound notification against the stored
	// channel token and records the delivery.
	OnNotification(ctx context.Context, key integration.Key, channelToken, resourceVersion string) (*Subscription, error)

	// CheckHealth classifies the subscription for the scheduler.
	CheckHealth(ctx context.Context, key integration.Key) (Health, error)

	// SweepSubscriptions renews expiring channels and replaces silent
	// ones.
	SweepSubscriptions(ctx context.Context) error
}

type defaultManager struct {
	store            Store
	registrar        Registrar
	maxAttempts      int
	retryInterval    time.Duration
	silenceThreshold time.Duration
	renewalLead      time.Duration
	now              func() time.Time
}

// Option configures the manager.
type Option func(*defaultManager)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *defaultManager) {
		m.now = now
	}
}

// WithRetryInterval overrides the first registration retry delay.
func WithRetryInterval(d time.Duration) Option {
	return func(m *defaultManager) {
		m.retryInterval = d
	}
}

// NewManager creates a webhook subscription manager.
func NewManager(
	store Store,
	registrar Registrar,
	maxAttempts int,
	retryInterval time.Duration,
	silenceThreshold time.Duration,
	renewalLead time.Duration,
	opts ...Option,
) Manager {
	m := &defaultManager{
		store:            store,
		registrar:        registrar,
		maxAttempts:      maxAttempts,
		retryInterval:    retryInterval,
		silenceThreshold: silenceThreshold,
		renewalLead:      renewalLead,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *defaultManager) EnsureRegistered(ctx context.Context, key integration.Key) (*Subscription, error) {
	sub, err := m.store.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if sub != nil && m.now().Before(sub.ExpiresAt) {
		return sub, nil
	}
	return m.register(ctx, key, sub)
}

// register creates a fresh channel, retrying transient provider failures
// with exponential delays, and persists the result. A previous subscription,
// if passed, contributes its attempt counter.
func (m *defaultManager) register(ctx context.Context, key integration.Key, prev *Subscription) (*Subscription, error) {
	token := uuid.NewString()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.retryInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	attempts := 0
	reg, err := backoff.Retry(ctx, func() (*Registration, error) {
		attempts++
		reg, err := m.registrar.Register(ctx, key, token)
		if err != nil && !provider.Classify(err).CountsTowardBreaker() {
			// Auth failures will not heal on retry.
			return nil, backoff.Permanent(err)
		}
		return reg, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(m.maxAttempts)))
	if err != nil {
		if prev != nil {
			prev.RegistrationAttempts += attempts
			if putErr := m.store.Put(ctx, prev); putErr != nil {
				slog.Error("Failed to record webhook registration attempts",
					"key", key.String(), "error", putErr)
			}
		}
		return nil, fmt.Errorf("webhook registration failed for %s after %d attempts: %w", key, attempts, err)
	}

	now := m.now()
	sub := &Subscription{
		Key:                  key,
		ChannelID:            reg.ChannelID,
		ResourceVersion:      reg.ResourceVersion,
		ChannelToken:         token,
		ExpiresAt:            reg.ExpiresAt,
		RegistrationAttempts: attempts,
		CreatedAt:            now,
	}
	if err := m.store.Put(ctx, sub); err != nil {
		return nil, err
	}

	slog.Info("Registered webhook subscription",
		"key", key.String(), "channel_id", reg.ChannelID, "expires_at", reg.ExpiresAt)
	return sub, nil
}

func (m *defaultManager) Unregister(ctx context.Context, key integration.Key) error {
	sub, err := m.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := m.registrar.Unregister(ctx, key, sub.ChannelID); err != nil {
		// Provider-side teardown is best effort; the channel dies at
		// expiry anyway.
		slog.Warn("Failed to unregister webhook channel",
			"key", key.String(), "channel_id", sub.ChannelID, "error", err)
	}
	return m.store.Delete(ctx, key)
}

func (m *defaultManager) OnNotification(ctx context.Context, key integration.Key, channelToken, resourceVersion string) (*Subscription, error) {
	sub, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if sub.ChannelToken != channelToken {
		return nil, ErrTokenMismatch
	}

	now := m.now()
	if err := m.store.Touch(ctx, key, now, resourceVersion); err != nil {
		return nil, err
	}
	sub.LastNotificationAt = &now
	if resourceVersion != "" {
		sub.ResourceVersion = resourceVersion
	}
	return sub, nil
}

func (m *defaultManager) CheckHealth(ctx context.Context, key integration.Key) (Health, error) {
	sub, err := m.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return HealthMissing, nil
	}
	if err != nil {
		return "", err
	}

	now := m.now()
	if !now.Before(sub.ExpiresAt) {
		return HealthMissing, nil
	}
	if m.silentSince(sub).Before(now.Add(-m.silenceThreshold)) {
		return HealthSilent, nil
	}
	if !sub.ExpiresAt.After(now.Add(m.renewalLead)) {
		return HealthExpiring, nil
	}
	return HealthHealthy, nil
}

// silentSince is the last proof of life for a channel: the last delivery, or
// the registration time if nothing was ever delivered.
func (m *defaultManager) silentSince(sub *Subscription) time.Time {
	if sub.LastNotificationAt != nil {
		return *sub.LastNotificationAt
	}
	return sub.CreatedAt
}

// sweepBatchSize bounds how many subscriptions one sweep pass processes per
// category.
const sweepBatchSize = 500

func (m *defaultManager) SweepSubscriptions(ctx context.Context) error {
	now := m.now()

	expiring, err := m.store.ListExpiringBefore(ctx, now.Add(m.renewalLead), sweepBatchSize)
	if err != nil {
		return fmt.Errorf("failed to list expiring webhook subscriptions: %w", err)
	}
	for i := range expiring {
		sub := expiring[i]
		if _, err := m.register(ctx, sub.Key, &sub); err != nil {
			slog.Error("Failed to renew webhook subscription",
				"key", sub.Key.String(), "error", err)
		}
	}

	silent, err := m.store.ListSilentSince(ctx, now.Add(-m.silenceThreshold), sweepBatchSize)
	if err != nil {
		return fmt.Errorf("failed to list silent webhook subscriptions: %w", err)
	}
	for i := range silent {
		sub := silent[i]
		// Presumed dead: tear the channel down and start over.
		if err := m.registrar.Unregister(ctx, sub.Key, sub.ChannelID); err != nil {
			slog.Warn("Failed to unregister silent webhook channel",
				"key", sub.Key.String(), "channel_id", sub.ChannelID, "error", err)
		}
		if _, err := m.register(ctx, sub.Key, &sub); err != nil {
			slog.Error("Failed to replace silent webhook subscription",
				"key", sub.Key.String(), "error", err)
			continue
		}
		slog.Info("Replaced silent webhook subscription",
			"key", sub.Key.String(), "old_channel_id", sub.ChannelID)
	}
	return nil
}

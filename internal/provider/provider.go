// Package provider defines the contracts between the sync orchestrator and
// its external collaborators: the provider API client, the credential
// refresher, the sync executor that maps provider payloads to domain records,
// and the user notification hand-off. The orchestrator depends only on these
// interfaces and on the error classification in this package, never on
// provider-specific payloads.
package provider

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/sync-orchestrator/internal/integration"
)

// SyncType describes what triggered a sync attempt.
type SyncType string

const (
	// SyncTypeInitial is the first full sync after an integration is connected.
	SyncTypeInitial SyncType = "initial"

	// SyncTypeIncremental is a scheduled incremental sync.
	SyncTypeIncremental SyncType = "incremental"

	// SyncTypeManual is a user-requested "sync now".
	SyncTypeManual SyncType = "manual"

	// SyncTypeWebhook is a sync triggered by an inbound push notification.
	SyncTypeWebhook SyncType = "webhook"
)

// Request is a generic provider API request.
type Request struct {
	Key       integration.Key
	Operation string
	Payload   []byte
}

// Response is a generic provider API response.
type Response struct {
	StatusCode int
	Body       []byte
}

// Client talks to the external contacts/calendar provider API.
//
//go:generate mockgen -destination=mocks/mock_client.go -package=mocks github.com/cadencehq/sync-orchestrator/internal/provider Client
type Client interface {
	// Call performs a provider API request. Failures are returned as *Error
	// carrying the failure class.
	Call(ctx context.Context, req Request) (*Response, error)
}

// Token is a usable provider credential.
type Token struct {
	AccessToken string
	ExpiresAt   time.Time
}

// TokenProvider owns the credential store and refresh flow mechanics.
//
//go:generate mockgen -destination=mocks/mock_token_provider.go -package=mocks github.com/cadencehq/sync-orchestrator/internal/provider TokenProvider
type TokenProvider interface {
	// Refresh exchanges the stored refresh credential for a fresh access
	// token. Failures are returned as *RefreshError.
	Refresh(ctx context.Context, userID uuid.UUID) (*Token, error)
}

// SyncResult is the outcome of a successful executor run.
type SyncResult struct {
	ItemsSynced int
	Cursor      string
}

// SyncExecutor performs the actual provider-payload-to-domain-record sync.
// The orchestrator treats it as opaque.
//
//go:generate mockgen -destination=mocks/mock_sync_executor.go -package=mocks github.com/cadencehq/sync-orchestrator/internal/provider SyncExecutor
type SyncExecutor interface {
	Run(ctx context.Context, key integration.Key, syncType SyncType) (*SyncResult, error)
}

// Notifier delivers user-facing notification requests. The orchestrator only
// ever asks for one: "re-authenticate this integration".
//
//go:generate mockgen -destination=mocks/mock_notifier.go -package=mocks github.com/cadencehq/sync-orchestrator/internal/provider Notifier
type Notifier interface {
	NotifyReauthRequired(ctx context.Context, key integration.Key) error
}

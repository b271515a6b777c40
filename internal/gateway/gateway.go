// Package gateway implements the provider-facing contracts over the internal
// provider gateway's HTTP API. The gateway owns credentials, payload mapping
// and the actual provider protocol; this package only moves classified
// requests and responses across the wire.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/cadencehq/sync-orchestrator/internal/config"
	"github.com/cadencehq/sync-orchestrator/internal/integration"
	"github.com/cadencehq/sync-orchestrator/internal/provider"
	"github.com/cadencehq/sync-orchestrator/internal/webhook"
)

// Gateway operations, appended to the base URL as the request path.
const (
	opSync            = "sync"
	opRefreshToken    = "tokens/refresh"
	opRegisterWebhook = "webhooks/register"
	opDeleteWebhook   = "webhooks/unregister"
	opNotifyReauth    = "notifications/reauth"
)

// maxResponseBytes caps how much of a gateway response is read.
const maxResponseBytes = 1 << 20

// Client is the HTTP implementation of provider.Client.
type Client struct {
	baseURL   string
	authToken string
	hc        *http.Client
}

// NewClient creates a gateway client from the configuration.
func NewClient(cfg *config.GatewayConfig) *Client {
	return &Client{
		baseURL:   cfg.BaseURL,
		authToken: cfg.AuthToken,
		hc:        &http.Client{Timeout: cfg.GetTimeout()},
	}
}

// Call performs one gateway request. Non-2xx responses come back as *provider.Error
// carrying the failure class derived from the status code.
func (c *Client) Call(ctx context.Context, req provider.Request) (*provider.Response, error) {
	url := fmt.Sprintf("%s/internal/v1/%s", c.baseURL, req.Operation)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.Payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build gateway request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-User-ID", req.Key.UserID.String())
	if req.Key.Type != "" {
		httpReq.Header.Set("X-Integration", req.Key.Type.String())
	}
	if c.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return nil, provider.NewError(provider.ErrorClassTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, provider.NewError(provider.ErrorClassTransient, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &provider.Error{
			Class:   classifyStatus(resp.StatusCode),
			Message: fmt.Sprintf("%s returned %d: %s", req.Operation, resp.StatusCode, truncate(body, 256)),
		}
	}

	return &provider.Response{StatusCode: resp.StatusCode, Body: body}, nil
}

func classifyStatus(code int) provider.ErrorClass {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return provider.ErrorClassAuthInvalid
	case code == http.StatusTooManyRequests:
		return provider.ErrorClassRateLimited
	case code >= 500:
		return provider.ErrorClassTransient
	default:
		return provider.ErrorClassPermanent
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Executor runs syncs through the gateway.
type Executor struct {
	client provider.Client
}

// NewExecutor creates a sync executor over the gateway client.
func NewExecutor(client provider.Client) *Executor {
	return &Executor{client: client}
}

type syncRequest struct {
	SyncType string `json:"sync_type"`
}

type syncResponse struct {
	ItemsSynced int    `json:"items_synced"`
	Cursor      string `json:"cursor"`
}

// Run performs one sync for the key and reports what the gateway synced.
func (e *Executor) Run(ctx context.Context, key integration.Key, syncType provider.SyncType) (*provider.SyncResult, error) {
	payload, err := json.Marshal(syncRequest{SyncType: string(syncType)})
	if err != nil {
		return nil, fmt.Errorf("failed to encode sync request: %w", err)
	}

	resp, err := e.client.Call(ctx, provider.Request{Key: key, Operation: opSync, Payload: payload})
	if err != nil {
		return nil, err
	}

	var out syncResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, provider.NewError(provider.ErrorClassPermanent,
			fmt.Errorf("malformed sync response: %w", err))
	}
	return &provider.SyncResult{ItemsSynced: out.ItemsSynced, Cursor: out.Cursor}, nil
}

// TokenSource refreshes credentials through the gateway.
type TokenSource struct {
	client provider.Client
}

// NewTokenSource creates a token provider over the gateway client.
func NewTokenSource(client provider.Client) *TokenSource {
	return &TokenSource{client: client}
}

type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Refresh exchanges the stored refresh credential for a fresh access token.
// Auth-class gateway failures surface as a non-retryable *provider.RefreshError,
// meaning the grant is gone and the user must re-authenticate.
func (t *TokenSource) Refresh(ctx context.Context, userID uuid.UUID) (*provider.Token, error) {
	req := provider.Request{
		Key:       integration.Key{UserID: userID},
		Operation: opRefreshToken,
	}
	resp, err := t.client.Call(ctx, req)
	if err != nil {
		class := provider.Classify(err)
		retryable := class != provider.ErrorClassAuthInvalid && class != provider.ErrorClassPermanent
		return nil, &provider.RefreshError{Retryable: retryable, Err: err}
	}

	var out tokenResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, &provider.RefreshError{Retryable: true,
			Err: fmt.Errorf("malformed token response: %w", err)}
	}
	return &provider.Token{AccessToken: out.AccessToken, ExpiresAt: out.ExpiresAt}, nil
}

// Registrar manages webhook channels through the gateway.
type Registrar struct {
	client provider.Client
}

// NewRegistrar creates a webhook registrar over the gateway client.
func NewRegistrar(client provider.Client) *Registrar {
	return &Registrar{client: client}
}

type registerRequest struct {
	ChannelToken string `json:"channel_token"`
}

type registerResponse struct {
	ChannelID       string    `json:"channel_id"`
	ResourceVersion string    `json:"resource_version"`
	ExpiresAt       time.Time `json:"expires_at"`
}

type unregisterRequest struct {
	ChannelID string `json:"channel_id"`
}

// Register creates a webhook channel for the key.
func (r *Registrar) Register(ctx context.Context, key integration.Key, channelToken string) (*webhook.Registration, error) {
	payload, err := json.Marshal(registerRequest{ChannelToken: channelToken})
	if err != nil {
		return nil, fmt.Errorf("failed to encode registration request: %w", err)
	}

	resp, err := r.client.Call(ctx, provider.Request{Key: key, Operation: opRegisterWebhook, Payload: payload})
	if err != nil {
		return nil, err
	}

	var out registerResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, provider.NewError(provider.ErrorClassPermanent,
			fmt.Errorf("malformed registration response: %w", err))
	}
	return &webhook.Registration{
		ChannelID:       out.ChannelID,
		ResourceVersion: out.ResourceVersion,
		ExpiresAt:       out.ExpiresAt,
	}, nil
}

// Unregister tears down a webhook channel.
func (r *Registrar) Unregister(ctx context.Context, key integration.Key, channelID string) error {
	payload, err := json.Marshal(unregisterRequest{ChannelID: channelID})
	if err != nil {
		return fmt.Errorf("failed to encode unregister request: %w", err)
	}
	_, err = r.client.Call(ctx, provider.Request{Key: key, Operation: opDeleteWebhook, Payload: payload})
	return err
}

// Notifier delivers re-authentication requests through the gateway, which
// owns the actual user-facing channel (email, in-app, push).
type Notifier struct {
	client provider.Client
}

// NewNotifier creates a notifier over the gateway client.
func NewNotifier(client provider.Client) *Notifier {
	return &Notifier{client: client}
}

// NotifyReauthRequired asks the gateway to tell the user to re-authenticate.
func (n *Notifier) NotifyReauthRequired(ctx context.Context, key integration.Key) error {
	_, err := n.client.Call(ctx, provider.Request{Key: key, Operation: opNotifyReauth})
	return err
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cadencehq/sync-orchestrator/internal/config"
	"github.com/cadencehq/sync-orchestrator/internal/integration"
	"github.com/cadencehq/sync-orchestrator/internal/provider"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(&config.GatewayConfig{
		BaseURL:   srv.URL,
		AuthToken: "svc-token",
		Timeout:   "5s",
	})
}

func TestClient_Call(t *testing.T) {
	t.Parallel()

	key := integration.NewKey(uuid.New(), integration.TypeContacts)

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/internal/v1/sync", r.URL.Path)
		assert.Equal(t, "Bearer svc-token", r.Header.Get("Authorization"))
		assert.Equal(t, key.UserID.String(), r.Header.Get("X-User-ID"))
		assert.Equal(t, "contacts", r.Header.Get("X-Integration"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	resp, err := client.Call(context.Background(), provider.Request{
		Key:       key,
		Operation: opSync,
		Payload:   []byte(`{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
}

func TestClient_ClassifiesFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		wantClass provider.ErrorClass
	}{
		{
			name:      "unauthorized is auth invalid",
			status:    http.StatusUnauthorized,
			wantClass: provider.ErrorClassAuthInvalid,
		},
		{
			name:      "forbidden is auth invalid",
			status:    http.StatusForbidden,
			wantClass: provider.ErrorClassAuthInvalid,
		},
		{
			name:      "throttled is rate limited",
			status:    http.StatusTooManyRequests,
			wantClass: provider.ErrorClassRateLimited,
		},
		{
			name:      "server error is transient",
			status:    http.StatusBadGateway,
			wantClass: provider.ErrorClassTransient,
		},
		{
			name:      "contract error is permanent",
			status:    http.StatusUnprocessableEntity,
			wantClass: provider.ErrorClassPermanent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			})

			_, err := client.Call(context.Background(), provider.Request{
				Key:       integration.NewKey(uuid.New(), integration.TypeCalendar),
				Operation: opSync,
			})
			require.Error(t, err)
			assert.Equal(t, tt.wantClass, provider.Classify(err))
		})
	}
}

func TestExecutor_Run(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req syncRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "incremental", req.SyncType)
		_ = json.NewEncoder(w).Encode(syncResponse{ItemsSynced: 17, Cursor: "c-42"})
	})

	exec := NewExecutor(client)
	result, err := exec.Run(context.Background(),
		integration.NewKey(uuid.New(), integration.TypeContacts), provider.SyncTypeIncremental)
	require.NoError(t, err)
	assert.Equal(t, 17, result.ItemsSynced)
	assert.Equal(t, "c-42", result.Cursor)
}

func TestExecutor_MalformedResponse(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("not json"))
	})

	exec := NewExecutor(client)
	_, err := exec.Run(context.Background(),
		integration.NewKey(uuid.New(), integration.TypeContacts), provider.SyncTypeInitial)
	require.Error(t, err)
	assert.Equal(t, provider.ErrorClassPermanent, provider.Classify(err))
}

func TestTokenSource_Refresh(t *testing.T) {
	t.Parallel()

	expiresAt := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	t.Run("successful refresh", func(t *testing.T) {
		t.Parallel()

		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/internal/v1/tokens/refresh", r.URL.Path)
			_ = json.NewEncoder(w).Encode(tokenResponse{AccessToken: "at-1", ExpiresAt: expiresAt})
		})

		token, err := NewTokenSource(client).Refresh(context.Background(), uuid.New())
		require.NoError(t, err)
		assert.Equal(t, "at-1", token.AccessToken)
		assert.True(t, token.ExpiresAt.Equal(expiresAt))
	})

	t.Run("revoked grant is not retryable", func(t *testing.T) {
		t.Parallel()

		client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})

		_, err := NewTokenSource(client).Refresh(context.Background(), uuid.New())
		require.Error(t, err)

		var rerr *provider.RefreshError
		require.True(t, errors.As(err, &rerr))
		assert.False(t, rerr.Retryable)
	})

	t.Run("gateway outage is retryable", func(t *testing.T) {
		t.Parallel()

		client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})

		_, err := NewTokenSource(client).Refresh(context.Background(), uuid.New())
		require.Error(t, err)
		assert.True(t, provider.IsRefreshRetryable(err))
	})
}

func TestRegistrar(t *testing.T) {
	t.Parallel()

	key := integration.NewKey(uuid.New(), integration.TypeCalendar)
	expiresAt := time.Now().Add(7 * 24 * time.Hour).UTC().Truncate(time.Second)

	t.Run("register returns channel", func(t *testing.T) {
		t.Parallel()

		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			var req registerRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "channel-secret", req.ChannelToken)
			_ = json.NewEncoder(w).Encode(registerResponse{
				ChannelID:       "ch-1",
				ResourceVersion: "rv-1",
				ExpiresAt:       expiresAt,
			})
		})

		reg, err := NewRegistrar(client).Register(context.Background(), key, "channel-secret")
		require.NoError(t, err)
		assert.Equal(t, "ch-1", reg.ChannelID)
		assert.Equal(t, "rv-1", reg.ResourceVersion)
		assert.True(t, reg.ExpiresAt.Equal(expiresAt))
	})

	t.Run("unregister sends channel id", func(t *testing.T) {
		t.Parallel()

		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/internal/v1/webhooks/unregister", r.URL.Path)
			var req unregisterRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "ch-1", req.ChannelID)
			w.WriteHeader(http.StatusNoContent)
		})

		err := NewRegistrar(client).Unregister(context.Background(), key, "ch-1")
		require.NoError(t, err)
	})
}

func TestNotifier(t *testing.T) {
	t.Parallel()

	var path string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusAccepted)
	})

	err := NewNotifier(client).NotifyReauthRequired(context.Background(),
		integration.NewKey(uuid.New(), integration.TypeContacts))
	require.NoError(t, err)
	assert.Equal(t, "/internal/v1/notifications/reauth", path)
}

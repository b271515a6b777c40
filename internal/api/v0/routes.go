// Package v0 provides the v0 REST handlers for the sync orchestrator.
package v0

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cadencehq/sync-orchestrator/internal/integration"
	"github.com/cadencehq/sync-orchestrator/internal/metrics"
	"github.com/cadencehq/sync-orchestrator/internal/orchestrator"
	"github.com/cadencehq/sync-orchestrator/internal/provider"
	"github.com/cadencehq/sync-orchestrator/internal/versions"
	"github.com/cadencehq/sync-orchestrator/internal/webhook"
)

// channelTokenHeader carries the shared secret the provider echoes back on
// webhook deliveries.
const channelTokenHeader = "X-Channel-Token"

// resourceVersionHeader optionally carries the provider's resource version.
const resourceVersionHeader = "X-Resource-Version"

// defaultRateWindow is the success-rate window when none is given.
const defaultRateWindow = 24 * time.Hour

// ReadinessCheck reports whether the service can reach its dependencies.
type ReadinessCheck func(ctx context.Context) error

// ErrorResponse is the standardized error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ConnectRequest is the body for integration connect and reauthorize calls.
type ConnectRequest struct {
	TokenExpiresAt time.Time `json:"token_expires_at"`
}

// SyncResponse reports the outcome of a manual sync.
type SyncResponse struct {
	Result      string `json:"result"`
	ItemsSynced int    `json:"items_synced"`
	ErrorClass  string `json:"error_class,omitempty"`
	DurationMs  int64  `json:"duration_ms"`
}

// StatusResponse is the combined per-key operational state.
type StatusResponse struct {
	BreakerState   string     `json:"breaker_state"`
	TokenStatus    string     `json:"token_status,omitempty"`
	WebhookHealth  string     `json:"webhook_health"`
	NextSyncAt     *time.Time `json:"next_sync_at,omitempty"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
	SuccessRate    float64    `json:"success_rate"`
	AttemptsInDay  int        `json:"attempts_24h"`
	SuccessesInDay int        `json:"successes_24h"`
}

// RateResponse reports a rolling success rate.
type RateResponse struct {
	Window    string  `json:"window"`
	Attempts  int     `json:"attempts"`
	Successes int     `json:"successes"`
	Rate      float64 `json:"rate"`
}

// Routes holds the v0 handler dependencies.
type Routes struct {
	orch     orchestrator.Orchestrator
	recorder metrics.Recorder
}

// Router creates the v0 router.
func Router(orch orchestrator.Orchestrator, recorder metrics.Recorder) http.Handler {
	routes := &Routes{orch: orch, recorder: recorder}

	r := chi.NewRouter()
	r.Post("/webhooks/{integration}/{userID}", routes.handleWebhook)
	r.Post("/sync/{integration}/{userID}", routes.handleManualSync)
	r.Get("/status/{integration}/{userID}", routes.handleStatus)
	r.Post("/integrations/{integration}/{userID}/connect", routes.handleConnect)
	r.Post("/integrations/{integration}/{userID}/reauthorized", routes.handleReauthorized)
	r.Delete("/integrations/{integration}/{userID}", routes.handleDisconnect)
	r.Get("/ops/success-rate", routes.handleSuccessRate)

	return r
}

// keyFromRequest parses the (integration, user) pair from the URL.
func keyFromRequest(r *http.Request) (integration.Key, error) {
	t, err := integration.ParseType(chi.URLParam(r, "integration"))
	if err != nil {
		return integration.Key{}, err
	}
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		return integration.Key{}, errors.New("invalid user id")
	}
	return integration.NewKey(userID, t), nil
}

func (rr *Routes) handleWebhook(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRequest(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	token := r.Header.Get(channelTokenHeader)
	if token == "" {
		writeError(w, "missing channel token", http.StatusBadRequest)
		return
	}

	err = rr.orch.OnWebhookNotification(r.Context(), key, token, r.Header.Get(resourceVersionHeader))
	switch {
	case errors.Is(err, webhook.ErrTokenMismatch):
		writeError(w, "channel token mismatch", http.StatusForbidden)
	case errors.Is(err, webhook.ErrNotFound):
		writeError(w, "no webhook subscription for key", http.StatusNotFound)
	case err != nil:
		slog.Error("Failed to process webhook notification", "key", key.String(), "error", err)
		writeError(w, "failed to process notification", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

func (rr *Routes) handleManualSync(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRequest(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	out, err := rr.orch.SyncNow(r.Context(), key, provider.SyncTypeManual)
	if errors.Is(err, orchestrator.ErrSyncInFlight) {
		writeError(w, "sync already in flight", http.StatusConflict)
		return
	}
	if out == nil {
		slog.Error("Manual sync failed before producing an outcome", "key", key.String(), "error", err)
		writeError(w, "sync failed", http.StatusInternalServerError)
		return
	}

	// A failed sync still reports its outcome; the failure details are in
	// the body rather than the HTTP status.
	writeJSON(w, http.StatusOK, SyncResponse{
		Result:      string(out.Result),
		ItemsSynced: out.ItemsSynced,
		ErrorClass:  out.ErrorClass,
		DurationMs:  out.Duration.Milliseconds(),
	})
}

func (rr *Routes) handleStatus(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRequest(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	st, err := rr.orch.Status(r.Context(), key)
	if err != nil {
		slog.Error("Failed to aggregate status", "key", key.String(), "error", err)
		writeError(w, "failed to get status", http.StatusInternalServerError)
		return
	}

	resp := StatusResponse{
		BreakerState:  string(st.Breaker.State),
		WebhookHealth: string(st.Webhook),
	}
	if st.Token != nil {
		resp.TokenStatus = string(st.Token.Status)
	}
	if st.Schedule != nil {
		resp.NextSyncAt = &st.Schedule.NextSyncAt
		resp.LastSyncAt = st.Schedule.LastSyncAt
	}
	if st.SuccessRate != nil {
		resp.SuccessRate = st.SuccessRate.Rate
		resp.AttemptsInDay = st.SuccessRate.Attempts
		resp.SuccessesInDay = st.SuccessRate.Successes
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rr *Routes) handleConnect(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRequest(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TokenExpiresAt.IsZero() {
		writeError(w, "token_expires_at is required", http.StatusBadRequest)
		return
	}

	if err := rr.orch.ConnectIntegration(r.Context(), key, req.TokenExpiresAt); err != nil {
		slog.Error("Failed to connect integration", "key", key.String(), "error", err)
		writeError(w, "failed to connect integration", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (rr *Routes) handleReauthorized(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRequest(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TokenExpiresAt.IsZero() {
		writeError(w, "token_expires_at is required", http.StatusBadRequest)
		return
	}

	if err := rr.orch.MarkReauthorized(r.Context(), key, req.TokenExpiresAt); err != nil {
		slog.Error("Failed to mark integration reauthorized", "key", key.String(), "error", err)
		writeError(w, "failed to reset token health", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rr *Routes) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromRequest(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := rr.orch.DisconnectIntegration(r.Context(), key); err != nil {
		slog.Error("Failed to disconnect integration", "key", key.String(), "error", err)
		writeError(w, "failed to disconnect integration", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rr *Routes) handleSuccessRate(w http.ResponseWriter, r *http.Request) {
	window := defaultRateWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeError(w, "invalid window", http.StatusBadRequest)
			return
		}
		window = parsed
	}

	report, err := rr.recorder.OverallSuccessRate(r.Context(), window)
	if err != nil {
		slog.Error("Failed to compute success rate", "error", err)
		writeError(w, "failed to compute success rate", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, RateResponse{
		Window:    window.String(),
		Attempts:  report.Attempts,
		Successes: report.Successes,
		Rate:      report.Rate,
	})
}

// HealthRouter creates the router for liveness, readiness and version
// endpoints.
func HealthRouter(ready ReadinessCheck) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", healthHandler)
	r.Get("/readiness", readinessHandler(ready))
	r.Get("/version", versionHandler)
	return r
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func readinessHandler(ready ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready != nil {
			if err := ready(r.Context()); err != nil {
				writeError(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func versionHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, versions.GetVersionInfo())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

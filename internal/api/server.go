// Package api provides the HTTP surface of the sync orchestrator: webhook
// ingress, manual sync triggers, per-key status, and operational endpoints.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	v0 "github.com/cadencehq/sync-orchestrator/internal/api/v0"
	"github.com/cadencehq/sync-orchestrator/internal/metrics"
	"github.com/cadencehq/sync-orchestrator/internal/orchestrator"
)

// ServerOption configures the API server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	middlewares []func(http.Handler) http.Handler
}

// WithMiddlewares adds middleware to the server.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// NewServer creates and configures the HTTP router.
func NewServer(orch orchestrator.Orchestrator, recorder metrics.Recorder, ready v0.ReadinessCheck, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	r.Mount("/", v0.HealthRouter(ready))
	r.Mount("/v0", v0.Router(orch, recorder))

	return r
}

// LoggingMiddleware logs HTTP requests.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

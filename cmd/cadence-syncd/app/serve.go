package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cadencehq/sync-orchestrator/internal/api"
	"github.com/cadencehq/sync-orchestrator/internal/breaker"
	"github.com/cadencehq/sync-orchestrator/internal/config"
	"github.com/cadencehq/sync-orchestrator/internal/db"
	"github.com/cadencehq/sync-orchestrator/internal/gateway"
	"github.com/cadencehq/sync-orchestrator/internal/metrics"
	"github.com/cadencehq/sync-orchestrator/internal/orchestrator"
	"github.com/cadencehq/sync-orchestrator/internal/schedule"
	"github.com/cadencehq/sync-orchestrator/internal/telemetry"
	"github.com/cadencehq/sync-orchestrator/internal/tokenhealth"
	"github.com/cadencehq/sync-orchestrator/internal/versions"
	"github.com/cadencehq/sync-orchestrator/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync orchestrator",
	Long: `Start the sync orchestrator: the HTTP API for webhook ingress, manual
syncs and status queries, plus the background sweeps that drive scheduled
syncs, token refreshes and webhook subscription upkeep.

The server requires a configuration file (--config) specifying the database,
the provider gateway, and the reliability tunables.`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second
	serverRequestTimeout   = 30 * time.Second // manual syncs wait for the executor
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 35 * time.Second // must exceed serverRequestTimeout
	serverIdleTimeout      = 60 * time.Second

	metricsPruneInterval = 24 * time.Hour
)

func init() {
	serveCmd.Flags().String("address", ":8080", "Address to listen on")
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")

	if err := viper.BindPFlag("address", serveCmd.Flags().Lookup("address")); err != nil {
		slog.Error("Failed to bind address flag", "error", err)
		os.Exit(1)
	}
	if err := viper.BindPFlag("config", serveCmd.Flags().Lookup("config")); err != nil {
		slog.Error("Failed to bind config flag", "error", err)
		os.Exit(1)
	}

	if err := serveCmd.MarkFlagRequired("config"); err != nil {
		slog.Error("Failed to mark config flag as required", "error", err)
		os.Exit(1)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx := context.Background()
	address := viper.GetString("address")

	slog.Info("Starting sync orchestrator", "address", address)

	configPath := viper.GetString("config")
	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if cfg.Gateway == nil {
		return fmt.Errorf("gateway configuration is required")
	}
	slog.Info("Loaded configuration", "path", configPath, "gateway", cfg.Gateway.BaseURL)

	tel, err := telemetry.New(ctx, cfg.Telemetry, versions.GetVersionInfo().Version)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	syncMetrics, err := telemetry.NewSyncMetrics(tel.MeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create telemetry instruments: %w", err)
	}

	pool, err := db.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	client := gateway.NewClient(cfg.Gateway)

	breakers := breaker.NewManager(
		breaker.NewDBStore(pool),
		cfg.Breaker.GetFailureThreshold(),
		cfg.Breaker.GetCooldownBase(),
		cfg.Breaker.GetCooldownMax(),
	)
	tokens := tokenhealth.NewMonitor(
		tokenhealth.NewDBStore(pool),
		gateway.NewTokenSource(client),
		gateway.NewNotifier(client),
		cfg.Token.GetExpiryLead(),
		cfg.Token.GetRefreshFailureThreshold(),
	)
	webhooks := webhook.NewManager(
		webhook.NewDBStore(pool),
		gateway.NewRegistrar(client),
		cfg.Webhook.GetRegistrationAttempts(),
		cfg.Webhook.GetRegistrationBackoff(),
		cfg.Webhook.GetSilenceThreshold(),
		cfg.Webhook.GetRenewalLead(),
	)
	planner := schedule.NewPlanner(
		schedule.NewDBStore(pool),
		breakers,
		tokens,
		webhooks,
		&cfg.Integrations,
		cfg.Onboarding.GetWindow(),
	)
	recorder := metrics.NewRecorder(metrics.NewDBStore(pool))

	orch := orchestrator.New(breakers, tokens, webhooks, planner, recorder,
		gateway.NewExecutor(client),
		orchestrator.WithKeyLocker(db.NewAdvisoryLocker(pool)),
		orchestrator.WithSweepWorkers(cfg.Sweeps.GetWorkers()),
		orchestrator.WithWebhookWorkers(cfg.Sweeps.GetWebhookWorkers()),
		orchestrator.WithSyncMetrics(syncMetrics),
	)

	// Renewal and silence detection share one sweep; running it at both
	// cadences means the faster one drives silence checks while the slower
	// one still guarantees renewals.
	runner := orchestrator.NewJobRunner(
		orchestrator.Job{
			Name:     "due-syncs",
			Interval: cfg.Sweeps.GetSyncInterval(),
			Run:      orch.SweepDueSyncs,
		},
		orchestrator.Job{
			Name:     "token-health",
			Interval: cfg.Sweeps.GetTokenInterval(),
			Run:      orch.SweepTokenHealth,
		},
		orchestrator.Job{
			Name:     "webhook-renewal",
			Interval: cfg.Sweeps.GetRenewalInterval(),
			Run:      orch.SweepWebhookSubscriptions,
		},
		orchestrator.Job{
			Name:     "webhook-health",
			Interval: cfg.Sweeps.GetHealthInterval(),
			Run:      orch.SweepWebhookSubscriptions,
		},
		orchestrator.Job{
			Name:     "metrics-prune",
			Interval: metricsPruneInterval,
			Run:      orch.PruneMetrics,
		},
	)

	jobCtx, stopJobs := context.WithCancel(context.Background())
	defer stopJobs()
	runner.Start(jobCtx)

	router := api.NewServer(orch, recorder, pool.Ping,
		api.WithMiddlewares(
			middleware.Timeout(serverRequestTimeout),
			api.LoggingMiddleware,
		),
	)

	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		slog.Info("Server listening", "address", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down")

	stopJobs()
	runner.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := orch.Shutdown(shutdownCtx); err != nil {
		slog.Error("Failed to drain webhook syncs", "error", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return err
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		slog.Error("Failed to shut down telemetry", "error", err)
	}

	slog.Info("Server shutdown complete")
	return nil
}

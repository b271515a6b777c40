// Package config provides configuration loading and management for the sync
// orchestrator. Every reliability threshold the orchestrator uses (breaker
// trips, silence windows, sync frequencies) is a tunable here rather than a
// hard-coded constant.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cadencehq/sync-orchestrator/internal/integration"
)

// EnvPrefix is the prefix for environment variables read through viper.
const EnvPrefix = "CADENCE"

// Representative defaults for every tunable. Operators override them in the
// config file.
const (
	defaultBreakerFailureThreshold = 5
	defaultBreakerCooldownBase     = time.Minute
	defaultBreakerCooldownMax      = time.Hour

	defaultTokenExpiryLead              = 10 * time.Minute
	defaultTokenRefreshFailureThreshold = 3

	defaultWebhookRegistrationAttempts = 3
	defaultWebhookRegistrationBackoff  = 2 * time.Second
	defaultWebhookSilenceThreshold     = 48 * time.Hour
	defaultWebhookRenewalLead          = 24 * time.Hour

	defaultOnboardingWindow = 24 * time.Hour

	defaultSweepWorkers   = 8
	defaultWebhookWorkers = 2

	defaultGatewayTimeout = 30 * time.Second

	defaultSyncSweepInterval    = 24 * time.Hour
	defaultTokenSweepInterval   = 24 * time.Hour
	defaultRenewalSweepInterval = 24 * time.Hour
	defaultHealthSweepInterval  = 12 * time.Hour
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		// Validate the path to prevent path traversal attacks
		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	// Breaker tunes the per-key circuit breaker.
	Breaker BreakerConfig `yaml:"breaker,omitempty"`

	// Token tunes credential health tracking.
	Token TokenConfig `yaml:"token,omitempty"`

	// Webhook tunes push subscription lifecycle management.
	Webhook WebhookConfig `yaml:"webhook,omitempty"`

	// Onboarding tunes the accelerated post-connect sync window.
	Onboarding OnboardingConfig `yaml:"onboarding,omitempty"`

	// Integrations carries per-integration-type frequency bounds.
	Integrations IntegrationsConfig `yaml:"integrations,omitempty"`

	// Sweeps tunes the periodic background trigger cadences and worker limits.
	Sweeps SweepConfig `yaml:"sweeps,omitempty"`

	// Gateway points at the internal provider gateway that performs the
	// actual provider calls on the orchestrator's behalf.
	Gateway *GatewayConfig `yaml:"gateway,omitempty"`

	Database  *DatabaseConfig  `yaml:"database,omitempty"`
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// GatewayConfig describes how to reach the provider gateway service.
type GatewayConfig struct {
	// BaseURL is the gateway's base URL, e.g. "http://provider-gateway:8081".
	BaseURL string `yaml:"baseURL"`

	// AuthToken is the bearer token for service-to-service calls.
	AuthToken string `yaml:"authToken,omitempty"`

	// Timeout bounds a single gateway request. Duration string, e.g. "30s".
	Timeout string `yaml:"timeout,omitempty"`
}

// GetTimeout returns the configured request timeout or the default.
func (g *GatewayConfig) GetTimeout() time.Duration {
	return parseDurationOr(g.Timeout, defaultGatewayTimeout)
}

func (g *GatewayConfig) validate() error {
	if g.BaseURL == "" {
		return fmt.Errorf("gateway.baseURL is required")
	}
	return validateDuration(g.Timeout, "gateway.timeout")
}

// BreakerConfig tunes the circuit breaker state machine.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive transient failures that
	// trips the breaker open.
	FailureThreshold int `yaml:"failureThreshold,omitempty"`

	// CooldownBase is the first open-state cooldown; each repeated trip
	// doubles it up to CooldownMax. Duration string, e.g. "1m".
	CooldownBase string `yaml:"cooldownBase,omitempty"`

	// CooldownMax caps the exponential cooldown growth. Duration string.
	CooldownMax string `yaml:"cooldownMax,omitempty"`
}

// GetFailureThreshold returns the configured threshold or the default.
func (b *BreakerConfig) GetFailureThreshold() int {
	if b.FailureThreshold <= 0 {
		return defaultBreakerFailureThreshold
	}
	return b.FailureThreshold
}

// GetCooldownBase returns the configured base cooldown or the default.
func (b *BreakerConfig) GetCooldownBase() time.Duration {
	return parseDurationOr(b.CooldownBase, defaultBreakerCooldownBase)
}

// GetCooldownMax returns the configured cooldown cap or the default.
func (b *BreakerConfig) GetCooldownMax() time.Duration {
	return parseDurationOr(b.CooldownMax, defaultBreakerCooldownMax)
}

// TokenConfig tunes credential health tracking.
type TokenConfig struct {
	// ExpiryLead is how long before expiresAt a token counts as expiring
	// soon and gets refreshed proactively. Duration string.
	ExpiryLead string `yaml:"expiryLead,omitempty"`

	// RefreshFailureThreshold is the number of consecutive retryable refresh
	// failures after which the token is marked expired.
	RefreshFailureThreshold int `yaml:"refreshFailureThreshold,omitempty"`
}

// GetExpiryLead returns the configured expiry lead window or the default.
func (t *TokenConfig) GetExpiryLead() time.Duration {
	return parseDurationOr(t.ExpiryLead, defaultTokenExpiryLead)
}

// GetRefreshFailureThreshold returns the configured threshold or the default.
func (t *TokenConfig) GetRefreshFailureThreshold() int {
	if t.RefreshFailureThreshold <= 0 {
		return defaultTokenRefreshFailureThreshold
	}
	return t.RefreshFailureThreshold
}

// WebhookConfig tunes push subscription lifecycle management.
type WebhookConfig struct {
	// RegistrationAttempts bounds registration retries before falling back
	// to polling.
	RegistrationAttempts int `yaml:"registrationAttempts,omitempty"`

	// RegistrationBackoff is the initial retry backoff; doubled per attempt.
	// Duration string, e.g. "2s".
	RegistrationBackoff string `yaml:"registrationBackoff,omitempty"`

	// SilenceThreshold is how long a live subscription may go without
	// delivering a notification before it is considered silent. Duration
	// string, e.g. "48h".
	SilenceThreshold string `yaml:"silenceThreshold,omitempty"`

	// RenewalLead is how far before provider-imposed expiry a subscription
	// is re-registered by the renewal sweep. Duration string.
	RenewalLead string `yaml:"renewalLead,omitempty"`
}

// GetRegistrationAttempts returns the configured attempt bound or the default.
func (w *WebhookConfig) GetRegistrationAttempts() int {
	if w.RegistrationAttempts <= 0 {
		return defaultWebhookRegistrationAttempts
	}
	return w.RegistrationAttempts
}

// GetRegistrationBackoff returns the configured initial backoff or the default.
func (w *WebhookConfig) GetRegistrationBackoff() time.Duration {
	return parseDurationOr(w.RegistrationBackoff, defaultWebhookRegistrationBackoff)
}

// GetSilenceThreshold returns the configured silence threshold or the default.
func (w *WebhookConfig) GetSilenceThreshold() time.Duration {
	return parseDurationOr(w.SilenceThreshold, defaultWebhookSilenceThreshold)
}

// GetRenewalLead returns the configured renewal lead window or the default.
func (w *WebhookConfig) GetRenewalLead() time.Duration {
	return parseDurationOr(w.RenewalLead, defaultWebhookRenewalLead)
}

// OnboardingConfig tunes the accelerated sync window after an integration is
// first connected.
type OnboardingConfig struct {
	// Window is how long after connection the accelerated interval applies.
	// Duration string, e.g. "24h".
	Window string `yaml:"window,omitempty"`
}

// GetWindow returns the configured onboarding window or the default.
func (o *OnboardingConfig) GetWindow() time.Duration {
	return parseDurationOr(o.Window, defaultOnboardingWindow)
}

// IntegrationsConfig carries per-integration-type frequency bounds.
type IntegrationsConfig struct {
	Contacts IntegrationConfig `yaml:"contacts,omitempty"`
	Calendar IntegrationConfig `yaml:"calendar,omitempty"`
}

// ForType returns the bounds for the given integration type.
func (i *IntegrationsConfig) ForType(t integration.Type) *IntegrationConfig {
	if t == integration.TypeCalendar {
		return &i.Calendar
	}
	return &i.Contacts
}

// IntegrationConfig holds the frequency bounds for one integration type. All
// fields are duration strings; zero values fall back to per-type defaults.
type IntegrationConfig struct {
	// Default is the steady-state polling interval when no healthy push
	// channel exists.
	Default string `yaml:"default,omitempty"`

	// Min is the floor for any computed interval.
	Min string `yaml:"min,omitempty"`

	// Max is the ceiling for any computed interval.
	Max string `yaml:"max,omitempty"`

	// Onboarding is the accelerated interval used inside the onboarding
	// window.
	Onboarding string `yaml:"onboarding,omitempty"`

	// Fallback is the long interval used when a healthy webhook subscription
	// is expected to carry freshness.
	Fallback string `yaml:"fallback,omitempty"`
}

// Per-type interval defaults. Contacts change rarely and poll slowly;
// calendars change often and carry a shorter ceiling.
var integrationDefaults = map[integration.Type]struct {
	def, min, max, onboarding, fallback time.Duration
}{
	integration.TypeContacts: {
		def:        7 * 24 * time.Hour,
		min:        2 * time.Hour,
		max:        14 * 24 * time.Hour,
		onboarding: 2 * time.Hour,
		fallback:   24 * time.Hour,
	},
	integration.TypeCalendar: {
		def:        24 * time.Hour,
		min:        time.Hour,
		max:        48 * time.Hour,
		onboarding: time.Hour,
		fallback:   12 * time.Hour,
	},
}

// Bounds resolves the configured bounds for the given type, applying
// per-type defaults for anything unset.
func (i *IntegrationConfig) Bounds(t integration.Type) (defaultInterval, minInterval, maxInterval, onboarding, fallback time.Duration) {
	d := integrationDefaults[t]
	return parseDurationOr(i.Default, d.def),
		parseDurationOr(i.Min, d.min),
		parseDurationOr(i.Max, d.max),
		parseDurationOr(i.Onboarding, d.onboarding),
		parseDurationOr(i.Fallback, d.fallback)
}

// SweepConfig tunes the periodic background triggers and their worker pools.
type SweepConfig struct {
	// SyncInterval is the cadence of the adaptive-sync sweep. Duration string.
	SyncInterval string `yaml:"syncInterval,omitempty"`

	// TokenInterval is the cadence of the token-refresh sweep.
	TokenInterval string `yaml:"tokenInterval,omitempty"`

	// RenewalInterval is the cadence of the webhook-renewal sweep.
	RenewalInterval string `yaml:"renewalInterval,omitempty"`

	// HealthInterval is the cadence of the webhook-health sweep.
	HealthInterval string `yaml:"healthInterval,omitempty"`

	// Workers bounds sweep fan-out parallelism.
	Workers int `yaml:"workers,omitempty"`

	// WebhookWorkers bounds the inbound-notification path, which must stay
	// fast to satisfy provider delivery SLAs.
	WebhookWorkers int `yaml:"webhookWorkers,omitempty"`
}

// GetSyncInterval returns the adaptive-sync sweep cadence.
func (s *SweepConfig) GetSyncInterval() time.Duration {
	return parseDurationOr(s.SyncInterval, defaultSyncSweepInterval)
}

// GetTokenInterval returns the token-refresh sweep cadence.
func (s *SweepConfig) GetTokenInterval() time.Duration {
	return parseDurationOr(s.TokenInterval, defaultTokenSweepInterval)
}

// GetRenewalInterval returns the webhook-renewal sweep cadence.
func (s *SweepConfig) GetRenewalInterval() time.Duration {
	return parseDurationOr(s.RenewalInterval, defaultRenewalSweepInterval)
}

// GetHealthInterval returns the webhook-health sweep cadence.
func (s *SweepConfig) GetHealthInterval() time.Duration {
	return parseDurationOr(s.HealthInterval, defaultHealthSweepInterval)
}

// GetWorkers returns the sweep worker pool size.
func (s *SweepConfig) GetWorkers() int {
	if s.Workers <= 0 {
		return defaultSweepWorkers
	}
	return s.Workers
}

// GetWebhookWorkers returns the inbound-notification worker pool size.
func (s *SweepConfig) GetWebhookWorkers() int {
	if s.WebhookWorkers <= 0 {
		return defaultWebhookWorkers
	}
	return s.WebhookWorkers
}

// TelemetryConfig gates OpenTelemetry metrics export.
type TelemetryConfig struct {
	// Enabled controls whether metrics export is enabled. When false the
	// service runs with a no-op meter provider.
	Enabled bool `yaml:"enabled"`

	// ServiceName identifies this service to the collector. Defaults to
	// "cadence-syncd".
	ServiceName string `yaml:"serviceName,omitempty"`

	// Endpoint is the OTLP-HTTP collector endpoint, "host:port".
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure allows HTTP connections instead of HTTPS. Development only.
	Insecure bool `yaml:"insecure,omitempty"`
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Validate performs validation on the configuration
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	durations := map[string]string{
		"breaker.cooldownBase":        c.Breaker.CooldownBase,
		"breaker.cooldownMax":         c.Breaker.CooldownMax,
		"token.expiryLead":            c.Token.ExpiryLead,
		"webhook.registrationBackoff": c.Webhook.RegistrationBackoff,
		"webhook.silenceThreshold":    c.Webhook.SilenceThreshold,
		"webhook.renewalLead":         c.Webhook.RenewalLead,
		"onboarding.window":           c.Onboarding.Window,
		"sweeps.syncInterval":         c.Sweeps.SyncInterval,
		"sweeps.tokenInterval":        c.Sweeps.TokenInterval,
		"sweeps.renewalInterval":      c.Sweeps.RenewalInterval,
		"sweeps.healthInterval":       c.Sweeps.HealthInterval,
	}
	for field, value := range durations {
		if err := validateDuration(value, field); err != nil {
			return err
		}
	}

	for _, t := range integration.Types() {
		ic := c.Integrations.ForType(t)
		fields := map[string]string{
			"default":    ic.Default,
			"min":        ic.Min,
			"max":        ic.Max,
			"onboarding": ic.Onboarding,
			"fallback":   ic.Fallback,
		}
		for field, value := range fields {
			if err := validateDuration(value, fmt.Sprintf("integrations.%s.%s", t, field)); err != nil {
				return err
			}
		}
		_, minI, maxI, _, _ := ic.Bounds(t)
		if minI > maxI {
			return fmt.Errorf("integrations.%s: min %s exceeds max %s", t, minI, maxI)
		}
	}

	if c.Breaker.GetCooldownBase() > c.Breaker.GetCooldownMax() {
		return fmt.Errorf("breaker: cooldownBase %s exceeds cooldownMax %s",
			c.Breaker.GetCooldownBase(), c.Breaker.GetCooldownMax())
	}

	if c.Gateway != nil {
		if err := c.Gateway.validate(); err != nil {
			return err
		}
	}

	if c.Database != nil {
		if err := c.Database.validate(); err != nil {
			return err
		}
	}

	return nil
}

func validateDuration(value, field string) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s: duration must be positive, got %q", field, value)
	}
	return nil
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

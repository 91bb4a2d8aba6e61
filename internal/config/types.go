package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML and env decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
	return d.Decode(value.Value)
}

// Decode implements envconfig.Decoder so Duration is treated as a leaf value.
func (d *Duration) Decode(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err == nil {
		d.Duration = parsed
		return nil
	}
	secs, convErr := time.ParseDuration(raw + "s")
	if convErr == nil {
		d.Duration = secs
		return nil
	}
	return fmt.Errorf("invalid duration value %q: %w", raw, err)
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server" envconfig:"server"`
	Logging        LoggingConfig        `yaml:"logging" envconfig:"logging"`
	Storage        StorageConfig        `yaml:"storage" envconfig:"storage"`
	Stripe         StripeConfig         `yaml:"stripe" envconfig:"stripe"`
	Webhook        WebhookConfig        `yaml:"webhook" envconfig:"webhook"`
	Auth           AuthConfig           `yaml:"auth" envconfig:"auth"`
	AutoRefill     AutoRefillConfig     `yaml:"auto_refill" envconfig:"auto_refill"`
	Notify         NotifyConfig         `yaml:"notify" envconfig:"notify"`
	Retention      RetentionConfig      `yaml:"retention" envconfig:"retention"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit" envconfig:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker" envconfig:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address" envconfig:"address"`
	ReadTimeout        Duration `yaml:"read_timeout" envconfig:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout" envconfig:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout" envconfig:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" envconfig:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix" envconfig:"route_prefix"`                   // Optional prefix for all routes (e.g., "/api", "/ledger")
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key" envconfig:"admin_metrics_api_key"` // Leave empty to expose /metrics without auth
}

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"level"`
	Format      string `yaml:"format" envconfig:"format"` // json | console
	Environment string `yaml:"environment" envconfig:"environment"`
}

// StorageConfig selects and tunes the ledger store backend.
type StorageConfig struct {
	Backend      string             `yaml:"backend" envconfig:"backend"` // memory | postgres
	PostgresURL  string             `yaml:"postgres_url" envconfig:"postgres_url"`
	PostgresPool PostgresPoolConfig `yaml:"postgres_pool" envconfig:"postgres_pool"`
	LockTimeout  Duration           `yaml:"lock_timeout" envconfig:"lock_timeout"`   // Max wait for an account row lock
	QueryTimeout Duration           `yaml:"query_timeout" envconfig:"query_timeout"` // Applied when the caller ctx has no deadline
}

// PostgresPoolConfig configures the database/sql connection pool.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns" envconfig:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns" envconfig:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime" envconfig:"conn_max_lifetime"`
	ConnMaxIdleTime Duration `yaml:"conn_max_idle_time" envconfig:"conn_max_idle_time"`
}

// StripeConfig holds Stripe payment integration configuration.
type StripeConfig struct {
	SecretKey       string `yaml:"secret_key" envconfig:"secret_key"`
	WebhookSecret   string `yaml:"webhook_secret" envconfig:"webhook_secret"`
	Currency        string `yaml:"currency" envconfig:"currency"`
	TokenPriceCents int64  `yaml:"token_price_cents" envconfig:"token_price_cents"` // Price of one token, used to size auto-refill charges
	Mode            string `yaml:"mode" envconfig:"mode"`                           // live | test
}

// Enabled reports whether Stripe API calls can be made.
func (s StripeConfig) Enabled() bool {
	return s.SecretKey != ""
}

// WebhookConfig secures the processor-neutral /events ingress.
type WebhookConfig struct {
	SigningSecret string   `yaml:"signing_secret" envconfig:"signing_secret"` // HMAC-SHA256 key; empty leaves /events unmounted
	Tolerance     Duration `yaml:"tolerance" envconfig:"tolerance"`           // Max age of a signed timestamp
}

// Enabled reports whether the generic ingress can authenticate senders.
func (w WebhookConfig) Enabled() bool {
	return w.SigningSecret != ""
}

// AuthConfig configures account identity and admin access.
type AuthConfig struct {
	JWTSecret     string   `yaml:"jwt_secret" envconfig:"jwt_secret"` // HS256 secret; empty trusts TrustedHeader from the gateway
	JWTIssuer     string   `yaml:"jwt_issuer" envconfig:"jwt_issuer"`
	JWTLeeway     Duration `yaml:"jwt_leeway" envconfig:"jwt_leeway"`
	AdminKeyHash  string   `yaml:"admin_key_hash" envconfig:"admin_key_hash"` // bcrypt hash of the X-Admin-Key value
	TrustedHeader string   `yaml:"trusted_header" envconfig:"trusted_header"`
}

// AutoRefillConfig controls the auto-refill monitor.
type AutoRefillConfig struct {
	Enabled             bool                         `yaml:"enabled" envconfig:"enabled"`
	DefaultThreshold    int64                        `yaml:"default_threshold" envconfig:"default_threshold"`
	DefaultTokens       int64                        `yaml:"default_tokens" envconfig:"default_tokens"`
	Window              Duration                     `yaml:"window" envconfig:"window"` // Time bucket used in the refill idempotency key
	Workers             int                          `yaml:"workers" envconfig:"workers"`
	ChargeTimeout       Duration                     `yaml:"charge_timeout" envconfig:"charge_timeout"`
	PreferencesURL      string                       `yaml:"preferences_url" envconfig:"preferences_url"` // Empty uses the static Accounts map
	PreferencesTimeout  Duration                     `yaml:"preferences_timeout" envconfig:"preferences_timeout"`
	PreferencesCacheTTL Duration                     `yaml:"preferences_cache_ttl" envconfig:"preferences_cache_ttl"`
	Accounts            map[string]AccountRefillPref `yaml:"accounts" ignored:"true"`
}

// AccountRefillPref is a static per-account auto-refill preference.
type AccountRefillPref struct {
	Enabled        bool   `yaml:"enabled"`
	Threshold      int64  `yaml:"threshold"`
	Tokens         int64  `yaml:"tokens"`
	PaymentMethod  string `yaml:"payment_method"`
	StripeCustomer string `yaml:"stripe_customer"`
}

// NotifyConfig configures delivery of ledger events to the realtime layer.
type NotifyConfig struct {
	URL               string            `yaml:"url" envconfig:"url"`
	Headers           map[string]string `yaml:"headers" envconfig:"headers"`
	Timeout           Duration          `yaml:"timeout" envconfig:"timeout"`
	Retry             RetryConfig       `yaml:"retry" envconfig:"retry"`
	DLQBackend        string            `yaml:"dlq_backend" envconfig:"dlq_backend"` // none | memory | mongodb
	MongoDBURL        string            `yaml:"mongodb_url" envconfig:"mongodb_url"`
	MongoDBDatabase   string            `yaml:"mongodb_database" envconfig:"mongodb_database"`
	MongoDBCollection string            `yaml:"mongodb_collection" envconfig:"mongodb_collection"`
}

// RetryConfig controls exponential backoff for outbound deliveries.
type RetryConfig struct {
	Enabled         bool     `yaml:"enabled" envconfig:"enabled"`
	MaxAttempts     int      `yaml:"max_attempts" envconfig:"max_attempts"`
	InitialInterval Duration `yaml:"initial_interval" envconfig:"initial_interval"`
	MaxInterval     Duration `yaml:"max_interval" envconfig:"max_interval"`
	Multiplier      float64  `yaml:"multiplier" envconfig:"multiplier"`
}

// RetentionConfig schedules pruning of idempotency records and webhook markers.
type RetentionConfig struct {
	Enabled         bool     `yaml:"enabled" envconfig:"enabled"`
	Schedule        string   `yaml:"schedule" envconfig:"schedule"`         // cron spec, e.g. "@daily" or "0 3 * * *"
	RetryWindow     Duration `yaml:"retry_window" envconfig:"retry_window"` // Processor's maximum redelivery window
	BatchSize       int      `yaml:"batch_size" envconfig:"batch_size"`
	ArchiveMongoURL string   `yaml:"archive_mongodb_url" envconfig:"archive_mongodb_url"` // Empty disables archiving
	ArchiveDatabase string   `yaml:"archive_database" envconfig:"archive_database"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	GlobalEnabled     bool     `yaml:"global_enabled" envconfig:"global_enabled"`
	GlobalLimit       int      `yaml:"global_limit" envconfig:"global_limit"`
	GlobalWindow      Duration `yaml:"global_window" envconfig:"global_window"`
	PerAccountEnabled bool     `yaml:"per_account_enabled" envconfig:"per_account_enabled"`
	PerAccountLimit   int      `yaml:"per_account_limit" envconfig:"per_account_limit"`
	PerAccountWindow  Duration `yaml:"per_account_window" envconfig:"per_account_window"`
	PerIPEnabled      bool     `yaml:"per_ip_enabled" envconfig:"per_ip_enabled"`
	PerIPLimit        int      `yaml:"per_ip_limit" envconfig:"per_ip_limit"`
	PerIPWindow       Duration `yaml:"per_ip_window" envconfig:"per_ip_window"`
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
type CircuitBreakerConfig struct {
	Enabled     bool                 `yaml:"enabled" envconfig:"enabled"`
	StripeAPI   BreakerServiceConfig `yaml:"stripe_api" envconfig:"stripe_api"`
	Preferences BreakerServiceConfig `yaml:"preferences" envconfig:"preferences"`
	Notify      BreakerServiceConfig `yaml:"notify" envconfig:"notify"`
}

// BreakerServiceConfig configures a single circuit breaker.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests" envconfig:"max_requests"`                 // Requests allowed in half-open state
	Interval            Duration `yaml:"interval" envconfig:"interval"`                         // Window for clearing counts while closed
	Timeout             Duration `yaml:"timeout" envconfig:"timeout"`                           // Open duration before half-open
	ConsecutiveFailures uint32   `yaml:"consecutive_failures" envconfig:"consecutive_failures"` // Trip after N consecutive failures
	FailureRatio        float64  `yaml:"failure_ratio" envconfig:"failure_ratio"`               // Trip when ratio exceeded
	MinRequests         uint32   `yaml:"min_requests" envconfig:"min_requests"`                 // Minimum requests before the ratio applies
}

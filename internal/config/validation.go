package config

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.Storage.LockTimeout.Duration <= 0 {
		c.Storage.LockTimeout = Duration{Duration: 5 * time.Second}
	}
	if c.Storage.QueryTimeout.Duration <= 0 {
		c.Storage.QueryTimeout = Duration{Duration: 5 * time.Second}
	}
	if c.Stripe.Mode == "" {
		c.Stripe.Mode = "test"
	}
	if c.Stripe.Currency == "" {
		c.Stripe.Currency = "usd"
	}
	if c.Webhook.Tolerance.Duration <= 0 {
		c.Webhook.Tolerance = Duration{Duration: 5 * time.Minute}
	}
	if c.Auth.TrustedHeader == "" {
		c.Auth.TrustedHeader = "X-Account-ID"
	}
	if c.AutoRefill.Workers <= 0 {
		c.AutoRefill.Workers = 8
	}
	if c.AutoRefill.Window.Duration <= 0 {
		c.AutoRefill.Window = Duration{Duration: time.Hour}
	}
	if c.AutoRefill.Accounts == nil {
		c.AutoRefill.Accounts = map[string]AccountRefillPref{}
	}
	if c.Notify.Timeout.Duration <= 0 {
		c.Notify.Timeout = Duration{Duration: 3 * time.Second}
	}
	if c.Notify.Headers == nil {
		c.Notify.Headers = make(map[string]string)
	}
	if c.Notify.DLQBackend == "" {
		c.Notify.DLQBackend = "none"
	}
	if c.Retention.BatchSize <= 0 {
		c.Retention.BatchSize = 1000
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.PostgresURL == "" {
			errs = append(errs, "storage.postgres_url is required when backend is 'postgres'")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q is not supported (use memory or postgres)", c.Storage.Backend))
	}

	switch c.Stripe.Mode {
	case "test", "live":
	default:
		errs = append(errs, fmt.Sprintf("stripe.mode %q must be 'test' or 'live'", c.Stripe.Mode))
	}
	if c.Stripe.SecretKey != "" && c.Stripe.WebhookSecret == "" {
		errs = append(errs, "stripe.webhook_secret is required when stripe.secret_key is set")
	}
	if c.Stripe.Mode == "live" && strings.HasPrefix(c.Stripe.SecretKey, "sk_test_") {
		errs = append(errs, "stripe.secret_key is a test key but stripe.mode is 'live'")
	}

	if c.Webhook.Enabled() && len(c.Webhook.SigningSecret) < 16 {
		errs = append(errs, "webhook.signing_secret must be at least 16 characters")
	}

	if c.AutoRefill.Enabled {
		if !c.Stripe.Enabled() {
			errs = append(errs, "auto_refill requires stripe.secret_key")
		}
		if c.Stripe.TokenPriceCents <= 0 {
			errs = append(errs, "stripe.token_price_cents must be positive when auto_refill is enabled")
		}
		if c.AutoRefill.DefaultTokens <= 0 {
			errs = append(errs, "auto_refill.default_tokens must be positive")
		}
		if c.AutoRefill.DefaultThreshold < 0 {
			errs = append(errs, "auto_refill.default_threshold cannot be negative")
		}
	}
	if c.AutoRefill.PreferencesURL != "" {
		if err := validateHTTPURL(c.AutoRefill.PreferencesURL); err != nil {
			errs = append(errs, fmt.Sprintf("auto_refill.preferences_url: %v", err))
		}
	}
	for account, pref := range c.AutoRefill.Accounts {
		if pref.Enabled && pref.Tokens < 0 {
			errs = append(errs, fmt.Sprintf("auto_refill.accounts[%q].tokens cannot be negative", account))
		}
	}

	if c.Notify.URL != "" {
		if err := validateHTTPURL(c.Notify.URL); err != nil {
			errs = append(errs, fmt.Sprintf("notify.url: %v", err))
		}
	}
	switch c.Notify.DLQBackend {
	case "none", "memory":
	case "mongodb":
		if c.Notify.MongoDBURL == "" {
			errs = append(errs, "notify.mongodb_url is required when dlq_backend is 'mongodb'")
		}
	default:
		errs = append(errs, fmt.Sprintf("notify.dlq_backend %q is not supported", c.Notify.DLQBackend))
	}

	if c.Retention.Enabled {
		if _, err := cron.ParseStandard(c.Retention.Schedule); err != nil {
			errs = append(errs, fmt.Sprintf("retention.schedule %q: %v", c.Retention.Schedule, err))
		}
		if c.Retention.RetryWindow.Duration < 24*time.Hour {
			errs = append(errs, "retention.retry_window must be at least 24h")
		}
	}

	if c.Auth.AdminKeyHash != "" && !strings.HasPrefix(c.Auth.AdminKeyHash, "$2") {
		errs = append(errs, "auth.admin_key_hash must be a bcrypt hash")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("url missing host")
	}
	return nil
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// If pool config is not specified, applies sensible defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
	if pool.ConnMaxIdleTime.Duration > 0 {
		db.SetConnMaxIdleTime(pool.ConnMaxIdleTime.Duration)
	}
}

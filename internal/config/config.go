package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces every environment override (TOKENVAULT_STORAGE_BACKEND, ...).
const EnvPrefix = "TOKENVAULT"

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 15 * time.Second},
			IdleTimeout:  Duration{Duration: 60 * time.Second},
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Environment: "production",
		},
		Storage: StorageConfig{
			Backend:      "memory",
			LockTimeout:  Duration{Duration: 5 * time.Second},
			QueryTimeout: Duration{Duration: 5 * time.Second},
			PostgresPool: PostgresPoolConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: Duration{Duration: 30 * time.Minute},
				ConnMaxIdleTime: Duration{Duration: 5 * time.Minute},
			},
		},
		Stripe: StripeConfig{
			Mode:            "test",
			Currency:        "usd",
			TokenPriceCents: 10,
		},
		Webhook: WebhookConfig{
			Tolerance: Duration{Duration: 5 * time.Minute},
		},
		Auth: AuthConfig{
			JWTLeeway:     Duration{Duration: 5 * time.Second},
			TrustedHeader: "X-Account-ID",
		},
		AutoRefill: AutoRefillConfig{
			Enabled:             false,
			DefaultThreshold:    50,
			DefaultTokens:       500,
			Window:              Duration{Duration: 1 * time.Hour},
			Workers:             8,
			ChargeTimeout:       Duration{Duration: 20 * time.Second},
			PreferencesTimeout:  Duration{Duration: 2 * time.Second},
			PreferencesCacheTTL: Duration{Duration: 30 * time.Second},
			Accounts:            map[string]AccountRefillPref{},
		},
		Notify: NotifyConfig{
			Headers: make(map[string]string),
			Timeout: Duration{Duration: 3 * time.Second},
			Retry: RetryConfig{
				Enabled:         true,
				MaxAttempts:     5,
				InitialInterval: Duration{Duration: 1 * time.Second},
				MaxInterval:     Duration{Duration: 2 * time.Minute},
				Multiplier:      2.0,
			},
			DLQBackend:        "memory",
			MongoDBDatabase:   "tokenvault",
			MongoDBCollection: "notify_dlq",
		},
		Retention: RetentionConfig{
			Enabled:         true,
			Schedule:        "@daily",
			RetryWindow:     Duration{Duration: 30 * 24 * time.Hour},
			BatchSize:       1000,
			ArchiveDatabase: "tokenvault_archive",
		},
		RateLimit: RateLimitConfig{
			GlobalEnabled:     true,
			GlobalLimit:       2000,
			GlobalWindow:      Duration{Duration: 1 * time.Minute},
			PerAccountEnabled: true,
			PerAccountLimit:   120,
			PerAccountWindow:  Duration{Duration: 1 * time.Minute},
			PerIPEnabled:      true,
			PerIPLimit:        240,
			PerIPWindow:       Duration{Duration: 1 * time.Minute},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			StripeAPI: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			Preferences: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 15 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			Notify: BreakerServiceConfig{
				MaxRequests:         5,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 60 * time.Second},
				ConsecutiveFailures: 10,
				FailureRatio:        0.7,
				MinRequests:         20,
			},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}

package ratelimit

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/tokenvault/server/internal/auth"
	"github.com/tokenvault/server/internal/config"
	apierrors "github.com/tokenvault/server/internal/errors"
	"github.com/tokenvault/server/internal/metrics"
)

// Config holds rate limiting configuration.
type Config struct {
	// Global rate limiting (across all callers)
	GlobalEnabled bool
	GlobalLimit   int           // requests per window
	GlobalWindow  time.Duration // time window

	// Per-account rate limiting (identified by the authenticated account)
	PerAccountEnabled bool
	PerAccountLimit   int
	PerAccountWindow  time.Duration

	// Per-IP rate limiting (unauthenticated routes and fallback)
	PerIPEnabled bool
	PerIPLimit   int
	PerIPWindow  time.Duration

	// Metrics collector (optional)
	Metrics *metrics.Metrics
}

// DefaultConfig returns generous limits that stop obvious abuse.
func DefaultConfig() Config {
	return Config{
		GlobalEnabled: true,
		GlobalLimit:   1000,
		GlobalWindow:  1 * time.Minute,

		// Spends are per-user actions; 120/min covers rapid tipping.
		PerAccountEnabled: true,
		PerAccountLimit:   120,
		PerAccountWindow:  1 * time.Minute,

		PerIPEnabled: true,
		PerIPLimit:   300,
		PerIPWindow:  1 * time.Minute,
	}
}

// ConfigFrom converts the rate_limit config section.
func ConfigFrom(cfg config.RateLimitConfig, m *metrics.Metrics) Config {
	return Config{
		GlobalEnabled:     cfg.GlobalEnabled,
		GlobalLimit:       cfg.GlobalLimit,
		GlobalWindow:      cfg.GlobalWindow.Duration,
		PerAccountEnabled: cfg.PerAccountEnabled,
		PerAccountLimit:   cfg.PerAccountLimit,
		PerAccountWindow:  cfg.PerAccountWindow.Duration,
		PerIPEnabled:      cfg.PerIPEnabled,
		PerIPLimit:        cfg.PerIPLimit,
		PerIPWindow:       cfg.PerIPWindow.Duration,
		Metrics:           m,
	}
}

// limitHandler writes the 429 response shared by all limiters.
func limitHandler(limitType string, window time.Duration, m *metrics.Metrics) func(http.ResponseWriter, *http.Request) {
	seconds := int(window.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	var message string
	switch limitType {
	case "global":
		message = "Global rate limit exceeded. Please try again later."
	case "per_account":
		message = "Too many requests for this account. Please try again later."
	default:
		message = "Rate limit exceeded. Please try again later."
	}

	return func(w http.ResponseWriter, r *http.Request) {
		m.ObserveRateLimit(limitType)
		w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeRateLimited, message, "retry_after_seconds", seconds)
	}
}

func passthrough(next http.Handler) http.Handler { return next }

// GlobalLimiter creates a global rate limiter middleware.
func GlobalLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.GlobalEnabled {
		return passthrough
	}
	return httprate.Limit(
		cfg.GlobalLimit,
		cfg.GlobalWindow,
		httprate.WithLimitHandler(limitHandler("global", cfg.GlobalWindow, cfg.Metrics)),
	)
}

// AccountLimiter limits per authenticated account and falls back to the
// client IP when no account is on the context. Mount it after the auth
// middleware.
func AccountLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerAccountEnabled {
		return passthrough
	}
	return httprate.Limit(
		cfg.PerAccountLimit,
		cfg.PerAccountWindow,
		httprate.WithKeyFuncs(accountKey),
		httprate.WithLimitHandler(limitHandler("per_account", cfg.PerAccountWindow, cfg.Metrics)),
	)
}

// IPLimiter creates a per-IP rate limiter middleware.
func IPLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled {
		return passthrough
	}
	return httprate.Limit(
		cfg.PerIPLimit,
		cfg.PerIPWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(limitHandler("per_ip", cfg.PerIPWindow, cfg.Metrics)),
	)
}

func accountKey(r *http.Request) (string, error) {
	if id, ok := auth.AccountFromContext(r.Context()); ok {
		return "account:" + id, nil
	}
	return httprate.KeyByIP(r)
}

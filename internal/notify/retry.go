package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tokenvault/server/internal/circuitbreaker"
	"github.com/tokenvault/server/internal/config"
	"github.com/tokenvault/server/internal/httputil"
	"github.com/tokenvault/server/internal/metrics"
)

// RetryConfig holds delivery retry configuration.
type RetryConfig struct {
	Enabled         bool
	MaxAttempts     int           // Maximum attempts including the first (default: 5)
	InitialInterval time.Duration // Initial backoff interval (default: 1s)
	MaxInterval     time.Duration // Maximum backoff interval (default: 2m)
	Multiplier      float64       // Backoff multiplier (default: 2.0)
	Timeout         time.Duration // Per-attempt timeout (default: 3s)
}

// DefaultRetryConfig returns sensible defaults for delivery retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Enabled:         true,
		MaxAttempts:     5,
		InitialInterval: 1 * time.Second,
		MaxInterval:     2 * time.Minute,
		Multiplier:      2.0,
		Timeout:         3 * time.Second,
	}
}

// RetryConfigFrom maps the notify section of the application config.
func RetryConfigFrom(cfg config.NotifyConfig) RetryConfig {
	rc := DefaultRetryConfig()
	rc.Enabled = cfg.Retry.Enabled
	if cfg.Retry.MaxAttempts > 0 {
		rc.MaxAttempts = cfg.Retry.MaxAttempts
	}
	if cfg.Retry.InitialInterval.Duration > 0 {
		rc.InitialInterval = cfg.Retry.InitialInterval.Duration
	}
	if cfg.Retry.MaxInterval.Duration > 0 {
		rc.MaxInterval = cfg.Retry.MaxInterval.Duration
	}
	if cfg.Retry.Multiplier > 0 {
		rc.Multiplier = cfg.Retry.Multiplier
	}
	if cfg.Timeout.Duration > 0 {
		rc.Timeout = cfg.Timeout.Duration
	}
	return rc
}

// RetryableClient posts ledger events with exponential backoff. Deliveries run
// in background goroutines; Close waits for them.
type RetryableClient struct {
	url        string
	headers    map[string]string
	retryCfg   RetryConfig
	httpClient *http.Client
	logger     zerolog.Logger
	dlqStore   DLQStore
	metrics    *metrics.Metrics
	breakers   *circuitbreaker.Manager

	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

// RetryOption customizes the retry client behavior.
type RetryOption func(*RetryableClient)

// WithRetryLogger sets a custom logger for retry operations.
func WithRetryLogger(logger zerolog.Logger) RetryOption {
	return func(c *RetryableClient) {
		c.logger = logger
	}
}

// WithDLQStore enables the dead letter queue for failed deliveries.
func WithDLQStore(store DLQStore) RetryOption {
	return func(c *RetryableClient) {
		c.dlqStore = store
	}
}

// WithRetryConfig sets custom retry configuration.
func WithRetryConfig(cfg RetryConfig) RetryOption {
	return func(c *RetryableClient) {
		c.retryCfg = cfg
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) RetryOption {
	return func(c *RetryableClient) {
		c.metrics = m
	}
}

// WithBreaker routes every attempt through the notify circuit breaker.
func WithBreaker(m *circuitbreaker.Manager) RetryOption {
	return func(c *RetryableClient) {
		c.breakers = m
	}
}

// NewRetryableClient constructs a notifier for the configured realtime endpoint.
func NewRetryableClient(cfg config.NotifyConfig, opts ...RetryOption) *RetryableClient {
	client := &RetryableClient{
		url:      cfg.URL,
		headers:  cfg.Headers,
		retryCfg: RetryConfigFrom(cfg),
		logger:   zerolog.Nop(),
		dlqStore: NoopDLQStore{},
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(client)
	}
	client.httpClient = httputil.NewClient(client.retryCfg.Timeout)
	return client
}

// Publish dispatches the event asynchronously. EventID is assigned once so every
// attempt carries the same value.
func (c *RetryableClient) Publish(_ context.Context, event LedgerEvent) {
	if c == nil || c.url == "" {
		return
	}
	PrepareEvent(&event)

	payload, err := json.Marshal(event)
	if err != nil {
		c.logger.Error().Err(err).Msg("notify.serialize_failed")
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		attempts, err := c.sendWithRetry(payload, event.EventType)
		if err == nil {
			return
		}
		c.logger.Error().
			Err(err).
			Str("event_id", event.EventID).
			Str("event_type", event.EventType).
			Msg("notify.delivery.failed")
		c.saveToDLQ(event, payload, attempts, err)
	}()
}

// Close stops pending backoff sleeps and waits for in-flight deliveries.
// Deliveries cut short by Close go to the DLQ.
func (c *RetryableClient) Close() error {
	if c == nil {
		return nil
	}
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
	return nil
}

// Redeliver posts a DLQ entry once more and removes it on success.
func (c *RetryableClient) Redeliver(ctx context.Context, id string) error {
	delivery, err := c.dlqStore.GetFailedDelivery(ctx, id)
	if err != nil {
		return err
	}
	if err := c.attempt(ctx, delivery.Payload); err != nil {
		delivery.Attempts++
		delivery.LastError = err.Error()
		delivery.LastAttempt = time.Now().UTC()
		_ = c.dlqStore.SaveFailedDelivery(ctx, delivery)
		c.metrics.ObserveNotify(delivery.EventType, "failed", delivery.Attempts)
		return fmt.Errorf("redeliver %s: %w", id, err)
	}
	c.metrics.ObserveNotify(delivery.EventType, "success", delivery.Attempts+1)
	return c.dlqStore.DeleteFailedDelivery(ctx, id)
}

// DLQ exposes the dead letter store for admin endpoints.
func (c *RetryableClient) DLQ() DLQStore {
	return c.dlqStore
}

// sendWithRetry attempts delivery with exponential backoff and returns the attempt count.
func (c *RetryableClient) sendWithRetry(payload []byte, eventType string) (int, error) {
	maxAttempts := c.retryCfg.MaxAttempts
	if !c.retryCfg.Enabled || maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	interval := c.retryCfg.InitialInterval
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := c.attempt(context.Background(), payload)
		if err == nil {
			c.metrics.ObserveNotify(eventType, "success", attempt)
			if attempt > 1 {
				c.logger.Info().
					Int("attempt", attempt).
					Str("event_type", eventType).
					Msg("notify.delivery.recovered")
			}
			return attempt, nil
		}

		lastErr = err
		c.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Str("event_type", eventType).
			Dur("next_retry", interval).
			Msg("notify.delivery.attempt_failed")

		if attempt == maxAttempts {
			c.metrics.ObserveNotify(eventType, "failed", attempt)
			return attempt, fmt.Errorf("delivery failed after %d attempts: %w", attempt, lastErr)
		}

		select {
		case <-time.After(interval):
		case <-c.stop:
			c.metrics.ObserveNotify(eventType, "failed", attempt)
			return attempt, fmt.Errorf("delivery interrupted by shutdown: %w", lastErr)
		}
		interval = time.Duration(float64(interval) * c.retryCfg.Multiplier)
		if c.retryCfg.MaxInterval > 0 && interval > c.retryCfg.MaxInterval {
			interval = c.retryCfg.MaxInterval
		}
	}
	return maxAttempts, lastErr
}

func (c *RetryableClient) attempt(ctx context.Context, payload []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.retryCfg.Timeout)
	defer cancel()
	return c.breakers.Run(circuitbreaker.ServiceNotify, func() error {
		return c.sendHTTP(reqCtx, payload)
	})
}

// sendHTTP performs the actual HTTP request.
func (c *RetryableClient) sendHTTP(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		if k == "" || strings.EqualFold(k, "content-type") {
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer httputil.DrainAndClose(resp)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("received status %d from realtime endpoint", resp.StatusCode)
	}
	return nil
}

func (c *RetryableClient) saveToDLQ(event LedgerEvent, payload []byte, attempts int, lastErr error) {
	now := time.Now().UTC()
	delivery := FailedDelivery{
		ID:          "dlq_" + uuid.NewString(),
		EventID:     event.EventID,
		EventType:   event.EventType,
		AccountID:   event.AccountID,
		URL:         c.url,
		Payload:     json.RawMessage(payload),
		Attempts:    attempts,
		LastError:   lastErr.Error(),
		LastAttempt: now,
		CreatedAt:   now,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.dlqStore.SaveFailedDelivery(ctx, delivery); err != nil {
		c.logger.Error().Err(err).Str("delivery_id", delivery.ID).Msg("notify.dlq.save_failed")
		return
	}
	c.metrics.ObserveNotify(event.EventType, "dlq", attempts)
	c.logger.Info().
		Str("delivery_id", delivery.ID).
		Str("event_type", event.EventType).
		Int("attempts", attempts).
		Msg("notify.dlq.saved")
}

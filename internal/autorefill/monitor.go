// Package autorefill tops up accounts whose balance drops below their
// threshold after a spend.
package autorefill

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tokenvault/server/internal/config"
	"github.com/tokenvault/server/internal/idempotency"
	"github.com/tokenvault/server/internal/ledger"
	"github.com/tokenvault/server/internal/logger"
	"github.com/tokenvault/server/internal/metrics"
	"github.com/tokenvault/server/internal/preferences"
	"github.com/tokenvault/server/internal/stripe"
)

// Decision is the result of one check.
type Decision string

const (
	DecisionDisabled        Decision = "disabled"
	DecisionAboveThreshold  Decision = "above_threshold"
	DecisionNoPaymentMethod Decision = "no_payment_method"
	DecisionInFlight        Decision = "in_flight"
	DecisionRefilled        Decision = "refilled"
	DecisionReplayed        Decision = "replayed"
	DecisionPending         Decision = "pending"
	DecisionChargeFailed    Decision = "charge_failed"
	DecisionFailed          Decision = "failed"
	DecisionSaturated       Decision = "saturated"
)

// Gateway charges a saved payment method off-session.
type Gateway interface {
	ChargeRefill(ctx context.Context, req stripe.ChargeRequest) (stripe.ChargeResult, error)
}

// Ledger is the part of the processor the monitor needs.
type Ledger interface {
	AutoRefill(ctx context.Context, accountID string, tokens int64, paymentReference string) (ledger.Result, error)
	RefillGeneration(ctx context.Context, accountID string) (int64, error)
}

// Monitor observes spends and initiates refills. It keeps no state beyond the
// in-flight set; duplicate suppression across processes comes from the
// time-windowed idempotency key that both Stripe and the ledger honour.
type Monitor struct {
	enabled       bool
	window        time.Duration
	chargeTimeout time.Duration

	prefs   preferences.Provider
	gateway Gateway
	ledger  Ledger
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	sem chan struct{}
	wg  sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
	closed   bool
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithMetrics records decisions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(mon *Monitor) { mon.metrics = m }
}

// WithLogger sets the logger used by background checks.
func WithLogger(l zerolog.Logger) Option {
	return func(mon *Monitor) { mon.logger = l }
}

// WithClock overrides time.Now for the refill window.
func WithClock(now func() time.Time) Option {
	return func(mon *Monitor) { mon.now = now }
}

// NewMonitor creates a monitor from the auto_refill config section.
func NewMonitor(cfg config.AutoRefillConfig, prefs preferences.Provider, gateway Gateway, l Ledger, opts ...Option) *Monitor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 8
	}
	m := &Monitor{
		enabled:       cfg.Enabled,
		window:        cfg.Window.Duration,
		chargeTimeout: cfg.ChargeTimeout.Duration,
		prefs:         prefs,
		gateway:       gateway,
		ledger:        l,
		logger:        zerolog.Nop(),
		now:           time.Now,
		sem:           make(chan struct{}, workers),
		inFlight:      make(map[string]struct{}),
	}
	if m.chargeTimeout <= 0 {
		m.chargeTimeout = 20 * time.Second
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AfterSpend implements ledger.SpendObserver. The check runs in the
// background so the spend response is never delayed by Stripe.
func (m *Monitor) AfterSpend(ctx context.Context, res ledger.Result) {
	if !m.enabled {
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	accountID := res.Transaction.AccountID
	select {
	case m.sem <- struct{}{}:
	default:
		m.wg.Done()
		m.metrics.ObserveAutoRefill(string(DecisionSaturated))
		m.logger.Warn().Str("account_id", logger.TruncateID(accountID)).Msg("autorefill.saturated")
		return
	}

	bg := context.WithoutCancel(ctx)
	go func() {
		defer m.wg.Done()
		defer func() { <-m.sem }()
		_, _ = m.Check(bg, accountID, res.Balance)
	}()
}

// Check decides whether accountID needs a refill at balance and performs it.
// Failures are reported in the returned Decision and error and are logged.
func (m *Monitor) Check(ctx context.Context, accountID string, balance int64) (Decision, error) {
	log := m.logger.With().
		Str("account_id", logger.TruncateID(accountID)).
		Int64("balance", balance).
		Logger()

	decision, err := m.check(ctx, accountID, balance, log)
	m.metrics.ObserveAutoRefill(string(decision))

	event := log.Debug()
	switch {
	case err != nil && decision == DecisionPending:
		event = log.Info().Err(err)
	case err != nil:
		event = log.Error().Err(err)
	case decision == DecisionRefilled || decision == DecisionReplayed:
		event = log.Info()
	}
	event.Msg("autorefill." + string(decision))
	return decision, err
}

func (m *Monitor) check(ctx context.Context, accountID string, balance int64, log zerolog.Logger) (Decision, error) {
	pref, err := m.prefs.AutoRefill(ctx, accountID)
	if err != nil {
		return DecisionFailed, err
	}
	if !pref.Enabled {
		return DecisionDisabled, nil
	}
	if balance >= pref.Threshold {
		return DecisionAboveThreshold, nil
	}
	if pref.PaymentMethod == "" || pref.StripeCustomer == "" {
		return DecisionNoPaymentMethod, nil
	}

	generation, err := m.ledger.RefillGeneration(ctx, accountID)
	if err != nil {
		return DecisionFailed, err
	}
	key := idempotency.RefillKey(accountID, generation, m.now(), m.window)
	if !m.reserve(key) {
		return DecisionInFlight, nil
	}
	defer m.release(key)

	chargeCtx, cancel := context.WithTimeout(ctx, m.chargeTimeout)
	defer cancel()
	charge, err := m.gateway.ChargeRefill(chargeCtx, stripe.ChargeRequest{
		AccountID:      accountID,
		Tokens:         pref.Tokens,
		IdempotencyKey: key,
		Customer:       pref.StripeCustomer,
		PaymentMethod:  pref.PaymentMethod,
	})
	if err != nil {
		if errors.Is(err, stripe.ErrPaymentNotSettled) {
			// The payment_intent.succeeded webhook credits it once it settles.
			return DecisionPending, err
		}
		return DecisionChargeFailed, err
	}

	res, err := m.ledger.AutoRefill(ctx, accountID, pref.Tokens, charge.PaymentIntentID)
	if err != nil {
		log.Error().Err(err).
			Str("payment_intent", charge.PaymentIntentID).
			Msg("autorefill.charged_not_credited")
		return DecisionFailed, err
	}
	if res.Replayed {
		return DecisionReplayed, nil
	}
	return DecisionRefilled, nil
}

func (m *Monitor) reserve(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inFlight[key]; ok {
		return false
	}
	m.inFlight[key] = struct{}{}
	return true
}

func (m *Monitor) release(key string) {
	m.mu.Lock()
	delete(m.inFlight, key)
	m.mu.Unlock()
}

// Close stops accepting new checks and waits for running ones.
func (m *Monitor) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}

package webhook

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/tokenvault/server/internal/ledger"
	"github.com/tokenvault/server/internal/logger"
	"github.com/tokenvault/server/internal/metrics"
	"github.com/tokenvault/server/internal/storage"
)

// Outcome describes what happened to an event.
type Outcome string

const (
	OutcomeCredited Outcome = "credited"
	OutcomeReplayed Outcome = "replayed"
	OutcomeIgnored  Outcome = "ignored"
	OutcomeDropped  Outcome = "dropped"
)

// Purchaser is the part of the processor the reconciler needs.
type Purchaser interface {
	PurchaseWithMarker(ctx context.Context, accountID string, tokens int64, paymentReference string, marker storage.WebhookMarker) (ledger.Result, error)
}

// Reconciler applies processor events to the ledger, one atomic append per event.
type Reconciler struct {
	purchaser Purchaser
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewReconciler constructs a Reconciler.
func NewReconciler(p Purchaser, m *metrics.Metrics, l zerolog.Logger) *Reconciler {
	return &Reconciler{purchaser: p, metrics: m, logger: l}
}

// HandleEvent reconciles one event. The only error it returns is a transient
// store failure, for which the processor should redeliver. Everything else is
// acknowledged with an outcome, since redelivery would not change the result.
func (r *Reconciler) HandleEvent(ctx context.Context, source string, ev Event) (Outcome, error) {
	start := time.Now()
	log := r.log(ctx).With().
		Str("source", source).
		Str("event_id", ev.ID).
		Str("event_type", string(ev.Type)).
		Logger()

	outcome, err := r.handle(ctx, ev, log)
	status := string(outcome)
	if err != nil {
		status = "retry"
	}
	r.metrics.ObserveWebhookEvent(source, status, time.Since(start))
	return outcome, err
}

func (r *Reconciler) handle(ctx context.Context, ev Event, log zerolog.Logger) (Outcome, error) {
	if err := ev.Validate(); err != nil {
		log.Warn().Err(err).Msg("webhook.event.dropped")
		return OutcomeDropped, nil
	}
	if !ev.Credits() {
		log.Info().Str("payment_reference", logger.TruncateID(ev.PaymentReference)).Msg("webhook.event.ignored")
		return OutcomeIgnored, nil
	}

	receivedAt := ev.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	res, err := r.purchaser.PurchaseWithMarker(ctx, ev.AccountID, ev.Tokens, ev.PaymentReference, storage.WebhookMarker{
		EventID:          ev.ID,
		EventType:        string(ev.Type),
		PaymentReference: ev.PaymentReference,
		ReceivedAt:       receivedAt,
	})
	switch {
	case err == nil && res.Replayed:
		log.Info().Str("transaction_id", res.Transaction.ID).Msg("webhook.event.replayed")
		return OutcomeReplayed, nil
	case err == nil:
		log.Info().
			Str("transaction_id", res.Transaction.ID).
			Str("account_id", logger.TruncateID(ev.AccountID)).
			Int64("tokens", ev.Tokens).
			Msg("webhook.event.credited")
		return OutcomeCredited, nil
	case storage.IsTransient(err):
		log.Warn().Err(err).Msg("webhook.event.retry")
		return "", err
	case errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, ledger.ErrIdempotencyConflict),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidReference):
		// Payment settled but cannot be credited as described; needs an operator.
		log.Error().Err(err).
			Str("account_id", logger.TruncateID(ev.AccountID)).
			Str("payment_reference", logger.TruncateID(ev.PaymentReference)).
			Msg("webhook.event.dropped")
		return OutcomeDropped, nil
	default:
		log.Error().Err(err).Msg("webhook.event.retry")
		return "", err
	}
}

func (r *Reconciler) log(ctx context.Context) zerolog.Logger {
	if l := logger.FromContext(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return r.logger
}

// Package ledger holds the transaction processor: the domain layer that turns
// purchases, spends, auto-refills and refunds into validated appends on the
// ledger store.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tokenvault/server/internal/idempotency"
	"github.com/tokenvault/server/internal/logger"
	"github.com/tokenvault/server/internal/metrics"
	"github.com/tokenvault/server/internal/notify"
	"github.com/tokenvault/server/internal/storage"
)

var (
	// ErrInvalidAmount is returned for a non-positive token count.
	ErrInvalidAmount = errors.New("ledger: token amount must be positive")
	// ErrInvalidReference is returned when a purchase has no payment reference
	// or a spend has no idempotency key.
	ErrInvalidReference = errors.New("ledger: missing or invalid operation key")
	// ErrAlreadyReversed is returned when a refund exceeds what can still be reversed.
	ErrAlreadyReversed = errors.New("ledger: transaction already reversed")
	// ErrNotRefundable is returned when the original's kind cannot be refunded.
	ErrNotRefundable = errors.New("ledger: transaction kind is not refundable")

	// Store errors surfaced unchanged.
	ErrNotFound            = storage.ErrNotFound
	ErrInsufficientFunds   = storage.ErrInsufficientFunds
	ErrIdempotencyConflict = storage.ErrIdempotencyConflict
	ErrTransient           = storage.ErrTransient
)

// Result is the outcome of a mutating call.
type Result struct {
	Transaction storage.Transaction
	Balance     int64
	Replayed    bool
}

// SpendObserver is told about every committed, non-replayed spend.
type SpendObserver interface {
	AfterSpend(ctx context.Context, result Result)
}

// Processor validates ledger operations and applies them through the store.
type Processor struct {
	store    storage.Store
	notifier notify.Notifier
	observer SpendObserver
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// Option customizes a Processor.
type Option func(*Processor)

// WithNotifier publishes committed transactions to the realtime layer.
func WithNotifier(n notify.Notifier) Option {
	return func(p *Processor) {
		if n != nil {
			p.notifier = n
		}
	}
}

// WithSpendObserver registers the observer called after spends.
func WithSpendObserver(o SpendObserver) Option {
	return func(p *Processor) { p.observer = o }
}

// WithMetrics records append outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Processor) { p.logger = l }
}

// NewProcessor constructs a Processor over store.
func NewProcessor(store storage.Store, opts ...Option) *Processor {
	p := &Processor{
		store:    store,
		notifier: notify.NoopNotifier{},
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetSpendObserver attaches the observer after construction. The auto-refill
// monitor depends on the processor, so it is wired in a second step.
func (p *Processor) SetSpendObserver(o SpendObserver) {
	p.observer = o
}

// Purchase credits tokens for a settled payment. The payment reference is the
// idempotency key, so the client-confirm path and the webhook path converge on
// one transaction whichever commits first.
func (p *Processor) Purchase(ctx context.Context, accountID string, tokens int64, paymentReference string) (Result, error) {
	return p.credit(ctx, storage.KindPurchase, accountID, tokens, paymentReference, nil)
}

// PurchaseWithMarker is Purchase with a webhook marker recorded in the same atomic unit.
func (p *Processor) PurchaseWithMarker(ctx context.Context, accountID string, tokens int64, paymentReference string, marker storage.WebhookMarker) (Result, error) {
	return p.credit(ctx, storage.KindPurchase, accountID, tokens, paymentReference, &marker)
}

// AutoRefill credits tokens for an off-session refill charge. It shares the
// purchase scope, so the charge's later webhook replays.
func (p *Processor) AutoRefill(ctx context.Context, accountID string, tokens int64, paymentReference string) (Result, error) {
	return p.credit(ctx, storage.KindAutoRefill, accountID, tokens, paymentReference, nil)
}

func (p *Processor) credit(ctx context.Context, kind storage.Kind, accountID string, tokens int64, paymentReference string, marker *storage.WebhookMarker) (Result, error) {
	if tokens <= 0 {
		p.metrics.ObserveRejection("invalid_amount")
		return Result{}, ErrInvalidAmount
	}
	if err := idempotency.ValidateKey(paymentReference); err != nil {
		p.metrics.ObserveRejection("invalid_reference")
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	return p.append(ctx, storage.AppendRequest{
		AccountID:      accountID,
		Amount:         tokens,
		Kind:           kind,
		IdempotencyKey: paymentReference,
		Marker:         marker,
	})
}

// Spend debits tokens. reason "tip" and "gift" select those kinds; any other
// reason is recorded as a generic spend with the reason as its label.
func (p *Processor) Spend(ctx context.Context, accountID string, tokens int64, reason, key string) (Result, error) {
	if tokens <= 0 {
		p.metrics.ObserveRejection("invalid_amount")
		return Result{}, ErrInvalidAmount
	}
	if err := idempotency.ValidateKey(key); err != nil {
		p.metrics.ObserveRejection("invalid_reference")
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}

	res, err := p.append(ctx, storage.AppendRequest{
		AccountID:      accountID,
		Amount:         -tokens,
		Kind:           KindForReason(reason),
		IdempotencyKey: key,
		Reason:         reason,
	})
	if err != nil {
		return Result{}, err
	}
	if !res.Replayed && p.observer != nil {
		p.observer.AfterSpend(ctx, res)
	}
	return res, nil
}

// KindForReason maps a spend reason onto a transaction kind.
func KindForReason(reason string) storage.Kind {
	switch reason {
	case string(storage.KindTip):
		return storage.KindTip
	case string(storage.KindGift):
		return storage.KindGift
	default:
		return storage.KindSpend
	}
}

// Refund reverses all or part of a transaction. tokens nil means whatever is
// still reversible. Several partial refunds may reference one original as long
// as together they stay within its magnitude; each is named by requestKey.
// Without a request key all refund requests for the original share one key,
// so a repeat replays the first refund rather than applying a second one.
func (p *Processor) Refund(ctx context.Context, originalID string, tokens *int64, requestKey string) (Result, error) {
	if originalID == "" {
		return Result{}, fmt.Errorf("%w: original transaction id is required", ErrInvalidReference)
	}
	if tokens != nil && *tokens <= 0 {
		p.metrics.ObserveRejection("invalid_amount")
		return Result{}, ErrInvalidAmount
	}
	if requestKey != "" {
		if err := idempotency.ValidateKey(requestKey); err != nil {
			p.metrics.ObserveRejection("invalid_reference")
			return Result{}, fmt.Errorf("%w: %v", ErrInvalidReference, err)
		}
	}

	original, err := p.store.GetTransaction(ctx, originalID)
	if err != nil {
		return Result{}, err
	}
	if !refundable(original.Kind) {
		p.metrics.ObserveRejection("not_refundable")
		return Result{}, ErrNotRefundable
	}

	key := idempotency.RefundKey(original.ID, requestKey)
	var amount int64
	if rec, found, err := p.store.Lookup(ctx, idempotency.ScopeRefund, key); err != nil {
		return Result{}, err
	} else if found {
		prior, err := p.store.GetTransaction(ctx, rec.TransactionID)
		if err != nil {
			return Result{}, err
		}
		if tokens != nil && abs(prior.Amount) != *tokens {
			return Result{}, p.refundKeyReused(requestKey)
		}
		amount = abs(prior.Amount)
	} else {
		remaining := original.Reversible()
		amount = remaining
		if tokens != nil {
			amount = *tokens
		}
		if remaining <= 0 || amount > remaining {
			p.metrics.ObserveRejection("already_reversed")
			return Result{}, ErrAlreadyReversed
		}
	}

	// A refund moves tokens opposite to the original.
	signed := amount
	if original.Amount > 0 {
		signed = -amount
	}

	res, err := p.append(ctx, storage.AppendRequest{
		AccountID:      original.AccountID,
		Amount:         signed,
		Kind:           storage.KindRefund,
		IdempotencyKey: key,
		ReferenceID:    original.ID,
		Reason:         "refund:" + string(original.Kind),
	})
	switch {
	case errors.Is(err, storage.ErrRefundExceedsOriginal):
		// Another refund of the same original committed first.
		p.metrics.ObserveRejection("already_reversed")
		return Result{}, ErrAlreadyReversed
	case errors.Is(err, storage.ErrIdempotencyConflict):
		return Result{}, p.refundKeyReused(requestKey)
	}
	return res, err
}

// refundKeyReused reports a refund key already bound to a different amount. An
// unkeyed repeat is a second refund of the original; a keyed one is key reuse.
func (p *Processor) refundKeyReused(requestKey string) error {
	if requestKey == "" {
		p.metrics.ObserveRejection("already_reversed")
		return ErrAlreadyReversed
	}
	p.metrics.ObserveRejection("idempotency_conflict")
	return ErrIdempotencyConflict
}

func refundable(kind storage.Kind) bool {
	switch kind {
	case storage.KindPurchase, storage.KindSpend, storage.KindTip, storage.KindGift:
		return true
	}
	return false
}

// append applies req and emits metrics, logs and a realtime event for new commits.
func (p *Processor) append(ctx context.Context, req storage.AppendRequest) (Result, error) {
	log := p.log(ctx).With().
		Str("account_id", logger.TruncateID(req.AccountID)).
		Str("kind", string(req.Kind)).
		Int64("amount", req.Amount).
		Logger()

	start := time.Now()
	res, err := p.store.AppendTransaction(ctx, req)
	elapsed := time.Since(start)

	if err != nil {
		outcome, reason := classify(err)
		p.metrics.ObserveAppend(string(req.Kind), outcome, req.Amount, elapsed)
		if reason != "" {
			p.metrics.ObserveRejection(reason)
		}
		if outcome == "failed" {
			log.Error().Err(err).Msg("ledger." + string(req.Kind) + ".failed")
		} else {
			log.Info().Err(err).Msg("ledger." + string(req.Kind) + ".rejected")
		}
		return Result{}, err
	}

	tx := res.Transaction
	if res.Replayed {
		scope, _ := idempotency.ScopeForKind(string(req.Kind))
		p.metrics.ObserveAppend(string(req.Kind), "replayed", req.Amount, elapsed)
		p.metrics.ObserveReplay(string(scope))
		log.Info().Str("transaction_id", tx.ID).Msg("ledger." + string(req.Kind) + ".replayed")
		return Result{Transaction: tx, Balance: tx.BalanceAfter, Replayed: true}, nil
	}

	p.metrics.ObserveAppend(string(req.Kind), "committed", req.Amount, elapsed)
	log.Info().
		Str("transaction_id", tx.ID).
		Int64("balance", tx.BalanceAfter).
		Msg("ledger." + string(req.Kind) + ".committed")
	p.notifier.Publish(ctx, notify.EventFromTransaction(tx))

	return Result{Transaction: tx, Balance: tx.BalanceAfter}, nil
}

func classify(err error) (outcome, reason string) {
	switch {
	case errors.Is(err, storage.ErrInsufficientFunds):
		return "rejected", "insufficient_funds"
	case errors.Is(err, storage.ErrIdempotencyConflict):
		return "rejected", "idempotency_conflict"
	case errors.Is(err, storage.ErrNotFound):
		return "rejected", "account_not_found"
	case errors.Is(err, storage.ErrInvalidRequest):
		return "rejected", "invalid_request"
	default:
		return "failed", ""
	}
}

// EnsureAccount creates an account with a zero balance when it does not exist.
func (p *Processor) EnsureAccount(ctx context.Context, accountID string) (int64, error) {
	if err := p.store.EnsureAccount(ctx, accountID); err != nil {
		return 0, err
	}
	return p.store.GetBalance(ctx, accountID)
}

// Balance returns the committed balance.
func (p *Processor) Balance(ctx context.Context, accountID string) (int64, error) {
	return p.store.GetBalance(ctx, accountID)
}

// Transaction returns one transaction with its derived status.
func (p *Processor) Transaction(ctx context.Context, transactionID string) (storage.Transaction, error) {
	return p.store.GetTransaction(ctx, transactionID)
}

// History lists an account's transactions, newest first.
func (p *Processor) History(ctx context.Context, accountID string, opts storage.ListOptions) ([]storage.Transaction, error) {
	return p.store.ListTransactions(ctx, accountID, opts)
}

// Audit compares the account's balance with its transaction sum.
func (p *Processor) Audit(ctx context.Context, accountID string) (storage.AuditResult, error) {
	return p.store.AuditAccount(ctx, accountID)
}

// RefillGeneration counts committed auto-refills for the account.
func (p *Processor) RefillGeneration(ctx context.Context, accountID string) (int64, error) {
	return p.store.CountTransactions(ctx, accountID, storage.KindAutoRefill)
}

func (p *Processor) log(ctx context.Context) *zerolog.Logger {
	if l := logger.FromContext(ctx); l.GetLevel() != zerolog.Disabled {
		return &l
	}
	return &p.logger
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

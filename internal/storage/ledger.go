package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a ledger transaction.
type Kind string

const (
	KindPurchase   Kind = "purchase"
	KindTip        Kind = "tip"
	KindSpend      Kind = "spend"
	KindGift       Kind = "gift"
	KindRefund     Kind = "refund"
	KindAutoRefill Kind = "auto_refill"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindPurchase, KindTip, KindSpend, KindGift, KindRefund, KindAutoRefill:
		return true
	}
	return false
}

// IsCredit reports whether the kind always carries a positive amount.
func (k Kind) IsCredit() bool {
	return k == KindPurchase || k == KindAutoRefill
}

// IsDebit reports whether the kind always carries a negative amount.
func (k Kind) IsDebit() bool {
	return k == KindTip || k == KindSpend || k == KindGift
}

// Status of a transaction as observed by readers. Rows are stored as committed;
// reversed is derived once refunds referencing the row cover its full amount.
type Status string

const (
	StatusCommitted Status = "committed"
	StatusReversed  Status = "reversed"
)

// Transaction is one immutable ledger row.
type Transaction struct {
	ID             string    `json:"transactionId"`
	AccountID      string    `json:"accountId"`
	Amount         int64     `json:"amount"`
	Kind           Kind      `json:"kind"`
	IdempotencyKey string    `json:"idempotencyKey"`
	ReferenceID    string    `json:"referenceTransactionId,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Status         Status    `json:"status"`
	RefundedAmount int64     `json:"refundedAmount,omitempty"` // tokens already reversed by refunds of this row
	BalanceAfter   int64     `json:"balanceAfter"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Reversible is the magnitude that refunds may still reverse.
func (t Transaction) Reversible() int64 {
	return abs(t.Amount) - t.RefundedAmount
}

// withRefunds sets RefundedAmount and derives Status from it.
func (t Transaction) withRefunds(refunded int64) Transaction {
	t.RefundedAmount = refunded
	t.Status = StatusCommitted
	if refunded > 0 && refunded >= abs(t.Amount) {
		t.Status = StatusReversed
	}
	return t
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

// WebhookMarker records a processor event against the transaction it produced.
type WebhookMarker struct {
	EventID          string    `json:"eventId"`
	EventType        string    `json:"eventType"`
	PaymentReference string    `json:"paymentReference"`
	TransactionID    string    `json:"transactionId"`
	ReceivedAt       time.Time `json:"receivedAt"`
}

// AppendRequest is the input to the single mutation primitive.
type AppendRequest struct {
	AccountID      string
	Amount         int64
	Kind           Kind
	IdempotencyKey string
	ReferenceID    string
	Reason         string
	// Marker, when set, is recorded in the same atomic unit on both the new and replay paths.
	Marker *WebhookMarker
}

// Validate checks the request shape. Domain rules (refundability, bounds) live in the processor.
func (r AppendRequest) Validate() error {
	if r.AccountID == "" {
		return fmt.Errorf("%w: account id is required", ErrInvalidRequest)
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, r.Kind)
	}
	if r.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidRequest)
	}
	switch {
	case r.Amount == 0:
		return fmt.Errorf("%w: amount must be non-zero", ErrInvalidRequest)
	case r.Kind.IsCredit() && r.Amount < 0:
		return fmt.Errorf("%w: %s must be a credit", ErrInvalidRequest, r.Kind)
	case r.Kind.IsDebit() && r.Amount > 0:
		return fmt.Errorf("%w: %s must be a debit", ErrInvalidRequest, r.Kind)
	}
	if r.Kind == KindRefund && r.ReferenceID == "" {
		return fmt.Errorf("%w: refund requires a reference transaction", ErrInvalidRequest)
	}
	if r.Marker != nil && r.Marker.EventID == "" {
		return fmt.Errorf("%w: webhook marker requires an event id", ErrInvalidRequest)
	}
	return nil
}

// AppendResult is the outcome of AppendTransaction. Replayed results carry the
// originally committed row, including its BalanceAfter.
type AppendResult struct {
	Transaction Transaction
	Replayed    bool
}

// ListOptions pages through an account's history, newest first. Before and
// BeforeID together form a keyset cursor: the page starts after the row
// (Before, BeforeID) in listing order. With only Before set, rows at or after
// that instant are skipped.
type ListOptions struct {
	Limit    int
	Before   time.Time // zero means from the newest row
	BeforeID string
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (o ListOptions) limit() int {
	switch {
	case o.Limit <= 0:
		return defaultListLimit
	case o.Limit > maxListLimit:
		return maxListLimit
	default:
		return o.Limit
	}
}

// AuditResult compares an account's stored balance with its transaction sum.
type AuditResult struct {
	AccountID    string `json:"accountId"`
	Balance      int64  `json:"balance"`
	Sum          int64  `json:"sum"`
	Transactions int64  `json:"transactions"`
	Consistent   bool   `json:"consistent"`
}

func newTransactionID() string {
	return uuid.NewString()
}

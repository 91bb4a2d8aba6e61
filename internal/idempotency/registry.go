// Package idempotency defines the operation-key registry consulted by the ledger
// store before every append, plus the deterministic key derivations used by
// refunds and auto-refill.
package idempotency

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Scope partitions the key space. (scope, key) is globally unique.
type Scope string

const (
	ScopePurchase Scope = "purchase"
	ScopeWebhook  Scope = "webhook"
	ScopeSpend    Scope = "spend"
	ScopeRefund   Scope = "refund"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	switch s {
	case ScopePurchase, ScopeWebhook, ScopeSpend, ScopeRefund:
		return true
	}
	return false
}

// ScopeForKind maps a transaction kind to the scope its key lives in.
// auto_refill shares the purchase scope so a webhook for the same charge replays.
func ScopeForKind(kind string) (Scope, error) {
	switch kind {
	case "purchase", "auto_refill":
		return ScopePurchase, nil
	case "spend", "tip", "gift":
		return ScopeSpend, nil
	case "refund":
		return ScopeRefund, nil
	default:
		return "", fmt.Errorf("idempotency: no scope for kind %q", kind)
	}
}

// Record is the registry row written in the same atomic unit as its transaction.
type Record struct {
	Scope         Scope
	Key           string
	AccountID     string
	TransactionID string
	CreatedAt     time.Time
}

// Registry looks up previously applied operation keys.
// Implementations never write a record outside the ledger append.
type Registry interface {
	Lookup(ctx context.Context, scope Scope, key string) (Record, bool, error)
}

// RefundKey derives the key for reversing originalID. Without a request key every
// refund of the original shares "refund:<id>", so retries replay instead of
// double-crediting. A request key names one of several partial refunds.
func RefundKey(originalID, requestKey string) string {
	if requestKey == "" {
		return "refund:" + originalID
	}
	return "refund:" + originalID + ":" + requestKey
}

// RefillKey derives the auto-refill key for an account. generation is the number of
// refills already committed; bucket is the start of the current time window.
// Triggers sharing both collapse into a single charge.
func RefillKey(accountID string, generation int64, now time.Time, window time.Duration) string {
	if window <= 0 {
		window = time.Hour
	}
	bucket := now.UTC().Truncate(window).Unix()
	return fmt.Sprintf("refill_%s_%d_%d", accountID, generation, bucket)
}

// MaxKeyLength bounds client-supplied keys.
const MaxKeyLength = 255

// ValidateKey rejects empty, oversized or non-printable keys.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("idempotency key is required")
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("idempotency key exceeds %d characters", MaxKeyLength)
	}
	for _, r := range key {
		if r < 0x21 || r > 0x7e {
			return fmt.Errorf("idempotency key must be printable ASCII without spaces")
		}
	}
	return nil
}

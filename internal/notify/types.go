// Package notify pushes committed ledger changes to the realtime layer so
// connected clients see balance updates without polling.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tokenvault/server/internal/storage"
)

// Event types published to the realtime layer.
const (
	EventCredited = "tokens.credited"
	EventDebited  = "tokens.debited"
	EventRefunded = "tokens.refunded"
)

// Notifier delivers ledger events. Publish never blocks on the network.
type Notifier interface {
	Publish(ctx context.Context, event LedgerEvent)
}

// NoopNotifier ignores all events.
type NoopNotifier struct{}

func (NoopNotifier) Publish(context.Context, LedgerEvent) {}

// LedgerEvent describes one committed transaction.
// EventID is stable across delivery attempts; consumers deduplicate on it.
type LedgerEvent struct {
	EventID        string    `json:"eventId"`
	EventType      string    `json:"eventType"`
	EventTimestamp time.Time `json:"eventTimestamp"`

	AccountID     string `json:"accountId"`
	TransactionID string `json:"transactionId"`
	Kind          string `json:"kind"`
	Amount        int64  `json:"amount"`
	Balance       int64  `json:"balance"`
	ReferenceID   string `json:"referenceTransactionId,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// ErrNotifyDisabled is returned when no realtime endpoint is configured.
var ErrNotifyDisabled = errors.New("notify: disabled")

// EventFromTransaction builds the event for a committed row.
func EventFromTransaction(tx storage.Transaction) LedgerEvent {
	eventType := EventCredited
	switch {
	case tx.Kind == storage.KindRefund:
		eventType = EventRefunded
	case tx.Amount < 0:
		eventType = EventDebited
	}
	return LedgerEvent{
		EventType:     eventType,
		AccountID:     tx.AccountID,
		TransactionID: tx.ID,
		Kind:          string(tx.Kind),
		Amount:        tx.Amount,
		Balance:       tx.BalanceAfter,
		ReferenceID:   tx.ReferenceID,
		Reason:        tx.Reason,
	}
}

// PrepareEvent fills the idempotency fields. An existing EventID is preserved.
func PrepareEvent(event *LedgerEvent) {
	if event.EventID == "" {
		event.EventID = "evt_" + uuid.NewString()
	}
	if event.EventTimestamp.IsZero() {
		event.EventTimestamp = time.Now().UTC()
	}
}

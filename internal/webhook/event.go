// Package webhook reconciles payment-processor events into ledger purchases.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedEvent is returned for payloads with missing fields or an unknown type.
var ErrMalformedEvent = errors.New("webhook: malformed event")

// EventType is the discriminant of Event.
type EventType string

const (
	TypePaymentSucceeded       EventType = "payment.succeeded"
	TypePaymentIntentSucceeded EventType = "payment_intent.succeeded"
	TypePaymentRefunded        EventType = "payment.refunded"
)

// Event is a validated processor notification. Only the fields relevant to
// Type are populated; Decode and the Stripe adapter guarantee that.
type Event struct {
	ID               string
	Type             EventType
	AccountID        string
	Tokens           int64
	PaymentReference string
	ReceivedAt       time.Time
}

// Credits reports whether the event should credit tokens.
func (e Event) Credits() bool {
	return e.Type == TypePaymentSucceeded || e.Type == TypePaymentIntentSucceeded
}

// Validate enforces the per-type field rules.
func (e Event) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: event_id is required", ErrMalformedEvent)
	}
	switch e.Type {
	case TypePaymentSucceeded, TypePaymentIntentSucceeded:
		if strings.TrimSpace(e.AccountID) == "" {
			return fmt.Errorf("%w: account_id is required", ErrMalformedEvent)
		}
		if e.Tokens <= 0 {
			return fmt.Errorf("%w: tokens must be positive", ErrMalformedEvent)
		}
		if strings.TrimSpace(e.PaymentReference) == "" {
			return fmt.Errorf("%w: payment_reference is required", ErrMalformedEvent)
		}
	case TypePaymentRefunded:
		if strings.TrimSpace(e.PaymentReference) == "" {
			return fmt.Errorf("%w: payment_reference is required", ErrMalformedEvent)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, e.Type)
	}
	return nil
}

// wireEvent is the generic ingress payload.
type wireEvent struct {
	EventID          string          `json:"event_id"`
	Type             string          `json:"type"`
	AccountID        string          `json:"account_id"`
	Tokens           json.RawMessage `json:"tokens"`
	PaymentReference string          `json:"payment_reference"`
}

// Decode parses and validates the generic ingress JSON.
func Decode(body []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(body, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	ev := Event{
		ID:               strings.TrimSpace(w.EventID),
		Type:             EventType(strings.TrimSpace(w.Type)),
		AccountID:        strings.TrimSpace(w.AccountID),
		PaymentReference: strings.TrimSpace(w.PaymentReference),
		ReceivedAt:       time.Now().UTC(),
	}
	if len(w.Tokens) > 0 && string(w.Tokens) != "null" {
		// Integers only; 1.5 or "10" are rejected rather than coerced.
		if err := json.Unmarshal(w.Tokens, &ev.Tokens); err != nil {
			return Event{}, fmt.Errorf("%w: tokens must be an integer", ErrMalformedEvent)
		}
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

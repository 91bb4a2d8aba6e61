package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	stripeapi "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/paymentintent"
	"github.com/stripe/stripe-go/v72/webhook"

	"github.com/tokenvault/server/internal/circuitbreaker"
	"github.com/tokenvault/server/internal/config"
	ledgerwebhook "github.com/tokenvault/server/internal/webhook"
)

var (
	// ErrNotConfigured is returned when the secret key or token price is missing.
	ErrNotConfigured = errors.New("stripe: not configured")
	// ErrInvalidSignature is returned for webhook payloads that fail verification.
	ErrInvalidSignature = errors.New("stripe: invalid webhook signature")
	// ErrUnhandledEvent marks well-signed events that carry no ledger meaning.
	ErrUnhandledEvent = errors.New("stripe: unhandled event type")
	// ErrPaymentNotSettled means the payment intent has not reached succeeded.
	ErrPaymentNotSettled = errors.New("stripe: payment not settled")
	// ErrPaymentMismatch means the payment intent belongs to another account or amount.
	ErrPaymentMismatch = errors.New("stripe: payment does not match request")
	// ErrUnavailable wraps network failures, 5xx responses and an open breaker.
	ErrUnavailable = errors.New("stripe: unavailable")
)

// Metadata keys written on every payment intent the ledger credits.
const (
	MetadataAccountID = "account_id"
	MetadataTokens    = "tokens"
	MetadataKind      = "kind"
)

// intentAPI is the slice of the payment intent API the client calls.
type intentAPI interface {
	Get(id string, params *stripeapi.PaymentIntentParams) (*stripeapi.PaymentIntent, error)
	New(params *stripeapi.PaymentIntentParams) (*stripeapi.PaymentIntent, error)
}

type liveIntents struct{}

func (liveIntents) Get(id string, params *stripeapi.PaymentIntentParams) (*stripeapi.PaymentIntent, error) {
	return paymentintent.Get(id, params)
}

func (liveIntents) New(params *stripeapi.PaymentIntentParams) (*stripeapi.PaymentIntent, error) {
	return paymentintent.New(params)
}

// Client wraps the stripe-go operations used by the ledger.
type Client struct {
	cfg      config.StripeConfig
	breakers *circuitbreaker.Manager
	intents  intentAPI
	now      func() time.Time
}

// NewClient sets up stripe-go with the provided credentials. breakers may be nil.
func NewClient(cfg config.StripeConfig, breakers *circuitbreaker.Manager) *Client {
	stripeapi.Key = cfg.SecretKey
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	return &Client{
		cfg:      cfg,
		breakers: breakers,
		intents:  liveIntents{},
		now:      time.Now,
	}
}

// ParseEvent verifies the Stripe-Signature header and maps the event onto a
// ledger webhook event. Events other than payment_intent.succeeded and
// charge.refunded return ErrUnhandledEvent.
func (c *Client) ParseEvent(payload []byte, signature string) (ledgerwebhook.Event, error) {
	if c.cfg.WebhookSecret == "" {
		return ledgerwebhook.Event{}, fmt.Errorf("%w: webhook secret", ErrNotConfigured)
	}
	event, err := webhook.ConstructEvent(payload, signature, c.cfg.WebhookSecret)
	if err != nil {
		return ledgerwebhook.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	receivedAt := c.now().UTC()
	switch event.Type {
	case "payment_intent.succeeded":
		var pi stripeapi.PaymentIntent
		if err := jsonExtract(event.Data.Raw, &pi); err != nil {
			return ledgerwebhook.Event{}, err
		}
		accountID, tokens := intentMetadata(&pi)
		return ledgerwebhook.Event{
			ID:               event.ID,
			Type:             ledgerwebhook.TypePaymentIntentSucceeded,
			AccountID:        accountID,
			Tokens:           tokens,
			PaymentReference: pi.ID,
			ReceivedAt:       receivedAt,
		}, nil
	case "charge.refunded":
		var ch stripeapi.Charge
		if err := jsonExtract(event.Data.Raw, &ch); err != nil {
			return ledgerwebhook.Event{}, err
		}
		ref := ch.ID
		if ch.PaymentIntent != nil && ch.PaymentIntent.ID != "" {
			ref = ch.PaymentIntent.ID
		}
		return ledgerwebhook.Event{
			ID:               event.ID,
			Type:             ledgerwebhook.TypePaymentRefunded,
			PaymentReference: ref,
			ReceivedAt:       receivedAt,
		}, nil
	default:
		return ledgerwebhook.Event{ID: event.ID, Type: ledgerwebhook.EventType(event.Type)}, ErrUnhandledEvent
	}
}

// VerifyPaymentIntent confirms that a client-reported payment intent settled
// for this account and token count before the ledger credits it.
func (c *Client) VerifyPaymentIntent(ctx context.Context, paymentIntentID, accountID string, tokens int64) error {
	if !c.cfg.Enabled() {
		return ErrNotConfigured
	}
	params := &stripeapi.PaymentIntentParams{}
	params.Context = ctx

	var (
		pi      *stripeapi.PaymentIntent
		callErr error
	)
	err := c.breakers.Run(circuitbreaker.ServiceStripe, func() error {
		pi, callErr = c.intents.Get(paymentIntentID, params)
		if isClientError(callErr) {
			return nil
		}
		return callErr
	})
	if err == nil {
		err = callErr
	}
	if err != nil {
		return classifyStripeError(err)
	}

	if pi.Status != stripeapi.PaymentIntentStatusSucceeded {
		return fmt.Errorf("%w: status %s", ErrPaymentNotSettled, pi.Status)
	}
	gotAccount, gotTokens := intentMetadata(pi)
	if gotAccount != accountID || gotTokens != tokens {
		return ErrPaymentMismatch
	}
	return nil
}

// ChargeRequest describes an off-session auto-refill charge.
type ChargeRequest struct {
	AccountID      string
	Tokens         int64
	IdempotencyKey string
	Customer       string
	PaymentMethod  string
}

// ChargeResult is a settled charge.
type ChargeResult struct {
	PaymentIntentID string
	AmountCents     int64
}

// ChargeRefill creates and confirms an off-session payment intent. Stripe
// deduplicates on IdempotencyKey, so repeated calls with the same key return
// the same intent.
func (c *Client) ChargeRefill(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if !c.cfg.Enabled() || c.cfg.TokenPriceCents <= 0 {
		return ChargeResult{}, ErrNotConfigured
	}
	if req.Customer == "" || req.PaymentMethod == "" {
		return ChargeResult{}, fmt.Errorf("stripe: account %s has no saved payment method", req.AccountID)
	}

	amount := req.Tokens * c.cfg.TokenPriceCents
	params := &stripeapi.PaymentIntentParams{
		Amount:        stripeapi.Int64(amount),
		Currency:      stripeapi.String(strings.ToLower(c.cfg.Currency)),
		Customer:      stripeapi.String(req.Customer),
		PaymentMethod: stripeapi.String(req.PaymentMethod),
		Confirm:       stripeapi.Bool(true),
		OffSession:    stripeapi.Bool(true),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata(MetadataAccountID, req.AccountID)
	params.AddMetadata(MetadataTokens, strconv.FormatInt(req.Tokens, 10))
	params.AddMetadata(MetadataKind, "auto_refill")

	var (
		pi      *stripeapi.PaymentIntent
		callErr error
	)
	err := c.breakers.Run(circuitbreaker.ServiceStripe, func() error {
		pi, callErr = c.intents.New(params)
		if isClientError(callErr) {
			return nil
		}
		return callErr
	})
	if err == nil {
		err = callErr
	}
	if err != nil {
		return ChargeResult{}, classifyStripeError(err)
	}
	if pi.Status != stripeapi.PaymentIntentStatusSucceeded {
		return ChargeResult{PaymentIntentID: pi.ID}, fmt.Errorf("%w: status %s", ErrPaymentNotSettled, pi.Status)
	}
	return ChargeResult{PaymentIntentID: pi.ID, AmountCents: amount}, nil
}

// intentMetadata reads the account and token count; a bad token value yields 0.
func intentMetadata(pi *stripeapi.PaymentIntent) (string, int64) {
	if pi == nil || pi.Metadata == nil {
		return "", 0
	}
	tokens, err := strconv.ParseInt(strings.TrimSpace(pi.Metadata[MetadataTokens]), 10, 64)
	if err != nil {
		tokens = 0
	}
	return strings.TrimSpace(pi.Metadata[MetadataAccountID]), tokens
}

// isClientError reports 4xx responses other than 429. They say nothing about
// Stripe's health and must not trip the breaker.
func isClientError(err error) bool {
	var se *stripeapi.Error
	return errors.As(err, &se) && se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 && se.HTTPStatusCode != http.StatusTooManyRequests
}

func classifyStripeError(err error) error {
	if err == nil {
		return nil
	}
	if circuitbreaker.IsOpen(err) {
		return fmt.Errorf("%w: circuit open", ErrUnavailable)
	}
	var se *stripeapi.Error
	if errors.As(err, &se) {
		if se.HTTPStatusCode >= 500 || se.HTTPStatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: %s", ErrUnavailable, se.Msg)
		}
		if se.Code == stripeapi.ErrorCodeResourceMissing {
			return fmt.Errorf("%w: %s", ErrPaymentMismatch, se.Msg)
		}
		return fmt.Errorf("stripe: %s", se.Msg)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func jsonExtract(data []byte, v any) error {
	if len(data) == 0 {
		return errors.New("stripe: webhook payload empty")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("stripe: decode webhook payload: %w", err)
	}
	return nil
}

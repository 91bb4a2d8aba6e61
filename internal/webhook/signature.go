package webhook

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	stripewebhook "github.com/stripe/stripe-go/v72/webhook"
)

// SignatureHeader carries the generic ingress signature in the form
// "t=<unix seconds>,v1=<hex HMAC-SHA256 of "<t>.<body>">".
const SignatureHeader = "X-Webhook-Signature"

// DefaultTolerance bounds how old a signed timestamp may be.
const DefaultTolerance = stripewebhook.DefaultTolerance

// ErrInvalidSignature is returned for payloads whose signature is missing, stale or wrong.
var ErrInvalidSignature = errors.New("webhook: invalid signature")

// Verifier authenticates generic ingress payloads against a shared secret.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier constructs a Verifier. A non-positive tolerance uses DefaultTolerance.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance}
}

// Verify checks header against payload. Several v1 entries may be present while
// a secret is being rotated; any one matching is enough.
func (v *Verifier) Verify(payload []byte, header string) error {
	if v == nil || v.secret == "" {
		return fmt.Errorf("%w: no signing secret configured", ErrInvalidSignature)
	}
	if header == "" {
		return fmt.Errorf("%w: missing %s header", ErrInvalidSignature, SignatureHeader)
	}
	if err := stripewebhook.ValidatePayloadWithTolerance(payload, header, v.secret, v.tolerance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// Sign produces a SignatureHeader value for payload. Senders and tests use it.
func Sign(payload []byte, secret string, at time.Time) string {
	mac := stripewebhook.ComputeSignature(at, payload, secret)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac))
}

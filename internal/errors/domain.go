package errors

import (
	"context"
	"errors"
	"net/http"

	"github.com/tokenvault/server/internal/idempotency"
	"github.com/tokenvault/server/internal/ledger"
	"github.com/tokenvault/server/internal/storage"
	"github.com/tokenvault/server/internal/stripe"
)

// FromDomain maps a ledger, store or gateway error onto an API code and a
// client-safe message. Unknown errors become internal_error with a generic
// message so driver text never reaches the client.
func FromDomain(err error) (ErrorCode, string) {
	switch {
	case err == nil:
		return "", ""
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return ErrCodeInsufficientFunds, "insufficient token balance"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return ErrCodeInvalidAmount, "tokens must be a positive integer"
	case errors.Is(err, ledger.ErrInvalidReference),
		errors.Is(err, idempotency.ErrKeyMismatch):
		return ErrCodeInvalidRequest, err.Error()
	case errors.Is(err, ledger.ErrAlreadyReversed),
		errors.Is(err, storage.ErrRefundExceedsOriginal):
		return ErrCodeAlreadyReversed, "refund exceeds the unreversed amount"
	case errors.Is(err, ledger.ErrNotRefundable):
		return ErrCodeNotRefundable, "transaction kind cannot be refunded"
	case errors.Is(err, ledger.ErrIdempotencyConflict):
		return ErrCodeIdempotencyConflict, "idempotency key was used with different parameters"
	case errors.Is(err, ledger.ErrNotFound):
		return ErrCodeNotFound, "not found"
	case storage.IsTransient(err), errors.Is(err, context.DeadlineExceeded):
		return ErrCodeStoreUnavailable, "ledger temporarily unavailable, retry with the same idempotency key"
	case errors.Is(err, stripe.ErrPaymentNotSettled):
		return ErrCodePaymentNotSettled, "payment has not settled yet"
	case errors.Is(err, stripe.ErrPaymentMismatch):
		return ErrCodePaymentMismatch, "payment does not match this account and amount"
	case errors.Is(err, stripe.ErrUnavailable):
		return ErrCodeStripeError, "payment processor unavailable"
	default:
		return ErrCodeInternalError, "internal error"
	}
}

// WriteDomainError writes the response for a domain error.
func WriteDomainError(w http.ResponseWriter, err error) {
	code, message := FromDomain(err)
	WriteSimpleError(w, code, message)
}

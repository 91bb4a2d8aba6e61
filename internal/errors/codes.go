package errors

import "net/http"

// ErrorCode represents a machine-readable error identifier for API clients.
type ErrorCode string

// Ledger errors
const (
	ErrCodeInsufficientFunds   ErrorCode = "insufficient_funds"
	ErrCodeInvalidAmount       ErrorCode = "invalid_amount"
	ErrCodeAlreadyReversed     ErrorCode = "already_reversed"
	ErrCodeNotRefundable       ErrorCode = "not_refundable"
	ErrCodeIdempotencyConflict ErrorCode = "idempotency_conflict"
)

// Request validation
const (
	ErrCodeInvalidRequest ErrorCode = "invalid_request"
	ErrCodeMissingField   ErrorCode = "missing_field"
	ErrCodeInvalidField   ErrorCode = "invalid_field"
)

// Lookup
const (
	ErrCodeAccountNotFound     ErrorCode = "account_not_found"
	ErrCodeTransactionNotFound ErrorCode = "transaction_not_found"
	ErrCodeNotFound            ErrorCode = "not_found"
)

// Payment processor
const (
	ErrCodePaymentNotSettled ErrorCode = "payment_not_settled"
	ErrCodePaymentMismatch   ErrorCode = "payment_mismatch"
	ErrCodeStripeError       ErrorCode = "stripe_error"
)

// Access and system
const (
	ErrCodeUnauthorized     ErrorCode = "unauthorized"
	ErrCodeForbidden        ErrorCode = "forbidden"
	ErrCodeRateLimited      ErrorCode = "rate_limited"
	ErrCodeStoreUnavailable ErrorCode = "store_unavailable"
	ErrCodeUpstreamFailed   ErrorCode = "upstream_failed"
	ErrCodeInternalError    ErrorCode = "internal_error"
)

// IsRetryable reports whether retrying with the same idempotency key can succeed.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeStoreUnavailable,
		ErrCodeRateLimited,
		ErrCodeStripeError,
		ErrCodeUpstreamFailed,
		ErrCodePaymentNotSettled:
		return true
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	case ErrCodeInvalidRequest,
		ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeInvalidAmount:
		return http.StatusBadRequest

	case ErrCodeUnauthorized:
		return http.StatusUnauthorized

	// 402 Payment Required - the account cannot cover the debit or the charge has not settled
	case ErrCodeInsufficientFunds,
		ErrCodePaymentNotSettled:
		return http.StatusPaymentRequired

	case ErrCodeForbidden,
		ErrCodePaymentMismatch:
		return http.StatusForbidden

	case ErrCodeAccountNotFound,
		ErrCodeTransactionNotFound,
		ErrCodeNotFound:
		return http.StatusNotFound

	case ErrCodeAlreadyReversed,
		ErrCodeNotRefundable,
		ErrCodeIdempotencyConflict:
		return http.StatusConflict

	case ErrCodeRateLimited:
		return http.StatusTooManyRequests

	case ErrCodeStripeError,
		ErrCodeUpstreamFailed:
		return http.StatusBadGateway

	case ErrCodeStoreUnavailable:
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

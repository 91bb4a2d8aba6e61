package httpserver

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/tokenvault/server/internal/errors"
	"github.com/tokenvault/server/internal/idempotency"
	"github.com/tokenvault/server/internal/logger"
	"github.com/tokenvault/server/pkg/responders"
)

type refundRequest struct {
	TransactionID  string `json:"transactionId"`
	Tokens         *int64 `json:"tokens,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

type ensureAccountRequest struct {
	AccountID string `json:"accountId"`
}

// refund handles POST /v1/refunds. Omitting tokens reverses whatever is still
// reversible. An Idempotency-Key (header or body) names one of several partial
// refunds; without one, every request for the original shares a single key.
func (h *handlers) refund(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req refundRequest
	if err := decodeJSON(w, r, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, err.Error())
		return
	}
	originalID := strings.TrimSpace(req.TransactionID)
	if originalID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "transactionId is required")
		return
	}

	var requestKey string
	if r.Header.Get(idempotency.HeaderKey) != "" || strings.TrimSpace(req.IdempotencyKey) != "" {
		key, err := idempotency.KeyFromRequest(r, req.IdempotencyKey)
		if err != nil {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, err.Error())
			return
		}
		requestKey = key
	}

	res, err := h.services.Processor.Refund(r.Context(), originalID, req.Tokens, requestKey)
	if err != nil {
		writeDomainError(w, log, "refund.failed", err)
		return
	}
	log.Info().
		Str("original_transaction_id", originalID).
		Str("transaction_id", res.Transaction.ID).
		Bool("replayed", res.Replayed).
		Msg("admin.refund")
	writeResult(w, res)
}

// ensureAccount handles POST /admin/v1/accounts. Creating an existing
// account is a no-op that returns its balance.
func (h *handlers) ensureAccount(w http.ResponseWriter, r *http.Request) {
	var req ensureAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, err.Error())
		return
	}
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "accountId is required")
		return
	}

	balance, err := h.services.Processor.EnsureAccount(r.Context(), accountID)
	if err != nil {
		writeDomainError(w, logger.FromContext(r.Context()), "account.ensure_failed", err)
		return
	}
	responders.JSON(w, http.StatusOK, balanceResponse{AccountID: accountID, Balance: balance})
}

// auditAccount handles GET /admin/v1/accounts/{accountID}/audit.
func (h *handlers) auditAccount(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())
	accountID := chi.URLParam(r, "accountID")

	result, err := h.services.Processor.Audit(r.Context(), accountID)
	if err != nil {
		writeDomainError(w, log, "account.audit_failed", err)
		return
	}
	if !result.Consistent {
		log.Error().
			Str("account_id", logger.TruncateID(accountID)).
			Int64("balance", result.Balance).
			Int64("sum", result.Sum).
			Msg("account.audit_mismatch")
	}
	responders.JSON(w, http.StatusOK, result)
}

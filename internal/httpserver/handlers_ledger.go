package httpserver

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tokenvault/server/internal/auth"
	apierrors "github.com/tokenvault/server/internal/errors"
	"github.com/tokenvault/server/internal/idempotency"
	"github.com/tokenvault/server/internal/logger"
	"github.com/tokenvault/server/internal/storage"
	"github.com/tokenvault/server/pkg/responders"
)

type spendRequest struct {
	Tokens         int64  `json:"tokens"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotencyKey"`
}

type confirmPurchaseRequest struct {
	Tokens           int64  `json:"tokens"`
	PaymentReference string `json:"paymentReference"`
}

type transactionsResponse struct {
	Transactions []storage.Transaction `json:"transactions"`
	NextBefore   string                `json:"nextBefore,omitempty"`
	NextBeforeID string                `json:"nextBeforeId,omitempty"`
}

// getBalance handles GET /v1/balance.
func (h *handlers) getBalance(w http.ResponseWriter, r *http.Request) {
	accountID := requestAccount(r)
	balance, err := h.services.Processor.Balance(r.Context(), accountID)
	if err != nil {
		writeDomainError(w, logger.FromContext(r.Context()), "balance.failed", err)
		return
	}
	responders.JSON(w, http.StatusOK, balanceResponse{AccountID: accountID, Balance: balance})
}

// spend handles POST /v1/spend.
func (h *handlers) spend(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req spendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, err.Error())
		return
	}
	key, err := idempotency.KeyFromRequest(r, req.IdempotencyKey)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, err.Error())
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "reason is required")
		return
	}

	res, err := h.services.Processor.Spend(r.Context(), requestAccount(r), req.Tokens, reason, key)
	if err != nil {
		writeDomainError(w, log, "spend.failed", err)
		return
	}
	writeResult(w, res)
}

// confirmPurchase handles POST /v1/purchases/confirm. The payment is verified
// with the processor before crediting. The payment reference is the
// idempotency key, so a later webhook for the same payment replays.
func (h *handlers) confirmPurchase(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req confirmPurchaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, err.Error())
		return
	}
	reference := strings.TrimSpace(req.PaymentReference)
	if reference == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "paymentReference is required")
		return
	}
	if req.Tokens <= 0 {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidAmount, "tokens must be a positive integer")
		return
	}

	accountID := requestAccount(r)
	if err := h.services.Payments.VerifyPaymentIntent(r.Context(), reference, accountID, req.Tokens); err != nil {
		writeDomainError(w, log, "purchase.verify_failed", err)
		return
	}

	res, err := h.services.Processor.Purchase(r.Context(), accountID, req.Tokens, reference)
	if err != nil {
		writeDomainError(w, log, "purchase.failed", err)
		return
	}
	writeResult(w, res)
}

// listTransactions handles GET /v1/transactions?limit=&before=&beforeId=.
// nextBefore and nextBeforeId together resume after the last row returned.
func (h *handlers) listTransactions(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOptions(r)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}
	txs, err := h.services.Processor.History(r.Context(), requestAccount(r), opts)
	if err != nil {
		writeDomainError(w, logger.FromContext(r.Context()), "history.failed", err)
		return
	}
	if txs == nil {
		txs = []storage.Transaction{}
	}
	resp := transactionsResponse{Transactions: txs}
	if opts.Limit > 0 && len(txs) == opts.Limit {
		last := txs[len(txs)-1]
		resp.NextBefore = last.CreatedAt.Format(time.RFC3339Nano)
		resp.NextBeforeID = last.ID
	}
	responders.JSON(w, http.StatusOK, resp)
}

func parseListOptions(r *http.Request) (storage.ListOptions, error) {
	var opts storage.ListOptions
	q := r.URL.Query()
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return opts, errors.New("limit must be a positive integer")
		}
		opts.Limit = limit
	}
	if raw := q.Get("before"); raw != "" {
		before, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return opts, errors.New("before must be an RFC3339 timestamp")
		}
		opts.Before = before
	}
	if raw := strings.TrimSpace(q.Get("beforeId")); raw != "" {
		if opts.Before.IsZero() {
			return opts, errors.New("beforeId requires before")
		}
		opts.BeforeID = raw
	}
	return opts, nil
}

// getTransaction handles GET /v1/transactions/{id}. Accounts only see their
// own transactions; another account's id reads as not found.
func (h *handlers) getTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tx, err := h.services.Processor.Transaction(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, logger.FromContext(ctx), "transaction.lookup_failed", err)
		return
	}
	if !auth.IsAdmin(ctx) && tx.AccountID != requestAccount(r) {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeNotFound, "not found")
		return
	}
	responders.JSON(w, http.StatusOK, tx)
}

func requestAccount(r *http.Request) string {
	id, _ := auth.AccountFromContext(r.Context())
	return id
}

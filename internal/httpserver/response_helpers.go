package httpserver

import (
	"net/http"

	"github.com/rs/zerolog"

	apierrors "github.com/tokenvault/server/internal/errors"
	"github.com/tokenvault/server/internal/ledger"
	"github.com/tokenvault/server/internal/storage"
	"github.com/tokenvault/server/pkg/responders"
)

// resultResponse is returned by every mutating ledger endpoint. A replay
// returns the body of the original call with replayed set.
type resultResponse struct {
	TransactionID string              `json:"transactionId"`
	Balance       int64               `json:"balance"`
	Replayed      bool                `json:"replayed"`
	Transaction   storage.Transaction `json:"transaction"`
}

// writeResult writes 201 for a new commit and 200 for a replay.
func writeResult(w http.ResponseWriter, res ledger.Result) {
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	responders.JSON(w, status, resultResponse{
		TransactionID: res.Transaction.ID,
		Balance:       res.Balance,
		Replayed:      res.Replayed,
		Transaction:   res.Transaction,
	})
}

// writeDomainError maps err onto an API error. Internal errors are logged
// here so the client only ever sees the generic message.
func writeDomainError(w http.ResponseWriter, log zerolog.Logger, event string, err error) {
	code, message := apierrors.FromDomain(err)
	switch code.HTTPStatus() / 100 {
	case 5:
		log.Error().Err(err).Str("code", string(code)).Msg(event)
	default:
		log.Info().Err(err).Str("code", string(code)).Msg(event)
	}
	apierrors.WriteSimpleError(w, code, message)
}

// balanceResponse is the body of GET /v1/balance and admin account creation.
type balanceResponse struct {
	AccountID string `json:"accountId"`
	Balance   int64  `json:"balance"`
}

// webhookAck acknowledges an event. Processors only look at the status code.
type webhookAck struct {
	Received bool   `json:"received"`
	Status   string `json:"status"`
}

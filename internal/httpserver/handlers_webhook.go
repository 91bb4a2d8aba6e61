package httpserver

import (
	"errors"
	"net/http"

	apierrors "github.com/tokenvault/server/internal/errors"
	"github.com/tokenvault/server/internal/logger"
	"github.com/tokenvault/server/internal/stripe"
	"github.com/tokenvault/server/internal/webhook"
	"github.com/tokenvault/server/pkg/responders"
)

// handleEvent handles POST /events, the processor-neutral ingress. Unsigned or
// forged deliveries get 400. Malformed payloads are acknowledged with 200 so the
// sender stops redelivering; only transient store failures return 503.
func (h *handlers) handleEvent(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	body, err := readBody(w, r)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "unable to read request body")
		return
	}
	if err := h.services.Events.Verify(body, r.Header.Get(webhook.SignatureHeader)); err != nil {
		log.Warn().Err(err).Msg("webhook.event.invalid_signature")
		h.services.Metrics.ObserveWebhookEvent("generic", "rejected", 0)
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "invalid signature")
		return
	}
	ev, err := webhook.Decode(body)
	if err != nil {
		log.Warn().Err(err).Msg("webhook.event.malformed")
		h.services.Metrics.ObserveWebhookEvent("generic", string(webhook.OutcomeDropped), 0)
		responders.JSON(w, http.StatusOK, webhookAck{Received: true, Status: string(webhook.OutcomeDropped)})
		return
	}
	h.reconcile(w, r, "generic", ev)
}

// handleStripeWebhook handles POST /webhook/stripe.
func (h *handlers) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	body, err := readBody(w, r)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "unable to read request body")
		return
	}
	ev, err := h.services.StripeEvents.ParseEvent(body, r.Header.Get("Stripe-Signature"))
	switch {
	case errors.Is(err, stripe.ErrInvalidSignature):
		log.Warn().Err(err).Msg("webhook.stripe.invalid_signature")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, "invalid signature")
		return
	case errors.Is(err, stripe.ErrUnhandledEvent):
		responders.JSON(w, http.StatusOK, webhookAck{Received: true, Status: string(webhook.OutcomeIgnored)})
		return
	case err != nil:
		log.Warn().Err(err).Msg("webhook.stripe.malformed")
		responders.JSON(w, http.StatusOK, webhookAck{Received: true, Status: string(webhook.OutcomeDropped)})
		return
	}
	h.reconcile(w, r, "stripe", ev)
}

func (h *handlers) reconcile(w http.ResponseWriter, r *http.Request, source string, ev webhook.Event) {
	outcome, err := h.services.Reconciler.HandleEvent(r.Context(), source, ev)
	if err != nil {
		// Ask the processor to redeliver.
		w.Header().Set("Retry-After", "5")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeStoreUnavailable, "temporarily unavailable")
		return
	}
	responders.JSON(w, http.StatusOK, webhookAck{Received: true, Status: string(outcome)})
}

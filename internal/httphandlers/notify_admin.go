// Package httphandlers holds operator endpoints mounted under the admin routes.
package httphandlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/tokenvault/server/internal/errors"
	"github.com/tokenvault/server/internal/logger"
	"github.com/tokenvault/server/internal/notify"
	"github.com/tokenvault/server/pkg/responders"
)

// DeadLetters is the notify client surface the admin endpoints drive.
type DeadLetters interface {
	DLQ() notify.DLQStore
	Redeliver(ctx context.Context, id string) error
}

// NotifyAdminHandler manages realtime notifications that exhausted their retries.
type NotifyAdminHandler struct {
	dl DeadLetters
}

// NewNotifyAdminHandler creates a new notify admin handler.
func NewNotifyAdminHandler(dl DeadLetters) *NotifyAdminHandler {
	return &NotifyAdminHandler{dl: dl}
}

// Routes mounts the handler on r.
func (h *NotifyAdminHandler) Routes(r chi.Router) {
	r.Get("/", h.ListFailed)
	r.Get("/{id}", h.GetFailed)
	r.Post("/{id}/retry", h.RetryFailed)
	r.Delete("/{id}", h.DeleteFailed)
}

// ListFailed returns dead-lettered deliveries, oldest first.
// GET /admin/v1/notify/failed?limit=100
func (h *NotifyAdminHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 || parsed > 1000 {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "Invalid limit parameter. Must be between 1 and 1000")
			return
		}
		limit = parsed
	}

	deliveries, err := h.dl.DLQ().ListFailedDeliveries(r.Context(), limit)
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("notify.admin.list_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "Failed to list deliveries")
		return
	}
	if deliveries == nil {
		deliveries = []notify.FailedDelivery{}
	}

	responders.JSON(w, http.StatusOK, map[string]any{
		"deliveries": deliveries,
		"count":      len(deliveries),
	})
}

// GetFailed returns one dead-lettered delivery.
// GET /admin/v1/notify/failed/{id}
func (h *NotifyAdminHandler) GetFailed(w http.ResponseWriter, r *http.Request) {
	delivery, err := h.dl.DLQ().GetFailedDelivery(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeStoreError(w, r, err, "get")
		return
	}
	responders.JSON(w, http.StatusOK, delivery)
}

// RetryFailed posts the delivery once more and removes it on success.
// POST /admin/v1/notify/failed/{id}/retry
func (h *NotifyAdminHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.dl.Redeliver(r.Context(), id); err != nil {
		if errors.Is(err, notify.ErrDeliveryNotFound) {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeNotFound, "Delivery not found")
			return
		}
		log := logger.FromContext(r.Context())
		log.Warn().Err(err).Str("delivery_id", id).Msg("notify.admin.retry_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUpstreamFailed, "Redelivery failed; the entry was kept")
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{
		"message":    "Delivery succeeded",
		"deliveryId": id,
	})
}

// DeleteFailed discards a dead-lettered delivery.
// DELETE /admin/v1/notify/failed/{id}
func (h *NotifyAdminHandler) DeleteFailed(w http.ResponseWriter, r *http.Request) {
	if err := h.dl.DLQ().DeleteFailedDelivery(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeStoreError(w, r, err, "delete")
		return
	}
	responders.NoContent(w)
}

func (h *NotifyAdminHandler) writeStoreError(w http.ResponseWriter, r *http.Request, err error, op string) {
	if errors.Is(err, notify.ErrDeliveryNotFound) {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeNotFound, "Delivery not found")
		return
	}
	log := logger.FromContext(r.Context())
	log.Error().Err(err).Msg("notify.admin." + op + "_failed")
	apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "Failed to "+op+" delivery")
}

package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/tokenvault/server/pkg/responders"
)

type healthResponse struct {
	Status    string `json:"status"`
	Store     string `json:"store"`
	Uptime    string `json:"uptime"`
	Timestamp string `json:"timestamp"`
}

// health reports liveness plus store reachability.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Store:     "ok",
		Uptime:    time.Since(serverStartTime).Round(time.Second).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK

	if h.services.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.services.Health.Ping(ctx); err != nil {
			h.logger.Warn().Err(err).Msg("health.store_unreachable")
			resp.Status = "degraded"
			resp.Store = "unreachable"
			status = http.StatusServiceUnavailable
		}
	}
	responders.JSON(w, status, resp)
}

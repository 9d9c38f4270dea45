package api

import (
	"context"
	"net/http"
	"time"
)

const readyTimeout = 5 * time.Second

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ready reports whether the backing store is reachable.
func (h *handlers) ready(w http.ResponseWriter, r *http.Request) {
	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := h.pinger.Ping(ctx); err != nil {
			h.logger.Warn("readiness check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "storage unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

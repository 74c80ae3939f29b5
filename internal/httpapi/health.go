package httpapi

import (
	"context"
	"net/http"
	"time"
)

// handleHealth pings both storage tiers. The service stays "degraded" rather
// than unhealthy when only the cache is down, since sessions still work
// through the durable store.
// GET /health
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	cache := "ok"
	if h.cachePing != nil {
		if err := h.cachePing.Ping(ctx); err != nil {
			cache = "unreachable"
		}
	}
	store := "ok"
	if h.storePing != nil {
		if err := h.storePing.Ping(ctx); err != nil {
			store = "unreachable"
		}
	}

	status := "ok"
	code := http.StatusOK
	switch {
	case store != "ok":
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	case cache != "ok":
		status = "degraded"
	}

	writeJSON(w, code, map[string]string{
		"status":   status,
		"cache":    cache,
		"database": store,
	})
}

package httpapi

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// handlePaperSearch exposes the catalog lookup directly, bypassing the
// orchestration pipeline.
// GET /papers/search?q=<query>&limit=N
func (h *Handler) handlePaperSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}

	limit := 10
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 100 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}

	_, papers, err := h.searcher.Retrieve(r.Context(), query, limit)
	if err != nil {
		h.logger.Error("Catalog search failed", zap.String("query", query), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "catalog search failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"query":  query,
		"count":  len(papers),
		"papers": papers,
	})
}

package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opentalab/paperchat/internal/agent"
	"github.com/opentalab/paperchat/internal/metrics"
	"github.com/opentalab/paperchat/internal/streaming"
)

const streamBuffer = 256

func decodeChatRequest(w http.ResponseWriter, r *http.Request) (agent.Request, bool) {
	var req agent.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if req.Question == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return req, false
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.New().String()
	}
	return req, true
}

// handleChatStream answers one question over SSE. Events arrive in pipeline
// order and the stream always ends with the [DONE] sentinel, error or not.
// POST /chat/stream
func (h *Handler) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	metrics.ChatStreamsStarted.WithLabelValues("sse").Inc()
	start := time.Now()
	defer func() { metrics.ChatStreamDuration.Observe(time.Since(start).Seconds()) }()

	fmt.Fprintf(w, ": connected to conversation %s\n\n", req.ConversationID)
	flusher.Flush()

	stream := streaming.New(streamBuffer)
	go h.engine.Run(r.Context(), req, stream)

	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()

	// done is nilled out after the first disconnect so the select stops
	// spinning on it while the drain continues.
	done := r.Context().Done()
	disconnected := false
	for {
		select {
		case frame, open := <-stream.Frames():
			if !open {
				if !disconnected {
					fmt.Fprint(w, "data: [DONE]\n\n")
					flusher.Flush()
				}
				return
			}
			if disconnected {
				continue
			}
			fmt.Fprintf(w, "id: %d\ndata: %s\n\n", frame.Seq, frame.Data)
			flusher.Flush()
		case <-hb.C:
			if !disconnected {
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			}
		case <-done:
			// Keep draining so the pipeline never blocks on a dead client.
			h.logger.Info("SSE client disconnected",
				zap.String("conversation_id", req.ConversationID))
			disconnected = true
			done = nil
		}
	}
}

// handleChat answers one question synchronously.
// POST /chat
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}

	metrics.ChatStreamsStarted.WithLabelValues("sync").Inc()
	result := h.engine.Answer(r.Context(), req)
	if result.Error != "" {
		writeError(w, http.StatusBadGateway, result.Error)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		ConversationID string `json:"conversation_id"`
		agent.ChatResult
	}{ConversationID: req.ConversationID, ChatResult: result})
}

// handleHistory returns conversation metadata plus its most recent turns.
// GET /conversations/{id}/history?limit=N
func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	conv, err := h.store.GetConversation(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}

	turns, err := h.history.GetHistory(r.Context(), id, limit, false)
	if err != nil {
		h.logger.Error("History read failed", zap.String("conversation_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"conversation": conv,
		"turns":        turns,
	})
}

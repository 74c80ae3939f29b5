package httpapi

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/opentalab/paperchat/internal/agent"
	"github.com/opentalab/paperchat/internal/metrics"
	"github.com/opentalab/paperchat/internal/streaming"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // secure via proxy in prod
}

// handleChatWS mirrors the SSE stream over a WebSocket: the client sends one
// request message, receives the event frames in order, then a [DONE] text
// frame before the connection closes.
// GET /chat/ws
func (h *Handler) handleChatWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadLimit(64 * 1024)
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))

	var req agent.Request
	if err := conn.ReadJSON(&req); err != nil || req.Question == "" {
		_ = conn.WriteJSON(map[string]string{"type": "error", "content": "question is required"})
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.New().String()
	}

	metrics.ChatStreamsStarted.WithLabelValues("websocket").Inc()
	start := time.Now()
	defer func() { metrics.ChatStreamDuration.Observe(time.Since(start).Seconds()) }()

	stream := streaming.New(streamBuffer)
	go h.engine.Run(r.Context(), req, stream)

	// Reader pump: surface client disconnects, discard payloads.
	conn.SetReadDeadline(time.Time{})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case frame, open := <-stream.Frames():
			if !open {
				_ = conn.WriteMessage(websocket.TextMessage, []byte("[DONE]"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame.Data); err != nil {
				h.logger.Info("WebSocket client disconnected",
					zap.String("conversation_id", req.ConversationID))
				// Drain so the pipeline can finish and persist the turn.
				for range stream.Frames() {
				}
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				for range stream.Frames() {
				}
				return
			}
		}
	}
}

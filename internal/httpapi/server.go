package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/opentalab/paperchat/internal/agent"
	"github.com/opentalab/paperchat/internal/models"
	"github.com/opentalab/paperchat/internal/streaming"
)

// Engine runs one question-answering session.
type Engine interface {
	Run(ctx context.Context, req agent.Request, stream *streaming.Stream)
	Answer(ctx context.Context, req agent.Request) agent.ChatResult
}

// HistoryReader serves stored conversation turns.
type HistoryReader interface {
	GetHistory(ctx context.Context, conversationID string, limit int, incognito bool) ([]models.Turn, error)
}

// ConversationStore serves conversation metadata.
type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
}

// Pinger reports backend reachability for health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Searcher runs a direct catalog lookup.
type Searcher interface {
	Retrieve(ctx context.Context, query string, topK int) (string, []models.Paper, error)
}

// Handler wires the HTTP surface: streaming chat over SSE and WebSocket, a
// blocking chat endpoint, history reads, catalog search, and health.
type Handler struct {
	engine    Engine
	history   HistoryReader
	store     ConversationStore
	searcher  Searcher
	cachePing Pinger
	storePing Pinger
	logger    *zap.Logger
}

// Config collects the handler's collaborators.
type Config struct {
	Engine    Engine
	History   HistoryReader
	Store     ConversationStore
	Searcher  Searcher
	CachePing Pinger
	StorePing Pinger
}

// NewHandler builds the HTTP handler.
func NewHandler(cfg Config, logger *zap.Logger) *Handler {
	return &Handler{
		engine:    cfg.Engine,
		history:   cfg.History,
		store:     cfg.Store,
		searcher:  cfg.Searcher,
		cachePing: cfg.CachePing,
		storePing: cfg.StorePing,
		logger:    logger,
	}
}

// Routes registers all endpoints on a fresh mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat/stream", h.handleChatStream)
	mux.HandleFunc("POST /chat", h.handleChat)
	mux.HandleFunc("GET /chat/ws", h.handleChatWS)
	mux.HandleFunc("GET /conversations/{id}/history", h.handleHistory)
	mux.HandleFunc("GET /papers/search", h.handlePaperSearch)
	mux.HandleFunc("GET /health", h.handleHealth)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

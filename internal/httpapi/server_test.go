package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/opentalab/paperchat/internal/agent"
	"github.com/opentalab/paperchat/internal/models"
	"github.com/opentalab/paperchat/internal/streaming"
)

type fakeEngine struct {
	events []any
	result agent.ChatResult
}

func (e *fakeEngine) Run(ctx context.Context, req agent.Request, stream *streaming.Stream) {
	defer stream.Close()
	for _, ev := range e.events {
		stream.Send(ev)
	}
}

func (e *fakeEngine) Answer(ctx context.Context, req agent.Request) agent.ChatResult {
	return e.result
}

type fakeHistory struct {
	turns []models.Turn
	err   error
}

func (f *fakeHistory) GetHistory(ctx context.Context, id string, limit int, incognito bool) ([]models.Turn, error) {
	return f.turns, f.err
}

type fakeStore struct {
	conv *models.Conversation
	err  error
}

func (f *fakeStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	return f.conv, f.err
}

type fakeSearcher struct {
	papers []models.Paper
	err    error
}

func (f *fakeSearcher) Retrieve(ctx context.Context, query string, topK int) (string, []models.Paper, error) {
	return "", f.papers, f.err
}

type fakePinger struct{ err error }

func (f *fakePinger) Ping(ctx context.Context) error { return f.err }

func newTestHandler(cfg Config) *Handler {
	return NewHandler(cfg, zap.NewNop())
}

func decodeBody(resp *http.Response, v any) error {
	return json.NewDecoder(resp.Body).Decode(v)
}

func TestChatStreamEndsWithDoneSentinel(t *testing.T) {
	engine := &fakeEngine{events: []any{
		map[string]string{"type": "status", "step": "intake", "message": "Reading"},
		map[string]string{"type": "token", "content": "Hello"},
		map[string]any{"type": "done", "content": "Hello", "sources": []any{}},
	}}
	h := newTestHandler(Config{Engine: engine})

	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/chat/stream", "application/json",
		strings.NewReader(`{"question":"Hi"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body := make([]byte, 0, 4096)
	buf := make([]byte, 512)
	for {
		n, err := resp.Body.Read(buf)
		body = append(body, buf[:n]...)
		if err != nil {
			break
		}
	}
	text := string(body)

	assert.Contains(t, text, `"type":"status"`)
	assert.Contains(t, text, `"type":"token"`)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(text), "data: [DONE]"),
		"stream must end with the [DONE] sentinel, got:\n%s", text)

	// Event data lines appear in emission order.
	statusIdx := strings.Index(text, `"type":"status"`)
	tokenIdx := strings.Index(text, `"type":"token"`)
	doneIdx := strings.Index(text, `"type":"done"`)
	assert.Less(t, statusIdx, tokenIdx)
	assert.Less(t, tokenIdx, doneIdx)
}

// slowEngine keeps producing after a pause, standing in for LLM latency
// that outlives a client connection.
type slowEngine struct {
	finished chan struct{}
}

func (e *slowEngine) Run(ctx context.Context, req agent.Request, stream *streaming.Stream) {
	defer close(e.finished)
	defer stream.Close()
	stream.Send(map[string]string{"type": "token", "content": "first"})
	time.Sleep(500 * time.Millisecond)
	stream.Send(map[string]string{"type": "token", "content": "second"})
}

func (e *slowEngine) Answer(ctx context.Context, req agent.Request) agent.ChatResult {
	return agent.ChatResult{}
}

func TestChatStreamDisconnectLogsOnceAndDrains(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	engine := &slowEngine{finished: make(chan struct{})}
	h := NewHandler(Config{Engine: engine}, zap.New(core))
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/chat/stream",
		strings.NewReader(`{"question":"Hi"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	// Read the first frame, then drop the connection mid-pipeline.
	buf := make([]byte, 512)
	_, err = resp.Body.Read(buf)
	require.NoError(t, err)
	cancel()
	resp.Body.Close()

	select {
	case <-engine.finished:
	case <-time.After(3 * time.Second):
		t.Fatal("pipeline blocked after client disconnect")
	}

	// The handler notices the disconnect exactly once, not per iteration.
	assert.Eventually(t, func() bool {
		return logs.FilterMessage("SSE client disconnected").Len() >= 1
	}, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, logs.FilterMessage("SSE client disconnected").Len())
}

func TestChatStreamRejectsEmptyQuestion(t *testing.T) {
	h := newTestHandler(Config{Engine: &fakeEngine{}})
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/chat/stream", "application/json",
		strings.NewReader(`{"question":""}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatSyncReturnsAggregatedResult(t *testing.T) {
	engine := &fakeEngine{result: agent.ChatResult{
		Answer: "Answer [1].",
		Sources: []models.CitedPaper{
			{ID: "catalog_1", Title: "First", CitationNumber: 1},
		},
		Title: "First chat",
	}}
	h := newTestHandler(Config{Engine: engine})
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/chat", "application/json",
		strings.NewReader(`{"question":"What?","conversation_id":"c1"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got struct {
		ConversationID string              `json:"conversation_id"`
		Answer         string              `json:"answer"`
		Sources        []models.CitedPaper `json:"sources"`
		Title          string              `json:"title"`
	}
	require.NoError(t, decodeBody(resp, &got))
	assert.Equal(t, "c1", got.ConversationID)
	assert.Equal(t, "Answer [1].", got.Answer)
	require.Len(t, got.Sources, 1)
	assert.Equal(t, "First chat", got.Title)
}

func TestChatSyncSurfacesEngineError(t *testing.T) {
	engine := &fakeEngine{result: agent.ChatResult{Error: "model exploded"}}
	h := newTestHandler(Config{Engine: engine})
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/chat", "application/json",
		strings.NewReader(`{"question":"What?"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestHistoryEndpoint(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	h := newTestHandler(Config{
		History: &fakeHistory{turns: []models.Turn{
			{Question: "Q1", Answer: "A1", Timestamp: now},
		}},
		Store: &fakeStore{conv: &models.Conversation{ID: "c1", Title: "First chat"}},
	})
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/conversations/c1/history?limit=5")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got struct {
		Conversation models.Conversation `json:"conversation"`
		Turns        []models.Turn       `json:"turns"`
	}
	require.NoError(t, decodeBody(resp, &got))
	assert.Equal(t, "First chat", got.Conversation.Title)
	require.Len(t, got.Turns, 1)
	assert.Equal(t, "Q1", got.Turns[0].Question)
}

func TestHistoryUnknownConversationIs404(t *testing.T) {
	h := newTestHandler(Config{
		History: &fakeHistory{},
		Store:   &fakeStore{err: errors.New("conversation not found")},
	})
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/conversations/missing/history")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPaperSearch(t *testing.T) {
	h := newTestHandler(Config{Searcher: &fakeSearcher{papers: []models.Paper{
		{ID: "catalog_1", Title: "First", RelevanceScore: 3.0},
	}}})
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/papers/search?q=transformers&limit=5")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got struct {
		Query  string         `json:"query"`
		Count  int            `json:"count"`
		Papers []models.Paper `json:"papers"`
	}
	require.NoError(t, decodeBody(resp, &got))
	assert.Equal(t, 1, got.Count)
	assert.Equal(t, "catalog_1", got.Papers[0].ID)
}

func TestHealthDegradedWhenCacheDown(t *testing.T) {
	h := newTestHandler(Config{
		CachePing: &fakePinger{err: errors.New("down")},
		StorePing: &fakePinger{},
	})
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got map[string]string
	require.NoError(t, decodeBody(resp, &got))
	assert.Equal(t, "degraded", got["status"])
	assert.Equal(t, "unreachable", got["cache"])
}

func TestChatWSStreamsAndTerminates(t *testing.T) {
	engine := &fakeEngine{events: []any{
		map[string]string{"type": "token", "content": "Hello"},
		map[string]any{"type": "done", "content": "Hello", "sources": []any{}},
	}}
	h := newTestHandler(Config{Engine: engine})
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"question": "Hi"}))

	var got []string
	for {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		if string(msg) == "[DONE]" {
			break
		}
		var ev map[string]any
		require.NoError(t, json.Unmarshal(msg, &ev))
		got = append(got, ev["type"].(string))
	}
	assert.Equal(t, []string{"token", "done"}, got)
}

func TestHealthUnhealthyWhenStoreDown(t *testing.T) {
	h := newTestHandler(Config{
		CachePing: &fakePinger{},
		StorePing: &fakePinger{err: errors.New("down")},
	})
	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opentalab/paperchat/internal/catalog"
	"github.com/opentalab/paperchat/internal/llm"
	"github.com/opentalab/paperchat/internal/models"
	"github.com/opentalab/paperchat/internal/streaming"
)

type streamScript struct {
	tokens []string
	out    any
	err    error
}

// fakeInvoker replays scripted replies per task name, in push order. A
// scripted error value is returned as the call's error.
type fakeInvoker struct {
	mu      sync.Mutex
	calls   []string
	replies map[string][]any
	streams map[string][]streamScript
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{
		replies: make(map[string][]any),
		streams: make(map[string][]streamScript),
	}
}

func (f *fakeInvoker) on(task string, out any) {
	f.replies[task] = append(f.replies[task], out)
}

func (f *fakeInvoker) onStream(task string, s streamScript) {
	f.streams[task] = append(f.streams[task], s)
}

func (f *fakeInvoker) Invoke(ctx context.Context, task llm.Task, inputs, outputs any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, task.Name)
	q := f.replies[task.Name]
	if len(q) == 0 {
		return fmt.Errorf("no scripted reply for %s", task.Name)
	}
	v := q[0]
	f.replies[task.Name] = q[1:]
	if err, ok := v.(error); ok {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, outputs)
}

func (f *fakeInvoker) Stream(ctx context.Context, task llm.Task, inputs any, onToken func(string) error, outputs any) error {
	f.mu.Lock()
	f.calls = append(f.calls, task.Name)
	q := f.streams[task.Name]
	if len(q) == 0 {
		f.mu.Unlock()
		return fmt.Errorf("no scripted stream for %s", task.Name)
	}
	s := q[0]
	f.streams[task.Name] = q[1:]
	f.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	for _, tok := range s.tokens {
		if err := onToken(tok); err != nil {
			return err
		}
	}
	data, err := json.Marshal(s.out)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, outputs)
}

func (f *fakeInvoker) callCount(task string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == task {
			n++
		}
	}
	return n
}

type fakeRetriever struct {
	mu      sync.Mutex
	results map[string][]models.Paper
	queries []string
}

func newFakeRetriever() *fakeRetriever {
	return &fakeRetriever{results: make(map[string][]models.Paper)}
}

func (r *fakeRetriever) Retrieve(ctx context.Context, query string, topK int) (string, []models.Paper, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, query)
	papers := r.results[query]
	return catalog.FormatContext(papers), papers, nil
}

type addedTurn struct {
	ConversationID string
	Turn           models.Turn
	Title          string
	Incognito      bool
}

type fakeSessions struct {
	history []models.Turn
	histErr error
	added   chan addedTurn
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{added: make(chan addedTurn, 4)}
}

func (s *fakeSessions) GetHistory(ctx context.Context, id string, limit int, incognito bool) ([]models.Turn, error) {
	if incognito {
		return nil, nil
	}
	return s.history, s.histErr
}

func (s *fakeSessions) AddTurn(ctx context.Context, id string, turn models.Turn, title string, incognito bool) {
	s.added <- addedTurn{ConversationID: id, Turn: turn, Title: title, Incognito: incognito}
}

func waitAdded(t *testing.T, s *fakeSessions) addedTurn {
	t.Helper()
	select {
	case a := <-s.added:
		return a
	case <-time.After(time.Second):
		t.Fatal("turn was never persisted")
		return addedTurn{}
	}
}

func newTestOrchestrator(inv *fakeInvoker, ret *fakeRetriever, sess *fakeSessions) *Orchestrator {
	return New(inv, ret, sess, DefaultTasks(), Options{TopK: 5}, zap.NewNop())
}

func paper(n int, title string) models.Paper {
	return models.Paper{
		ID:      fmt.Sprintf("catalog_%d", n),
		Title:   title,
		Authors: []string{"A. Author"},
		Year:    2024,
	}
}

// runAndCollect runs the session to completion, then decodes the emitted
// events in order.
func runAndCollect(t *testing.T, o *Orchestrator, req Request) []map[string]any {
	t.Helper()
	stream := streaming.New(256)
	o.Run(context.Background(), req, stream)

	var events []map[string]any
	for frame := range stream.Frames() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(frame.Data, &m))
		events = append(events, m)
	}
	return events
}

func eventTypes(events []map[string]any) []string {
	types := make([]string, 0, len(events))
	for _, e := range events {
		types = append(types, e["type"].(string))
	}
	return types
}

func firstOfType(events []map[string]any, typ string) map[string]any {
	for _, e := range events {
		if e["type"] == typ {
			return e
		}
	}
	return nil
}

func TestResearchPathEventOrder(t *testing.T) {
	inv := newFakeInvoker()
	inv.on("classify_intent", classifyOutputs{Category: "research"})
	inv.on("generate_query", queryOutputs{SearchQuery: "transformer models"})
	inv.onStream("think", streamScript{tokens: []string{"Looking", " at papers."}, out: thinkOutputs{Thought: "ok"}})
	inv.onStream("think", streamScript{tokens: []string{"Synthesizing."}, out: thinkOutputs{Thought: "ok"}})
	inv.onStream("answer", streamScript{
		tokens: []string{"Transformers", " dominate [1]."},
		out:    answerOutputs{Answer: "Transformers dominate [1].", SourceIDs: []string{"catalog_1"}},
	})
	inv.on("detect_gap", gapOutputs{Verdict: "complete"})
	inv.on("title", titleOutputs{Title: "Transformer models"})

	ret := newFakeRetriever()
	ret.results["transformer models"] = []models.Paper{paper(1, "Attention Is All You Need"), paper(2, "BERT")}

	sess := newFakeSessions()
	o := newTestOrchestrator(inv, ret, sess)

	// Short question: static two-step plan, no planner call.
	events := runAndCollect(t, o, Request{ConversationID: "c1", Question: "What about transformers?"})

	types := eventTypes(events)
	assert.Equal(t, []string{
		"status", "status", "plan",
		"step_start", "step_action", "step_action_result",
		"step_thinking", "step_thinking", "step_done",
		"step_start", "step_thinking", "step_done",
		"answer_start", "token", "token", "done",
		"citation_audit", "title",
	}, types)

	done := firstOfType(events, "done")
	assert.Equal(t, "Transformers dominate [1].", done["content"])

	audit := firstOfType(events, "citation_audit")
	assert.Equal(t, true, audit["is_clean"])

	assert.Zero(t, inv.callCount("plan"))

	added := waitAdded(t, sess)
	assert.Equal(t, "c1", added.ConversationID)
	assert.Equal(t, "transformer models", added.Turn.SearchQuery)
	assert.Equal(t, "Transformer models", added.Title)
	require.Len(t, added.Turn.Sources, 1)
	assert.Equal(t, "catalog_1", added.Turn.Sources[0].ID)
}

func TestGeneralPathSkipsPlanAndRetrieval(t *testing.T) {
	inv := newFakeInvoker()
	inv.on("classify_intent", classifyOutputs{Category: "general"})
	inv.on("generate_query", queryOutputs{SearchQuery: "discarded"})
	inv.onStream("answer_general", streamScript{
		tokens: []string{"Hello", " there!"},
		out:    generalAnswerOutputs{Answer: "Hello there!"},
	})
	inv.on("title", titleOutputs{Title: "Greeting"})

	ret := newFakeRetriever()
	sess := newFakeSessions()
	o := newTestOrchestrator(inv, ret, sess)

	events := runAndCollect(t, o, Request{ConversationID: "c1", Question: "Hi"})

	types := eventTypes(events)
	assert.NotContains(t, types, "plan")
	assert.NotContains(t, types, "step_start")
	assert.Contains(t, types, "citation_audit")
	assert.Equal(t, "title", types[len(types)-1])
	assert.Empty(t, ret.queries)

	done := firstOfType(events, "done")
	assert.Equal(t, "Hello there!", done["content"])
	assert.Empty(t, done["sources"])

	waitAdded(t, sess)
}

func TestClassifierFailureFailsOpenToResearch(t *testing.T) {
	inv := newFakeInvoker()
	inv.on("classify_intent", errors.New("model unavailable"))
	inv.on("generate_query", queryOutputs{SearchQuery: "anything"})
	inv.onStream("think", streamScript{out: thinkOutputs{}})
	inv.onStream("think", streamScript{out: thinkOutputs{}})
	inv.onStream("answer", streamScript{out: answerOutputs{Answer: "No papers matched."}})
	inv.on("detect_gap", gapOutputs{Verdict: "complete"})
	inv.on("title", titleOutputs{Title: "t"})

	ret := newFakeRetriever()
	ret.results["anything"] = []models.Paper{paper(1, "P")}
	sess := newFakeSessions()
	o := newTestOrchestrator(inv, ret, sess)

	events := runAndCollect(t, o, Request{ConversationID: "c1", Question: "Tell me something"})
	assert.Contains(t, eventTypes(events), "plan")
	waitAdded(t, sess)
}

func TestZeroResultsReformulatesExactlyOnce(t *testing.T) {
	inv := newFakeInvoker()
	inv.on("classify_intent", classifyOutputs{Category: "research"})
	inv.on("generate_query", queryOutputs{SearchQuery: "narrow query"})
	// First detect_gap call reformulates the empty search; the second is the
	// post-answer gap check.
	inv.on("detect_gap", gapOutputs{GapQuery: "broader query"})
	inv.on("detect_gap", gapOutputs{Verdict: "complete"})
	inv.onStream("think", streamScript{out: thinkOutputs{}})
	inv.onStream("think", streamScript{out: thinkOutputs{}})
	inv.onStream("answer", streamScript{
		out: answerOutputs{Answer: "Found one [1].", SourceIDs: []string{"catalog_3"}},
	})
	inv.on("title", titleOutputs{Title: "t"})

	ret := newFakeRetriever()
	ret.results["broader query"] = []models.Paper{paper(3, "Broad Paper")}
	sess := newFakeSessions()
	o := newTestOrchestrator(inv, ret, sess)

	events := runAndCollect(t, o, Request{ConversationID: "c1", Question: "What about obscurities?"})

	assert.Equal(t, []string{"narrow query", "broader query"}, ret.queries)

	var actions []string
	for _, e := range events {
		if e["type"] == "step_action" {
			actions = append(actions, e["action"].(string))
		}
	}
	assert.Equal(t, []string{"search", "reformulate_search"}, actions)

	result := firstOfType(events, "step_action_result")
	assert.Equal(t, float64(1), result["paper_count"])

	added := waitAdded(t, sess)
	assert.Equal(t, "broader query", added.Turn.SearchQuery)
}

func TestRefinementRunsOnceAndSupersedesAnswer(t *testing.T) {
	inv := newFakeInvoker()
	inv.on("classify_intent", classifyOutputs{Category: "research"})
	inv.on("generate_query", queryOutputs{SearchQuery: "topic"})
	inv.onStream("think", streamScript{out: thinkOutputs{}})
	inv.onStream("think", streamScript{out: thinkOutputs{}})
	inv.onStream("answer", streamScript{
		tokens: []string{"Partial."},
		out:    answerOutputs{Answer: "Partial [1].", SourceIDs: []string{"catalog_1"}},
	})
	inv.on("detect_gap", gapOutputs{Verdict: "partial", GapQuery: "missing angle"})
	inv.onStream("answer", streamScript{
		tokens: []string{"Complete", " now."},
		out:    answerOutputs{Answer: "Complete now [1,2].", SourceIDs: []string{"catalog_1", "catalog_9"}},
	})
	inv.on("title", titleOutputs{Title: "t"})

	ret := newFakeRetriever()
	ret.results["topic"] = []models.Paper{paper(1, "First")}
	ret.results["missing angle"] = []models.Paper{paper(9, "Second"), paper(1, "First")}
	sess := newFakeSessions()
	o := newTestOrchestrator(inv, ret, sess)

	events := runAndCollect(t, o, Request{ConversationID: "c1", Question: "What about topics?"})
	types := eventTypes(events)

	di := -1
	for i, typ := range types {
		if typ == "done" {
			di = i
		}
	}
	require.GreaterOrEqual(t, di, 0)
	assert.Equal(t, []string{
		"refinement_start", "refinement_search",
		"refinement_token", "refinement_token", "refinement_done",
	}, types[di+2:di+7])

	search := firstOfType(events, "refinement_search")
	// Only the unseen paper merges into the candidate set.
	assert.Equal(t, float64(1), search["paper_count"])

	added := waitAdded(t, sess)
	assert.Equal(t, "Complete now [1,2].", added.Turn.Answer)
	require.Len(t, added.Turn.Sources, 2)
	assert.Equal(t, "catalog_9", added.Turn.Sources[1].ID)

	assert.Equal(t, 2, inv.callCount("detect_gap"))
}

func TestRefinementFailureKeepsOriginalAnswer(t *testing.T) {
	inv := newFakeInvoker()
	inv.on("classify_intent", classifyOutputs{Category: "research"})
	inv.on("generate_query", queryOutputs{SearchQuery: "topic"})
	inv.onStream("think", streamScript{out: thinkOutputs{}})
	inv.onStream("think", streamScript{out: thinkOutputs{}})
	inv.onStream("answer", streamScript{
		out: answerOutputs{Answer: "Original [1].", SourceIDs: []string{"catalog_1"}},
	})
	inv.on("detect_gap", gapOutputs{Verdict: "partial", GapQuery: "more"})
	inv.onStream("answer", streamScript{err: errors.New("stream broke")})
	inv.on("title", titleOutputs{Title: "t"})

	ret := newFakeRetriever()
	ret.results["topic"] = []models.Paper{paper(1, "First")}
	sess := newFakeSessions()
	o := newTestOrchestrator(inv, ret, sess)

	events := runAndCollect(t, o, Request{ConversationID: "c1", Question: "What about topics?"})

	assert.NotContains(t, eventTypes(events), "refinement_done")
	assert.NotContains(t, eventTypes(events), "error")

	added := waitAdded(t, sess)
	assert.Equal(t, "Original [1].", added.Turn.Answer)
}

func TestTitleOnlyOnFirstTurn(t *testing.T) {
	inv := newFakeInvoker()
	inv.on("classify_intent", classifyOutputs{Category: "general"})
	inv.on("generate_query", queryOutputs{})
	inv.onStream("answer_general", streamScript{out: generalAnswerOutputs{Answer: "Hi again."}})

	sess := newFakeSessions()
	sess.history = []models.Turn{{Question: "earlier", Answer: "earlier answer"}}
	o := newTestOrchestrator(inv, newFakeRetriever(), sess)

	events := runAndCollect(t, o, Request{ConversationID: "c1", Question: "Hi"})
	assert.NotContains(t, eventTypes(events), "title")
	assert.Zero(t, inv.callCount("title"))

	added := waitAdded(t, sess)
	assert.Empty(t, added.Title)
}

func TestHistoryLoadFailureSkipsTitle(t *testing.T) {
	inv := newFakeInvoker()
	inv.on("classify_intent", classifyOutputs{Category: "general"})
	inv.on("generate_query", queryOutputs{})
	inv.onStream("answer_general", streamScript{out: generalAnswerOutputs{Answer: "Hello."}})

	// An unreachable history store must not make an existing conversation
	// look new and earn a second title.
	sess := newFakeSessions()
	sess.histErr = errors.New("store down")
	o := newTestOrchestrator(inv, newFakeRetriever(), sess)

	events := runAndCollect(t, o, Request{ConversationID: "c1", Question: "Hi"})
	assert.NotContains(t, eventTypes(events), "title")
	assert.NotContains(t, eventTypes(events), "error")
	assert.Zero(t, inv.callCount("title"))

	added := waitAdded(t, sess)
	assert.Empty(t, added.Title)
	assert.Equal(t, "Hello.", added.Turn.Answer)
}

func TestIncognitoSkipsTitleAndMarksTurn(t *testing.T) {
	inv := newFakeInvoker()
	inv.on("classify_intent", classifyOutputs{Category: "general"})
	inv.on("generate_query", queryOutputs{})
	inv.onStream("answer_general", streamScript{out: generalAnswerOutputs{Answer: "Hello."}})

	sess := newFakeSessions()
	o := newTestOrchestrator(inv, newFakeRetriever(), sess)

	events := runAndCollect(t, o, Request{ConversationID: "ghost", Question: "Hi", Incognito: true})
	assert.NotContains(t, eventTypes(events), "title")

	added := waitAdded(t, sess)
	assert.True(t, added.Incognito)
	assert.Empty(t, added.Title)
}

func TestGenerationFailureEmitsSingleErrorEvent(t *testing.T) {
	inv := newFakeInvoker()
	inv.on("classify_intent", classifyOutputs{Category: "general"})
	inv.on("generate_query", queryOutputs{})
	inv.onStream("answer_general", streamScript{err: errors.New("model exploded")})

	o := newTestOrchestrator(inv, newFakeRetriever(), newFakeSessions())

	events := runAndCollect(t, o, Request{ConversationID: "c1", Question: "Hi"})
	types := eventTypes(events)
	assert.Equal(t, "error", types[len(types)-1])

	errCount := 0
	for _, typ := range types {
		if typ == "error" {
			errCount++
		}
	}
	assert.Equal(t, 1, errCount)
}

func TestTitleFallbackOnModelFailure(t *testing.T) {
	inv := newFakeInvoker()
	inv.on("classify_intent", classifyOutputs{Category: "general"})
	inv.on("generate_query", queryOutputs{})
	inv.onStream("answer_general", streamScript{out: generalAnswerOutputs{Answer: "Hello."}})
	inv.on("title", errors.New("title model down"))

	sess := newFakeSessions()
	o := newTestOrchestrator(inv, newFakeRetriever(), sess)

	question := "What are the principal differences between convolutional and attention based architectures for document ranking"
	events := runAndCollect(t, o, Request{ConversationID: "c1", Question: question})

	title := firstOfType(events, "title")
	require.NotNil(t, title)
	content := title["content"].(string)
	assert.True(t, len(content) <= titleMaxLen+len("…"))
	assert.Contains(t, content, "…")

	added := waitAdded(t, sess)
	assert.Equal(t, content, added.Title)
}

func TestAnswerAggregatesStream(t *testing.T) {
	inv := newFakeInvoker()
	inv.on("classify_intent", classifyOutputs{Category: "research"})
	inv.on("generate_query", queryOutputs{SearchQuery: "topic"})
	inv.onStream("think", streamScript{out: thinkOutputs{}})
	inv.onStream("think", streamScript{out: thinkOutputs{}})
	inv.onStream("answer", streamScript{
		out: answerOutputs{Answer: "Answer [1].", SourceIDs: []string{"catalog_1"}},
	})
	inv.on("detect_gap", gapOutputs{Verdict: "complete"})
	inv.on("title", titleOutputs{Title: "Topic chat"})

	ret := newFakeRetriever()
	ret.results["topic"] = []models.Paper{paper(1, "First")}
	sess := newFakeSessions()
	o := newTestOrchestrator(inv, ret, sess)

	result := o.Answer(context.Background(), Request{ConversationID: "c1", Question: "What about topics?"})
	assert.Equal(t, "Answer [1].", result.Answer)
	require.Len(t, result.Sources, 1)
	assert.Equal(t, 1, result.Sources[0].CitationNumber)
	require.NotNil(t, result.Audit)
	assert.True(t, result.Audit.IsClean)
	assert.Equal(t, "Topic chat", result.Title)
	assert.Empty(t, result.Error)
	waitAdded(t, sess)
}

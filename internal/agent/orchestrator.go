package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/opentalab/paperchat/internal/catalog"
	"github.com/opentalab/paperchat/internal/llm"
	"github.com/opentalab/paperchat/internal/metrics"
	"github.com/opentalab/paperchat/internal/models"
	"github.com/opentalab/paperchat/internal/streaming"
)

// defaultHistoryLimit caps the turns handed to the answer task. This is a
// prompt size control, independent of how much history the stores retain.
const defaultHistoryLimit = 5

// Sessions is the slice of the session manager the orchestrator needs.
type Sessions interface {
	GetHistory(ctx context.Context, conversationID string, limit int, incognito bool) ([]models.Turn, error)
	AddTurn(ctx context.Context, conversationID string, turn models.Turn, title string, incognito bool)
}

// Request is one question to answer over a session stream.
type Request struct {
	ConversationID string `json:"conversation_id"`
	Question       string `json:"question"`
	Incognito      bool   `json:"incognito"`
}

// Options tunes per-session behavior.
type Options struct {
	TopK         int
	HistoryLimit int
}

// Orchestrator drives a single question-answering session from intake
// through answer streaming, citation audit, optional refinement, and
// detached persistence. One instance is shared across requests; all
// per-session state lives on the stack of Run.
type Orchestrator struct {
	llm          llm.Invoker
	retriever    catalog.Retriever
	sessions     Sessions
	tasks        Tasks
	logger       *zap.Logger
	topK         int
	historyLimit int
}

// New constructs the shared orchestrator.
func New(invoker llm.Invoker, retriever catalog.Retriever, sessions Sessions, tasks Tasks, opts Options, logger *zap.Logger) *Orchestrator {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	return &Orchestrator{
		llm:          invoker,
		retriever:    retriever,
		sessions:     sessions,
		tasks:        tasks,
		logger:       logger,
		topK:         opts.TopK,
		historyLimit: opts.HistoryLimit,
	}
}

// candidateSet accumulates retrieved papers across plan steps, de-duplicated
// by id but preserving retrieval order for context formatting.
type candidateSet struct {
	byID  map[string]models.Paper
	order []models.Paper
}

func newCandidateSet() *candidateSet {
	return &candidateSet{byID: make(map[string]models.Paper)}
}

// add returns how many of the given papers were new.
func (c *candidateSet) add(papers []models.Paper) int {
	added := 0
	for _, p := range papers {
		if _, seen := c.byID[p.ID]; seen {
			continue
		}
		c.byID[p.ID] = p
		c.order = append(c.order, p)
		added++
	}
	return added
}

// Run executes the full pipeline for one question, emitting events on the
// stream in strict program order. The stream is always closed on return;
// any failure without a local fallback becomes a single terminal error
// event. Partial output already emitted is never retracted.
func (o *Orchestrator) Run(ctx context.Context, req Request, stream *streaming.Stream) {
	defer stream.Close()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Orchestrator panic",
				zap.String("conversation_id", req.ConversationID),
				zap.Any("panic", r),
			)
			stream.Send(errorEvent{Type: "error", Content: "internal error"})
		}
	}()

	if err := o.run(ctx, req, stream); err != nil {
		o.logger.Error("Session failed",
			zap.String("conversation_id", req.ConversationID),
			zap.Error(err),
		)
		stream.Send(errorEvent{Type: "error", Content: err.Error()})
	}
}

func (o *Orchestrator) run(ctx context.Context, req Request, stream *streaming.Stream) error {
	stream.Send(status("intake", "Reading your question"))

	history, historyKnown := o.loadHistory(ctx, req)
	// Titling requires knowing the conversation is new; an unavailable
	// history must not retrigger it on a later turn.
	firstTurn := historyKnown && len(history) == 0

	// Classification and query pre-generation run speculatively in
	// parallel. The general branch cancels the query task; a late result
	// is discarded with it.
	queryCtx, cancelQuery := context.WithCancel(ctx)
	defer cancelQuery()
	classifyCh := o.classifyAsync(ctx, req.Question)
	queryCh := o.pregenQueryAsync(queryCtx, req.Question)

	isResearch := <-classifyCh
	if !isResearch {
		cancelQuery()
		return o.runGeneral(ctx, req, history, firstTurn, stream)
	}
	return o.runResearch(ctx, req, history, firstTurn, queryCh, stream)
}

// loadHistory degrades to an empty history rather than failing the session.
// The second return distinguishes a genuinely empty conversation from an
// unreachable store.
func (o *Orchestrator) loadHistory(ctx context.Context, req Request) ([]models.Turn, bool) {
	history, err := o.sessions.GetHistory(ctx, req.ConversationID, o.historyLimit, req.Incognito)
	if err != nil {
		o.logger.Warn("History load failed, continuing without history",
			zap.String("conversation_id", req.ConversationID),
			zap.Error(err),
		)
		return nil, false
	}
	return history, true
}

// classifyAsync resolves the question category. Classification failures
// fail open to the research path: a wasted search is cheaper than refusing
// to search when the user wanted one.
func (o *Orchestrator) classifyAsync(ctx context.Context, question string) <-chan bool {
	ch := make(chan bool, 1)
	go func() {
		var out classifyOutputs
		err := o.llm.Invoke(ctx, o.tasks.ClassifyIntent, classifyInputs{Question: question}, &out)
		if err != nil {
			o.logger.Warn("Intent classification failed, assuming research", zap.Error(err))
			out.Category = "research"
		}
		if out.Category != "general" {
			out.Category = "research"
		}
		metrics.IntentClassifications.WithLabelValues(out.Category).Inc()
		ch <- out.Category == "research"
	}()
	return ch
}

// pregenQueryAsync speculatively generates the first search query so the
// research path pays no extra latency for it. An empty result means the
// caller should fall back to the raw question.
func (o *Orchestrator) pregenQueryAsync(ctx context.Context, question string) <-chan string {
	ch := make(chan string, 1)
	go func() {
		var out queryOutputs
		if err := o.llm.Invoke(ctx, o.tasks.GenerateQuery, queryInputs{Question: question}, &out); err != nil {
			ch <- ""
			return
		}
		ch <- strings.TrimSpace(out.SearchQuery)
	}()
	return ch
}

func (o *Orchestrator) runGeneral(ctx context.Context, req Request, history []models.Turn, firstTurn bool, stream *streaming.Stream) error {
	stream.Send(status("answer", "Answering directly"))
	stream.Send(answerStartEvent{Type: "answer_start"})

	var out generalAnswerOutputs
	err := o.llm.Stream(ctx, o.tasks.GeneralAnswer,
		answerInputs{Question: req.Question, History: historyPrompt(history)},
		func(tok string) error {
			stream.Send(tokenEvent{Type: "token", Content: tok})
			return nil
		}, &out)
	if err != nil {
		return fmt.Errorf("generate answer: %w", err)
	}

	stream.Send(doneEvent{Type: "done", Content: out.Answer, Sources: []models.CitedPaper{}})
	o.emitAudit(stream, out.Answer, nil)
	o.finishTurn(ctx, req, firstTurn, models.Turn{Question: req.Question, Answer: out.Answer}, stream)
	return nil
}

func (o *Orchestrator) runResearch(ctx context.Context, req Request, history []models.Turn, firstTurn bool, queryCh <-chan string, stream *streaming.Stream) error {
	stream.Send(status("plan", "Planning the research"))
	plan := o.CreatePlan(ctx, req.Question, true)
	stream.Send(planEvent{Type: "plan", Steps: plan})

	candidates := newCandidateSet()
	searchQuery := ""
	usedPregen := false

	for _, step := range plan {
		stream.Send(stepStartEvent{
			Type:        "step_start",
			StepID:      step.ID,
			Title:       step.Title,
			Description: step.Description,
		})

		if step.NeedsSearch {
			query := o.stepQuery(ctx, req.Question, queryCh, &usedPregen)
			count, used := o.searchStep(ctx, step.ID, query, candidates, stream)
			stream.Send(stepActionResultEvent{
				Type:       "step_action_result",
				StepID:     step.ID,
				Action:     "search",
				PaperCount: count,
			})
			if searchQuery == "" {
				searchQuery = used
			}
		}

		o.thinkStep(ctx, req.Question, step, candidates, stream)
		stream.Send(stepDoneEvent{Type: "step_done", StepID: step.ID})
	}

	stream.Send(answerStartEvent{Type: "answer_start"})
	answer, sources, err := o.streamAnswer(ctx, req.Question, history, candidates, "token", stream)
	if err != nil {
		return fmt.Errorf("generate answer: %w", err)
	}
	stream.Send(doneEvent{Type: "done", Content: answer, Sources: sources})
	o.emitAudit(stream, answer, sources)

	answer, sources = o.maybeRefine(ctx, req.Question, answer, sources, history, candidates, stream)

	turn := models.Turn{
		Question:    req.Question,
		Answer:      answer,
		Sources:     sources,
		SearchQuery: searchQuery,
	}
	o.finishTurn(ctx, req, firstTurn, turn, stream)
	return nil
}

// stepQuery picks the search query for a step: the speculative pre-generated
// query for the first search step, a fresh generation for later ones.
func (o *Orchestrator) stepQuery(ctx context.Context, question string, queryCh <-chan string, usedPregen *bool) string {
	if !*usedPregen {
		*usedPregen = true
		select {
		case q := <-queryCh:
			if q != "" {
				return q
			}
		case <-ctx.Done():
		}
		return question
	}

	var out queryOutputs
	if err := o.llm.Invoke(ctx, o.tasks.GenerateQuery, queryInputs{Question: question}, &out); err != nil {
		o.logger.Warn("Query generation failed, searching with raw question", zap.Error(err))
		return question
	}
	if q := strings.TrimSpace(out.SearchQuery); q != "" {
		return q
	}
	return question
}

// searchStep retrieves papers for one step, reformulating the query exactly
// once when the first attempt comes back empty. Returns the count of newly
// added papers and the query that produced them.
func (o *Orchestrator) searchStep(ctx context.Context, stepID int, query string, candidates *candidateSet, stream *streaming.Stream) (int, string) {
	stream.Send(stepActionEvent{Type: "step_action", StepID: stepID, Action: "search", Query: query})

	papers := o.retrieve(ctx, query)
	if len(papers) == 0 {
		if broader := o.reformulate(ctx, query); broader != "" && broader != query {
			metrics.RetrievalReformulations.Inc()
			stream.Send(stepActionEvent{Type: "step_action", StepID: stepID, Action: "reformulate_search", Query: broader})
			papers = o.retrieve(ctx, broader)
			query = broader
		}
	}

	metrics.PapersRetrieved.Observe(float64(len(papers)))
	return candidates.add(papers), query
}

func (o *Orchestrator) retrieve(ctx context.Context, query string) []models.Paper {
	_, papers, err := o.retriever.Retrieve(ctx, query, o.topK)
	if err != nil {
		o.logger.Warn("Retrieval failed", zap.String("query", query), zap.Error(err))
		return nil
	}
	return papers
}

// reformulate asks the gap capability for a broader query after an empty
// retrieval. Empty string means give up on this search.
func (o *Orchestrator) reformulate(ctx context.Context, query string) string {
	var out gapOutputs
	err := o.llm.Invoke(ctx, o.tasks.DetectGap, gapInputs{
		Question: query,
		Answer:   "No papers were found in the catalog for this query.",
	}, &out)
	if err != nil {
		o.logger.Warn("Query reformulation failed", zap.Error(err))
		return ""
	}
	return strings.TrimSpace(out.GapQuery)
}

// thinkStep streams a short reasoning pass over everything gathered so far.
// Failures degrade to a skipped thought; the step still completes.
func (o *Orchestrator) thinkStep(ctx context.Context, question string, step models.PlanStep, candidates *candidateSet, stream *streaming.Stream) {
	var out thinkOutputs
	err := o.llm.Stream(ctx, o.tasks.Think, thinkInputs{
		Question:     question,
		StepTitle:    step.Title,
		StepGoal:     step.Description,
		PaperSummary: paperSummary(candidates.order),
	}, func(tok string) error {
		stream.Send(stepThinkingEvent{Type: "step_thinking", StepID: step.ID, Content: tok})
		return nil
	}, &out)
	if err != nil {
		o.logger.Warn("Step reasoning failed, skipping",
			zap.Int("step_id", step.ID),
			zap.Error(err),
		)
	}
}

// streamAnswer runs the answer task, emitting tokens under the given event
// type, and resolves the returned source ids into cited papers.
func (o *Orchestrator) streamAnswer(ctx context.Context, question string, history []models.Turn, candidates *candidateSet, tokenType string, stream *streaming.Stream) (string, []models.CitedPaper, error) {
	var out answerOutputs
	err := o.llm.Stream(ctx, o.tasks.Answer, answerInputs{
		Question: question,
		Context:  catalog.FormatContext(candidates.order),
		History:  historyPrompt(history),
	}, func(tok string) error {
		stream.Send(tokenEvent{Type: tokenType, Content: tok})
		return nil
	}, &out)
	if err != nil {
		return "", nil, err
	}
	return out.Answer, buildCitedPapers(out.SourceIDs, candidates.byID), nil
}

func (o *Orchestrator) emitAudit(stream *streaming.Stream, answer string, sources []models.CitedPaper) models.CitationAudit {
	audit := AuditCitations(answer, sources)
	result := "clean"
	if !audit.IsClean {
		result = "hallucinated"
		metrics.HallucinatedCitations.Add(float64(len(audit.HallucinatedCitationNumbers)))
	}
	metrics.CitationAudits.WithLabelValues(result).Inc()
	stream.Send(citationAuditEvent{
		Type:                        "citation_audit",
		IsClean:                     audit.IsClean,
		HallucinatedCitationNumbers: audit.HallucinatedCitationNumbers,
		TotalCitationsInAnswer:      audit.TotalCitationsInAnswer,
		TotalPapersAvailable:        audit.TotalPapersAvailable,
	})
	return audit
}

// finishTurn generates the first-turn title in-stream, then hands the turn
// to the session manager detached from the stream's lifetime.
func (o *Orchestrator) finishTurn(ctx context.Context, req Request, firstTurn bool, turn models.Turn, stream *streaming.Stream) {
	turn.Timestamp = time.Now().UTC()

	title := ""
	if firstTurn && !req.Incognito {
		title = o.generateTitle(ctx, turn.Question, turn.Answer)
		stream.Send(titleEvent{Type: "title", Content: title})
	}

	go func() {
		persistCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		o.sessions.AddTurn(persistCtx, req.ConversationID, turn, title, req.Incognito)
	}()
}

func historyPrompt(history []models.Turn) string {
	if len(history) == 0 {
		return ""
	}
	var b strings.Builder
	for _, t := range history {
		b.WriteString("User: ")
		b.WriteString(t.Question)
		b.WriteString("\nAssistant: ")
		b.WriteString(t.Answer)
		b.WriteString("\n")
	}
	return b.String()
}

// paperSummary renders the compact list handed to step reasoning.
func paperSummary(papers []models.Paper) string {
	if len(papers) == 0 {
		return "No papers retrieved yet."
	}
	var b strings.Builder
	b.WriteString("Retrieved papers:")
	for i, p := range papers {
		fmt.Fprintf(&b, "\n  %d. %s (%d)", i+1, p.Title, p.Year)
	}
	return b.String()
}

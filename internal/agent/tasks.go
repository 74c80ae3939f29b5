package agent

import (
	"github.com/opentalab/paperchat/internal/llm"
	"github.com/opentalab/paperchat/internal/models"
)

// One task per model capability. Inputs and outputs are fixed-shape structs;
// the prompt lives with the task, never at the call site.

var classifyIntentTask = llm.Task{
	Name: "classify_intent",
	SystemPrompt: `Classify the user's question about an academic paper catalog.
Categories:
- "research": asks about papers, topics, authors, findings, or anything answerable from the catalog.
- "general": greetings, small talk, questions about the assistant itself, or anything unrelated to the catalog.
Respond with JSON: {"category": "research"|"general", "reasoning": "<one sentence>"}.`,
	Cheap:       true,
	Temperature: 0.0,
}

type classifyInputs struct {
	Question string `json:"question"`
}

type classifyOutputs struct {
	Category  string `json:"category"`
	Reasoning string `json:"reasoning"`
}

var generateQueryTask = llm.Task{
	Name: "generate_query",
	SystemPrompt: `Convert the user's question into a compact catalog search query of 3-5 terms.
Keep topic nouns and technical terms, drop filler words.
Respond with JSON: {"search_query": "<terms>"}.`,
	Cheap:       true,
	Temperature: 0.0,
}

type queryInputs struct {
	Question string `json:"question"`
}

type queryOutputs struct {
	SearchQuery string `json:"search_query"`
}

var planTask = llm.Task{
	Name: "plan",
	SystemPrompt: `Build an ordered research plan for answering a question from a paper catalog.
Rules:
- 2 steps for a single-topic question: one search step, one synthesis step.
- 3 to 4 steps for comparative or multi-faceted questions. Never more than 4.
- Each step has a short imperative title (3-6 words), a one-sentence description, and needs_search.
Respond with JSON: {"steps": [{"id": 0, "title": "...", "description": "...", "needs_search": true}, ...]}.`,
	Temperature: 0.2,
}

type planInputs struct {
	Question string `json:"question"`
}

type planOutputs struct {
	Steps []models.PlanStep `json:"steps"`
}

var thinkTask = llm.Task{
	Name: "think",
	SystemPrompt: `You are working through one step of a research plan over a paper catalog.
Reason briefly about what the gathered papers contribute to this step. Two or three sentences.
Respond with JSON: {"thought": "<reasoning>"}.`,
	StreamField: "thought",
	Cheap:       true,
	Temperature: 0.3,
}

type thinkInputs struct {
	Question     string `json:"question"`
	StepTitle    string `json:"step_title"`
	StepGoal     string `json:"step_goal"`
	PaperSummary string `json:"paper_summary"`
}

type thinkOutputs struct {
	Thought string `json:"thought"`
}

var answerTask = llm.Task{
	Name: "answer",
	SystemPrompt: `Answer the user's question using the numbered papers in the context.
Cite papers inline with bracketed numbers matching the context, e.g. [1] or [1,2].
Only cite papers that actually support the claim. If the context is empty or
irrelevant, say so plainly instead of inventing sources.
Respond with JSON: {"answer": "<cited answer>", "source_ids": ["<paper id>", ...]}.
source_ids lists, in citation order, the ids of the papers you cited.`,
	StreamField: "answer",
	Temperature: 0.4,
}

type answerInputs struct {
	Question string `json:"question"`
	Context  string `json:"context"`
	History  string `json:"history,omitempty"`
}

type answerOutputs struct {
	Answer    string   `json:"answer"`
	SourceIDs []string `json:"source_ids"`
}

var generalAnswerTask = llm.Task{
	Name: "answer_general",
	SystemPrompt: `You are a friendly assistant for an academic paper catalog.
Answer the user's general question conversationally. Mention that you can
search the catalog when it is relevant. Do not invent papers or citations.
Respond with JSON: {"answer": "<reply>"}.`,
	StreamField: "answer",
	Cheap:       true,
	Temperature: 0.6,
}

type generalAnswerOutputs struct {
	Answer string `json:"answer"`
}

var detectGapTask = llm.Task{
	Name: "detect_gap",
	SystemPrompt: `Judge whether the answer fully covers the question.
Respond with JSON: {"verdict": "complete"|"partial", "gap_query": "<search terms>"}.
gap_query is a broader or differently-worded catalog query targeting what is
missing; leave it empty when the verdict is complete.`,
	Cheap:       true,
	Temperature: 0.0,
}

type gapInputs struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type gapOutputs struct {
	Verdict  string `json:"verdict"`
	GapQuery string `json:"gap_query"`
}

var titleTask = llm.Task{
	Name: "title",
	SystemPrompt: `Write a short title (at most 8 words) for a conversation that
started with the given question and answer. No quotes, no trailing punctuation.
Respond with JSON: {"title": "<title>"}.`,
	Cheap:       true,
	Temperature: 0.3,
}

type titleInputs struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type titleOutputs struct {
	Title string `json:"title"`
}

// Tasks bundles the per-capability specs after prompt overrides are applied.
type Tasks struct {
	ClassifyIntent llm.Task
	GenerateQuery  llm.Task
	Plan           llm.Task
	Think          llm.Task
	Answer         llm.Task
	GeneralAnswer  llm.Task
	DetectGap      llm.Task
	Title          llm.Task
}

// DefaultTasks returns the built-in task specs.
func DefaultTasks() Tasks {
	return Tasks{
		ClassifyIntent: classifyIntentTask,
		GenerateQuery:  generateQueryTask,
		Plan:           planTask,
		Think:          thinkTask,
		Answer:         answerTask,
		GeneralAnswer:  generalAnswerTask,
		DetectGap:      detectGapTask,
		Title:          titleTask,
	}
}

// WithOverrides applies prompt overrides from configuration.
func (t Tasks) WithOverrides(overrides llm.PromptOverrides) Tasks {
	t.ClassifyIntent = overrides.Apply(t.ClassifyIntent)
	t.GenerateQuery = overrides.Apply(t.GenerateQuery)
	t.Plan = overrides.Apply(t.Plan)
	t.Think = overrides.Apply(t.Think)
	t.Answer = overrides.Apply(t.Answer)
	t.GeneralAnswer = overrides.Apply(t.GeneralAnswer)
	t.DetectGap = overrides.Apply(t.DetectGap)
	t.Title = overrides.Apply(t.Title)
	return t
}

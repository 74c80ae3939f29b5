package agent

import "github.com/opentalab/paperchat/internal/models"

// Stream event payloads. Every event carries a "type" discriminator; the
// transport layer serializes them as-is.

type statusEvent struct {
	Type    string `json:"type"`
	Step    string `json:"step"`
	Message string `json:"message"`
}

func status(step, message string) statusEvent {
	return statusEvent{Type: "status", Step: step, Message: message}
}

type planEvent struct {
	Type  string            `json:"type"`
	Steps []models.PlanStep `json:"steps"`
}

type stepStartEvent struct {
	Type        string `json:"type"`
	StepID      int    `json:"step_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

type stepActionEvent struct {
	Type   string `json:"type"`
	StepID int    `json:"step_id"`
	Action string `json:"action"`
	Query  string `json:"query,omitempty"`
}

type stepActionResultEvent struct {
	Type       string `json:"type"`
	StepID     int    `json:"step_id"`
	Action     string `json:"action"`
	PaperCount int    `json:"paper_count"`
}

type stepThinkingEvent struct {
	Type    string `json:"type"`
	StepID  int    `json:"step_id"`
	Content string `json:"content"`
}

type stepDoneEvent struct {
	Type   string `json:"type"`
	StepID int    `json:"step_id"`
}

type answerStartEvent struct {
	Type string `json:"type"`
}

type tokenEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type doneEvent struct {
	Type    string              `json:"type"`
	Content string              `json:"content"`
	Sources []models.CitedPaper `json:"sources"`
}

type citationAuditEvent struct {
	Type                        string `json:"type"`
	IsClean                     bool   `json:"is_clean"`
	HallucinatedCitationNumbers []int  `json:"hallucinated_citation_numbers"`
	TotalCitationsInAnswer      int    `json:"total_citations_in_answer"`
	TotalPapersAvailable        int    `json:"total_papers_available"`
}

type refinementStartEvent struct {
	Type     string `json:"type"`
	GapQuery string `json:"gap_query"`
}

type refinementSearchEvent struct {
	Type       string `json:"type"`
	Query      string `json:"query"`
	PaperCount int    `json:"paper_count"`
}

type titleEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

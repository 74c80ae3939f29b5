package models

import "time"

// PlanStep is one unit of an adaptive research plan. Step ids are
// contiguous and zero-based; a plan has between one and four steps.
type PlanStep struct {
	ID          int    `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	NeedsSearch bool   `json:"needs_search"`
}

// Paper is a catalog document returned by the retriever.
type Paper struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Authors        []string `json:"authors"`
	Abstract       string   `json:"abstract"`
	Year           int      `json:"year"`
	RelevanceScore float64  `json:"relevance_score"`
}

// CitedPaper is a paper the answer actually referenced. CitationNumber is
// the 1-based position of the paper's first appearance in the source list
// returned by the answer generator.
type CitedPaper struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Authors        []string `json:"authors"`
	Abstract       string   `json:"abstract"`
	Year           int      `json:"year"`
	CitationNumber int      `json:"citation_number"`
}

// CitationAudit is the result of the post-hoc citation check. It is derived
// from the answer text and the cited paper list and is never persisted.
type CitationAudit struct {
	IsClean                     bool  `json:"is_clean"`
	HallucinatedCitationNumbers []int `json:"hallucinated_citation_numbers"`
	TotalCitationsInAnswer      int   `json:"total_citations_in_answer"`
	TotalPapersAvailable        int   `json:"total_papers_available"`
}

// Turn is one question/answer exchange in a conversation. Turns are
// append-only; nothing in the service deletes them.
type Turn struct {
	Question    string       `json:"question"`
	Answer      string       `json:"answer"`
	Sources     []CitedPaper `json:"sources"`
	SearchQuery string       `json:"search_query,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// Conversation is the durable-store view of a chat session. Incognito
// conversations are never materialized in any store.
type Conversation struct {
	ID          string    `json:"id"`
	Title       string    `json:"title,omitempty"`
	IsIncognito bool      `json:"is_incognito"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

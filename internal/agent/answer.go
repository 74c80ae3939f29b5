package agent

import (
	"context"
	"encoding/json"

	"github.com/opentalab/paperchat/internal/models"
	"github.com/opentalab/paperchat/internal/streaming"
)

// ChatResult is the aggregated outcome of one session for callers that do
// not want the event stream.
type ChatResult struct {
	Answer  string                `json:"answer"`
	Sources []models.CitedPaper   `json:"sources"`
	Audit   *models.CitationAudit `json:"citation_audit,omitempty"`
	Title   string                `json:"title,omitempty"`
	Error   string                `json:"error,omitempty"`
}

// Answer runs the same pipeline as Run but consumes the stream internally,
// returning only the final state. Refinement output supersedes the first
// answer, matching what a streaming client would keep.
func (o *Orchestrator) Answer(ctx context.Context, req Request) ChatResult {
	stream := streaming.New(64)
	go o.Run(ctx, req, stream)

	var result ChatResult
	for frame := range stream.Frames() {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(frame.Data, &head); err != nil {
			continue
		}
		switch head.Type {
		case "done", "refinement_done":
			var done doneEvent
			if err := json.Unmarshal(frame.Data, &done); err == nil {
				result.Answer = done.Content
				result.Sources = done.Sources
			}
		case "citation_audit":
			var audit citationAuditEvent
			if err := json.Unmarshal(frame.Data, &audit); err == nil {
				result.Audit = &models.CitationAudit{
					IsClean:                     audit.IsClean,
					HallucinatedCitationNumbers: audit.HallucinatedCitationNumbers,
					TotalCitationsInAnswer:      audit.TotalCitationsInAnswer,
					TotalPapersAvailable:        audit.TotalPapersAvailable,
				}
			}
		case "title":
			var title titleEvent
			if err := json.Unmarshal(frame.Data, &title); err == nil {
				result.Title = title.Content
			}
		case "error":
			var ev errorEvent
			if err := json.Unmarshal(frame.Data, &ev); err == nil {
				result.Error = ev.Content
			}
		}
	}
	return result
}

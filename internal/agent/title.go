package agent

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/opentalab/paperchat/internal/metrics"
)

const (
	titleMaxLen       = 60
	titleAnswerSample = 500
)

// generateTitle names the conversation after its first exchange. A failed
// model call falls back to a truncation of the question itself.
func (o *Orchestrator) generateTitle(ctx context.Context, question, answer string) string {
	if len(answer) > titleAnswerSample {
		answer = answer[:titleAnswerSample]
	}
	var out titleOutputs
	err := o.llm.Invoke(ctx, o.tasks.Title, titleInputs{Question: question, Answer: answer}, &out)
	if err != nil || strings.TrimSpace(out.Title) == "" {
		o.logger.Warn("Title generation failed, using question", zap.Error(err))
		metrics.TitleFallbacks.Inc()
		return FallbackTitle(question)
	}
	return strings.TrimSpace(out.Title)
}

// FallbackTitle truncates the question at a word boundary.
func FallbackTitle(question string) string {
	question = strings.TrimSpace(question)
	if len(question) <= titleMaxLen {
		return question
	}
	cut := question[:titleMaxLen]
	if idx := strings.LastIndex(cut, " "); idx > 0 {
		cut = cut[:idx]
	}
	return cut + "…"
}

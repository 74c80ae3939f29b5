package agent

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/opentalab/paperchat/internal/metrics"
	"github.com/opentalab/paperchat/internal/models"
)

// Questions mentioning any of these get a real planner call even when short,
// since comparisons usually need multiple search angles.
var comparisonKeywords = map[string]struct{}{
	"compare":      {},
	"comparison":   {},
	"difference":   {},
	"differences":  {},
	"versus":       {},
	"vs":           {},
	"also":         {},
	"additionally": {},
	"furthermore":  {},
	"contrast":     {},
}

// ShouldSkipPlanner decides whether a question is simple enough for the
// static fallback plan. Short questions without comparison keywords skip the
// planner call, trading plan quality for latency and cost.
func ShouldSkipPlanner(question string) bool {
	words := strings.Fields(question)
	if len(words) >= 20 {
		return false
	}
	for _, w := range words {
		w = strings.Trim(strings.ToLower(w), "?,.:")
		if _, ok := comparisonKeywords[w]; ok {
			return false
		}
	}
	return true
}

// DefaultPlan is the static fallback: a single direct-answer step for
// general questions, search then synthesize for research.
func DefaultPlan(isResearch bool) []models.PlanStep {
	if !isResearch {
		return []models.PlanStep{{
			ID:          0,
			Title:       "Answer the question",
			Description: "Respond directly without searching the catalog",
			NeedsSearch: false,
		}}
	}
	return []models.PlanStep{
		{
			ID:          0,
			Title:       "Search the catalog",
			Description: "Find papers relevant to the question",
			NeedsSearch: true,
		},
		{
			ID:          1,
			Title:       "Synthesize an answer",
			Description: "Combine the retrieved papers into a cited answer",
			NeedsSearch: false,
		},
	}
}

// CreatePlan returns an ordered plan of one to four steps. Non-research
// questions always get the single-step plan; planner failures fall back to
// the static plan rather than aborting the session.
func (o *Orchestrator) CreatePlan(ctx context.Context, question string, isResearch bool) []models.PlanStep {
	if !isResearch {
		return DefaultPlan(false)
	}
	if ShouldSkipPlanner(question) {
		metrics.PlannerCalls.WithLabelValues("fallback").Inc()
		return DefaultPlan(true)
	}

	var out planOutputs
	err := o.llm.Invoke(ctx, o.tasks.Plan, planInputs{Question: question}, &out)
	if err != nil || len(out.Steps) == 0 {
		o.logger.Warn("Planner failed, using fallback plan", zap.Error(err))
		metrics.PlannerCalls.WithLabelValues("fallback").Inc()
		return DefaultPlan(true)
	}
	metrics.PlannerCalls.WithLabelValues("llm").Inc()

	steps := out.Steps
	if len(steps) > 4 {
		steps = steps[:4]
	}
	for i := range steps {
		steps[i].ID = i
	}
	metrics.PlanSteps.Observe(float64(len(steps)))
	return steps
}

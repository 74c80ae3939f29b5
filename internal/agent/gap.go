package agent

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/opentalab/paperchat/internal/metrics"
	"github.com/opentalab/paperchat/internal/models"
	"github.com/opentalab/paperchat/internal/streaming"
)

// maybeRefine runs the one-shot gap check after the answer is emitted. When
// the answer is judged partial, it retrieves once more with the gap query,
// regenerates against the enriched context, and streams the new answer under
// refinement_* events. It never recurses and never fails the session; any
// error here returns the original answer unchanged.
func (o *Orchestrator) maybeRefine(ctx context.Context, question, answer string, sources []models.CitedPaper, history []models.Turn, candidates *candidateSet, stream *streaming.Stream) (string, []models.CitedPaper) {
	var gap gapOutputs
	err := o.llm.Invoke(ctx, o.tasks.DetectGap, gapInputs{Question: question, Answer: answer}, &gap)
	if err != nil {
		o.logger.Warn("Gap detection failed, skipping refinement", zap.Error(err))
		return answer, sources
	}

	gapQuery := strings.TrimSpace(gap.GapQuery)
	if gap.Verdict != "partial" || gapQuery == "" {
		return answer, sources
	}

	metrics.RefinementRounds.Inc()
	stream.Send(refinementStartEvent{Type: "refinement_start", GapQuery: gapQuery})

	papers := o.retrieve(ctx, gapQuery)
	added := candidates.add(papers)
	stream.Send(refinementSearchEvent{Type: "refinement_search", Query: gapQuery, PaperCount: added})

	refined, refinedSources, err := o.streamAnswer(ctx, question, history, candidates, "refinement_token", stream)
	if err != nil {
		o.logger.Warn("Refinement generation failed, keeping original answer", zap.Error(err))
		return answer, sources
	}

	stream.Send(doneEvent{Type: "refinement_done", Content: refined, Sources: refinedSources})
	return refined, refinedSources
}

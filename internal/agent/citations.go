package agent

import "github.com/opentalab/paperchat/internal/models"

// buildCitedPapers resolves the raw source ids returned by the answer task
// against the papers gathered during the plan loop. The citation number is
// the 1-based position of the id's first occurrence in the raw list;
// duplicates collapse to that first occurrence and unknown ids are skipped,
// so the numbering can have gaps but never shifts.
func buildCitedPapers(sourceIDs []string, candidates map[string]models.Paper) []models.CitedPaper {
	seen := make(map[string]struct{}, len(sourceIDs))
	cited := make([]models.CitedPaper, 0, len(sourceIDs))
	for i, id := range sourceIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		paper, ok := candidates[id]
		if !ok {
			continue
		}
		cited = append(cited, models.CitedPaper{
			ID:             paper.ID,
			Title:          paper.Title,
			Authors:        paper.Authors,
			Abstract:       paper.Abstract,
			Year:           paper.Year,
			CitationNumber: i + 1,
		})
	}
	return cited
}

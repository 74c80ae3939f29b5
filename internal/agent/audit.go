package agent

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/opentalab/paperchat/internal/models"
)

// Matches bracketed citation markers, including grouped ones like [1,2].
var citationPattern = regexp.MustCompile(`\[([0-9]+(?:\s*,\s*[0-9]+)*)\]`)

// AuditCitations checks every bracketed citation number in the answer
// against the cited paper list. Pure and deterministic; no I/O.
func AuditCitations(answer string, sources []models.CitedPaper) models.CitationAudit {
	cited := make(map[int]struct{})
	for _, match := range citationPattern.FindAllStringSubmatch(answer, -1) {
		for _, part := range strings.Split(match[1], ",") {
			n, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				continue
			}
			cited[n] = struct{}{}
		}
	}

	hallucinated := make([]int, 0)
	for n := range cited {
		if n < 1 || n > len(sources) {
			hallucinated = append(hallucinated, n)
		}
	}
	sort.Ints(hallucinated)

	return models.CitationAudit{
		IsClean:                     len(hallucinated) == 0,
		HallucinatedCitationNumbers: hallucinated,
		TotalCitationsInAnswer:      len(cited),
		TotalPapersAvailable:        len(sources),
	}
}

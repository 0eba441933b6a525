package grader

import (
	"github.com/tranqh/papergrade/internal/match"
	"github.com/tranqh/papergrade/internal/model"
)

// DefaultContextLimit caps question and answer text in context entries
// and oracle payloads, keeping request sizes bounded.
const DefaultContextLimit = 1200

// truncate hard-cuts s at limit runes. No summarization.
func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

// BuildContext assembles the prior-sibling context for the given group
// from the pairs graded earlier in the same pass. Only entries of the
// same group index are included; unrelated top-level problems never
// inform each other's grading. The order established by the matcher is
// preserved, never re-sorted.
func BuildContext(groupIndex int, graded []match.Pair, limit int) []model.ContextEntry {
	var entries []model.ContextEntry
	for _, p := range graded {
		if p.Question.GroupIndex != groupIndex {
			continue
		}
		entries = append(entries, model.ContextEntry{
			PartLabel:    p.Question.PartLabel,
			QuestionText: truncate(p.Question.Text, limit),
			AnswerText:   truncate(p.Fragment.Text, limit),
		})
	}
	return entries
}

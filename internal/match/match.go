// Package match binds submitted answer fragments to outline questions.
package match

import (
	"sort"

	"github.com/tranqh/papergrade/internal/model"
)

// Pair is one fragment bound to its outline question.
type Pair struct {
	Question model.Question
	Fragment model.AnswerFragment
}

// key identifies a question within an exam when no explicit reference is
// available. An empty part label is a valid, distinct key.
type key struct {
	groupIndex int
	partLabel  string
}

// Match binds each fragment to exactly one question of the outline.
// It returns the pairs bucketed by group index, ordered within each
// bucket by the fragment's appearance order, plus the fragments that
// resolved to no question. Unresolved fragments are a quality signal for
// the caller, not an error.
//
// Resolution order: the fragment's explicit question reference first;
// when that is absent or does not name a question of the given outline,
// the (group index, part label) key. References outside the outline are
// never trusted; the outline is the boundary of the submission's exam.
func Match(outline []model.Question, fragments []model.AnswerFragment) (map[int][]Pair, []model.AnswerFragment) {
	byID := make(map[int64]model.Question, len(outline))
	byKey := make(map[key]model.Question, len(outline))
	for _, q := range outline {
		byID[q.ID] = q
		byKey[key{q.GroupIndex, q.PartLabel}] = q
	}

	// Appearance order, ascending and stable on ties.
	ordered := make([]model.AnswerFragment, len(fragments))
	copy(ordered, fragments)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Position < ordered[j].Position
	})

	pairs := make(map[int][]Pair)
	var unmatched []model.AnswerFragment

	for _, f := range ordered {
		q, ok := resolve(f, byID, byKey)
		if !ok {
			unmatched = append(unmatched, f)
			continue
		}
		pairs[q.GroupIndex] = append(pairs[q.GroupIndex], Pair{Question: q, Fragment: f})
	}

	return pairs, unmatched
}

func resolve(f model.AnswerFragment, byID map[int64]model.Question, byKey map[key]model.Question) (model.Question, bool) {
	if f.QuestionID != nil {
		if q, ok := byID[*f.QuestionID]; ok {
			return q, true
		}
	}
	q, ok := byKey[key{f.GroupIndex, f.PartLabel}]
	return q, ok
}

// Groups returns the bucket keys in ascending numeric order.
func Groups(pairs map[int][]Pair) []int {
	groups := make([]int, 0, len(pairs))
	for g := range pairs {
		groups = append(groups, g)
	}
	sort.Ints(groups)
	return groups
}

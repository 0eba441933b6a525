// Package grader drives the per-fragment grading loop for a submission.
package grader

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	appI18n "github.com/tranqh/papergrade/internal/i18n"
	"github.com/tranqh/papergrade/internal/llm"
	"github.com/tranqh/papergrade/internal/llm/prompts"
	"github.com/tranqh/papergrade/internal/match"
	"github.com/tranqh/papergrade/internal/model"
	"github.com/tranqh/papergrade/internal/store"
)

// Oracle is the assessment service the orchestrator delegates
// judgement to. Judge returns a tagged response; Recover repairs a
// response whose raw text did not parse.
type Oracle interface {
	Judge(ctx context.Context, p llm.Payload, effort llm.Effort) (llm.Response, error)
	Recover(ctx context.Context, partial string, effort llm.Effort) model.Judgement
}

// Grader grades every matched (question, fragment) pair of a submission
// and persists each result.
type Grader struct {
	store    *store.Store
	oracle   Oracle
	ctxLimit int
}

// Option configures a Grader.
type Option func(*Grader)

// WithContextLimit overrides the per-entry context truncation bound.
func WithContextLimit(n int) Option {
	return func(g *Grader) {
		if n > 0 {
			g.ctxLimit = n
		}
	}
}

// New creates a Grader.
func New(s *store.Store, o Oracle, opts ...Option) *Grader {
	g := &Grader{store: s, oracle: o, ctxLimit: DefaultContextLimit}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// PassResult is everything one grading pass produced.
type PassResult struct {
	Results   []model.GradingResult  `json:"results"`
	Unmatched []model.AnswerFragment `json:"unmatched_fragments"`
}

// EffortFor maps a difficulty rank to an oracle effort tier. The
// thresholds are policy, not contract.
func EffortFor(difficulty int) llm.Effort {
	switch {
	case difficulty < 1:
		return llm.EffortMedium
	case difficulty <= 3:
		return llm.EffortLow
	case difficulty <= 6:
		return llm.EffortMedium
	default:
		return llm.EffortHigh
	}
}

// GradeSubmission grades every matched pair of the submission exactly
// once and upserts each result, so repeating a pass overwrites rather
// than duplicates. Groups are processed in ascending order; within a
// group, pairs in appearance order, each extending the context chain
// for the siblings after it. Missing input data yields an empty result,
// not an error; per-pair oracle failures degrade to fallback judgements
// and the pass continues.
func (g *Grader) GradeSubmission(ctx context.Context, submissionID int64) (*PassResult, error) {
	result := &PassResult{
		Results:   []model.GradingResult{},
		Unmatched: []model.AnswerFragment{},
	}

	sub, err := g.store.GetSubmission(submissionID)
	if err != nil {
		return nil, fmt.Errorf("get submission: %w", err)
	}
	if sub == nil {
		slog.Warn("grading requested for unknown submission", "submission_id", submissionID)
		return result, nil
	}

	questions, err := g.store.GetQuestionsByExam(sub.ExamID)
	if err != nil {
		return nil, fmt.Errorf("get questions: %w", err)
	}
	fragments, err := g.store.GetFragmentsBySubmission(submissionID)
	if err != nil {
		return nil, fmt.Errorf("get fragments: %w", err)
	}
	if len(questions) == 0 || len(fragments) == 0 {
		slog.Warn("nothing to grade", "submission_id", submissionID,
			"questions", len(questions), "fragments", len(fragments))
		return result, nil
	}

	pairs, unmatched := match.Match(questions, fragments)
	result.Unmatched = append(result.Unmatched, unmatched...)
	if len(unmatched) > 0 {
		slog.Warn("fragments left unmatched", "submission_id", submissionID, "count", len(unmatched))
	}

	for _, group := range match.Groups(pairs) {
		var graded []match.Pair
		for _, p := range pairs[group] {
			// Each pair's persistence is an independent upsert, so a
			// pass may be abandoned between pairs without corrupting
			// state.
			if err := ctx.Err(); err != nil {
				return result, err
			}

			j := g.gradePair(ctx, group, p, graded)
			j.Normalize()

			if err := g.store.UpsertGrading(model.Grading{
				SubmissionID: submissionID,
				QuestionID:   p.Question.ID,
				Gaps:         j.Gaps,
				Errors:       j.Errors,
				Judgement:    j.Text,
				Correct:      j.Correct,
			}); err != nil {
				return result, fmt.Errorf("upsert grading for question %d: %w", p.Question.ID, err)
			}

			result.Results = append(result.Results, model.GradingResult{
				SubmissionID: submissionID,
				QuestionID:   p.Question.ID,
				GroupIndex:   group,
				PartLabel:    p.Question.PartLabel,
				Judgement:    j,
			})
			graded = append(graded, p)
		}
	}

	return result, nil
}

func (g *Grader) gradePair(ctx context.Context, group int, p match.Pair, graded []match.Pair) model.Judgement {
	if strings.TrimSpace(p.Fragment.Text) == "" {
		// Not attempted: no oracle call. The question's own topics are
		// exactly what the student needed but did not demonstrate.
		return model.Judgement{
			Gaps:    append([]string(nil), p.Question.Topics...),
			Errors:  []string{},
			Text:    appI18n.T(ctx, "NotAttempted"),
			Correct: false,
		}
	}

	payload := llm.Payload{
		Current: llm.Current{
			GroupIndex:   group,
			PartLabel:    p.Question.PartLabel,
			QuestionText: truncate(p.Question.Text, g.ctxLimit),
			AnswerText:   truncate(prompts.SanitizeAnswer(p.Fragment.Text), g.ctxLimit),
		},
		Context: BuildContext(group, graded, g.ctxLimit),
	}
	effort := EffortFor(p.Question.Difficulty)

	resp, err := g.oracle.Judge(ctx, payload, effort)
	if err != nil {
		slog.Warn("oracle unavailable, recording fallback judgement",
			"question_id", p.Question.ID, "error", err)
		return model.Judgement{
			Gaps:    []string{},
			Errors:  []string{},
			Text:    appI18n.Td(ctx, "GradingUnavailable", map[string]any{"Reason": err.Error()}),
			Correct: false,
		}
	}
	if resp.Judgement == nil {
		slog.Warn("oracle returned malformed judgement, entering recovery",
			"question_id", p.Question.ID)
		return g.oracle.Recover(ctx, resp.Raw, effort)
	}
	return *resp.Judgement
}

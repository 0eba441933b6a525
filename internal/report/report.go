// Package report turns a submission's stored gradings into a single
// student-facing Markdown report.
package report

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tranqh/papergrade/internal/model"
	"github.com/tranqh/papergrade/internal/store"
)

// Summarizer edits ordered grading records into report prose.
type Summarizer interface {
	Summarize(ctx context.Context, records []model.GradingRecord, info model.ExamInfo) (string, error)
}

// contextLimit caps question text carried into a report record.
const contextLimit = 1200

// Service generates and caches reports. Reports are append-only
// snapshots; once one exists it is served as-is until explicitly
// regenerated.
type Service struct {
	store      *store.Store
	summarizer Summarizer
}

// New creates a report Service.
func New(s *store.Store, sum Summarizer) *Service {
	return &Service{store: s, summarizer: sum}
}

// GetOrGenerate returns the submission's report text, generating and
// persisting one only when no report exists yet. A submission with no
// gradings yields the empty string and no error.
func (s *Service) GetOrGenerate(ctx context.Context, submissionID int64) (string, error) {
	existing, err := s.store.GetLatestReport(submissionID)
	if err != nil {
		return "", fmt.Errorf("get latest report: %w", err)
	}
	if existing != nil {
		return existing.Text, nil
	}
	return s.Regenerate(ctx, submissionID)
}

// Regenerate always produces a fresh report from the current gradings
// and appends it to the report history.
func (s *Service) Regenerate(ctx context.Context, submissionID int64) (string, error) {
	views, err := s.store.ListGradingsBySubmission(submissionID)
	if err != nil {
		return "", fmt.Errorf("list gradings: %w", err)
	}
	if len(views) == 0 {
		slog.Warn("report requested before grading", "submission_id", submissionID)
		return "", nil
	}

	records := make([]model.GradingRecord, 0, len(views))
	for _, v := range views {
		records = append(records, model.GradingRecord{
			GroupIndex:   v.Question.GroupIndex,
			PartLabel:    v.Question.PartLabel,
			QuestionText: truncate(v.Question.Text, contextLimit),
			Gaps:         v.Grading.Gaps,
			Errors:       v.Grading.Errors,
			Judgement:    v.Grading.Judgement,
			Correct:      v.Grading.Correct,
		})
	}

	info, err := s.store.GetExamInfo()
	if err != nil {
		return "", fmt.Errorf("get exam info: %w", err)
	}

	text, err := s.summarizer.Summarize(ctx, records, info)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}

	if _, err := s.store.SaveReport(submissionID, text); err != nil {
		return "", fmt.Errorf("save report: %w", err)
	}
	slog.Info("report generated", "submission_id", submissionID, "parts", len(records))
	return text, nil
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if limit <= 0 || len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

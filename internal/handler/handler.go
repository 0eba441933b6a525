// Package handler exposes the grading core over an HTTP JSON API.
package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/tranqh/papergrade/internal/grader"
	"github.com/tranqh/papergrade/internal/i18n"
	"github.com/tranqh/papergrade/internal/model"
	"github.com/tranqh/papergrade/internal/report"
	"github.com/tranqh/papergrade/internal/store"
)

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store   *store.Store
	grader  *grader.Grader
	reports *report.Service
}

// New creates a new Handler.
func New(s *store.Store, g *grader.Grader, r *report.Service) (*Handler, error) {
	return &Handler{store: s, grader: g, reports: r}, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/exams", h.handleCreateExam)
	r.Post("/api/exams/{examID}/submissions", h.handleCreateSubmission)
	r.Post("/api/submissions/{submissionID}/grade", h.handleGrade)
	r.Get("/api/submissions/{submissionID}/gradings", h.handleListGradings)
	r.Get("/api/submissions/{submissionID}/report", h.handleReport)
}

// CreateExamRequest is the outline import payload.
type CreateExamRequest struct {
	Name      string                 `json:"name"`
	Subject   string                 `json:"subject"`
	Questions []model.QuestionImport `json:"questions"`
}

// CreateSubmissionRequest is the segmented-paper import payload.
type CreateSubmissionRequest struct {
	StudentName string                 `json:"student_name"`
	Fragments   []model.FragmentImport `json:"fragments"`
}

func (h *Handler) handleCreateExam(w http.ResponseWriter, r *http.Request) {
	var req CreateExamRequest
	if err := readJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" || len(req.Questions) == 0 {
		http.Error(w, "name and questions are required", http.StatusBadRequest)
		return
	}

	examID, err := h.store.CreateExam(model.Exam{Name: req.Name, Subject: req.Subject})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for _, q := range req.Questions {
		if _, err := h.store.InsertQuestion(model.Question{
			ExamID:     examID,
			Text:       q.Text,
			Difficulty: q.Difficulty,
			GroupIndex: q.GroupIndex,
			PartLabel:  q.PartLabel,
			Topics:     q.Topics,
		}); err != nil {
			http.Error(w, fmt.Sprintf("insert question: %v", err), http.StatusInternalServerError)
			return
		}
	}

	slog.Info("exam created", "exam_id", examID, "questions", len(req.Questions))
	writeJSON(w, http.StatusCreated, map[string]any{"exam_id": examID})
}

func (h *Handler) handleCreateSubmission(w http.ResponseWriter, r *http.Request) {
	examID, err := strconv.ParseInt(chi.URLParam(r, "examID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid exam ID", http.StatusBadRequest)
		return
	}
	exam, err := h.store.GetExam(examID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if exam == nil {
		http.Error(w, i18n.T(r.Context(), "ExamNotFound"), http.StatusNotFound)
		return
	}

	var req CreateSubmissionRequest
	if err := readJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	submissionID, err := h.store.CreateSubmission(model.Submission{
		ExamID:      examID,
		StudentName: req.StudentName,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for _, f := range req.Fragments {
		if _, err := h.store.InsertFragment(model.AnswerFragment{
			SubmissionID: submissionID,
			QuestionID:   f.QuestionID,
			GroupIndex:   f.GroupIndex,
			PartLabel:    f.PartLabel,
			Position:     f.Position,
			Text:         f.Text,
		}); err != nil {
			http.Error(w, fmt.Sprintf("insert fragment: %v", err), http.StatusInternalServerError)
			return
		}
	}

	slog.Info("submission created", "submission_id", submissionID, "fragments", len(req.Fragments))
	writeJSON(w, http.StatusCreated, map[string]any{"submission_id": submissionID})
}

func (h *Handler) handleGrade(w http.ResponseWriter, r *http.Request) {
	submissionID, err := strconv.ParseInt(chi.URLParam(r, "submissionID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid submission ID", http.StatusBadRequest)
		return
	}
	sub, err := h.store.GetSubmission(submissionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sub == nil {
		http.Error(w, i18n.T(r.Context(), "SubmissionNotFound"), http.StatusNotFound)
		return
	}

	result, err := h.grader.GradeSubmission(r.Context(), submissionID)
	if err != nil {
		slog.Error("grading pass failed", "submission_id", submissionID, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleListGradings(w http.ResponseWriter, r *http.Request) {
	submissionID, err := strconv.ParseInt(chi.URLParam(r, "submissionID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid submission ID", http.StatusBadRequest)
		return
	}
	sub, err := h.store.GetSubmission(submissionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sub == nil {
		http.Error(w, i18n.T(r.Context(), "SubmissionNotFound"), http.StatusNotFound)
		return
	}

	views, err := h.store.ListGradingsBySubmission(submissionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if views == nil {
		views = []model.GradingView{}
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	submissionID, err := strconv.ParseInt(chi.URLParam(r, "submissionID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid submission ID", http.StatusBadRequest)
		return
	}
	sub, err := h.store.GetSubmission(submissionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sub == nil {
		http.Error(w, i18n.T(r.Context(), "SubmissionNotFound"), http.StatusNotFound)
		return
	}

	text, err := h.reports.GetOrGenerate(r.Context(), submissionID)
	if err != nil {
		slog.Error("report generation failed", "submission_id", submissionID, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if text == "" {
		http.Error(w, i18n.T(r.Context(), "NothingToGrade"), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(text))
}

func readJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

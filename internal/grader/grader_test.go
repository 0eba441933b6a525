package grader

import (
	"context"
	"errors"
	"os"
	"testing"

	appI18n "github.com/tranqh/papergrade/internal/i18n"
	"github.com/tranqh/papergrade/internal/llm"
	"github.com/tranqh/papergrade/internal/model"
	"github.com/tranqh/papergrade/internal/store"
)

func TestMain(m *testing.M) {
	if err := appI18n.Init("en"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

// fakeOracle records the payloads it was asked to judge and replies with
// the scripted response per question text.
type fakeOracle struct {
	payloads    []llm.Payload
	respond     func(p llm.Payload) (llm.Response, error)
	recoverCall int
	recovered   model.Judgement
}

func (f *fakeOracle) Judge(_ context.Context, p llm.Payload, _ llm.Effort) (llm.Response, error) {
	f.payloads = append(f.payloads, p)
	if f.respond != nil {
		return f.respond(p)
	}
	return llm.Response{Judgement: &model.Judgement{
		Gaps:    []string{},
		Errors:  []string{},
		Text:    "fine",
		Correct: true,
	}}, nil
}

func (f *fakeOracle) Recover(_ context.Context, _ string, _ llm.Effort) model.Judgement {
	f.recoverCall++
	j := f.recovered
	j.Normalize()
	return j
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type fixture struct {
	store *store.Store
	subID int64
	qIDs  map[string]int64 // "group/part" -> question id
}

// seedSubmission loads a two-group outline with parts and one fragment
// per question.
func seedSubmission(t *testing.T, s *store.Store, answers map[string]string) fixture {
	t.Helper()
	examID, err := s.CreateExam(model.Exam{Name: "Final", Subject: "Math"})
	if err != nil {
		t.Fatalf("CreateExam: %v", err)
	}

	outline := []model.Question{
		{ExamID: examID, Text: "Find the derivative of f", Difficulty: 3, GroupIndex: 1, PartLabel: "a", Topics: []string{"derivatives"}},
		{ExamID: examID, Text: "Using part (a), find the extrema", Difficulty: 6, GroupIndex: 1, PartLabel: "b", Topics: []string{"extrema"}},
		{ExamID: examID, Text: "Evaluate the integral", Difficulty: 8, GroupIndex: 2, PartLabel: "", Topics: []string{"integration", "substitution"}},
	}
	qIDs := make(map[string]int64)
	for _, q := range outline {
		id, err := s.InsertQuestion(q)
		if err != nil {
			t.Fatalf("InsertQuestion: %v", err)
		}
		qIDs[keyOf(q.GroupIndex, q.PartLabel)] = id
	}

	subID, err := s.CreateSubmission(model.Submission{ExamID: examID, StudentName: "Bob"})
	if err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}
	pos := 1
	for _, q := range outline {
		text, ok := answers[keyOf(q.GroupIndex, q.PartLabel)]
		if !ok {
			continue
		}
		if _, err := s.InsertFragment(model.AnswerFragment{
			SubmissionID: subID,
			GroupIndex:   q.GroupIndex,
			PartLabel:    q.PartLabel,
			Position:     pos,
			Text:         text,
		}); err != nil {
			t.Fatalf("InsertFragment: %v", err)
		}
		pos++
	}
	return fixture{store: s, subID: subID, qIDs: qIDs}
}

func keyOf(group int, part string) string {
	return string(rune('0'+group)) + "/" + part
}

func TestGradeSubmissionHappyPath(t *testing.T) {
	s := newTestStore(t)
	fx := seedSubmission(t, s, map[string]string{
		"1/a": "f'(x) = 2x",
		"1/b": "extrema at x = 0",
		"2/":  "integral equals pi",
	})
	oracle := &fakeOracle{}
	g := New(s, oracle)

	result, err := g.GradeSubmission(context.Background(), fx.subID)
	if err != nil {
		t.Fatalf("GradeSubmission: %v", err)
	}
	if len(result.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(result.Results))
	}
	if len(result.Unmatched) != 0 {
		t.Errorf("expected no unmatched fragments, got %d", len(result.Unmatched))
	}
	if len(oracle.payloads) != 3 {
		t.Fatalf("expected 3 oracle calls, got %d", len(oracle.payloads))
	}

	count, _ := s.GradingCount(fx.subID)
	if count != 3 {
		t.Errorf("expected 3 persisted gradings, got %d", count)
	}
}

func TestGradeSubmissionContextChain(t *testing.T) {
	s := newTestStore(t)
	fx := seedSubmission(t, s, map[string]string{
		"1/a": "f'(x) = 2x",
		"1/b": "extrema at x = 0",
		"2/":  "integral equals pi",
	})
	oracle := &fakeOracle{}
	g := New(s, oracle)

	if _, err := g.GradeSubmission(context.Background(), fx.subID); err != nil {
		t.Fatalf("GradeSubmission: %v", err)
	}

	// Part 1a grades with no context.
	if n := len(oracle.payloads[0].Context); n != 0 {
		t.Errorf("1a: expected empty context, got %d entries", n)
	}
	// Part 1b sees part 1a's question and answer.
	ctx1b := oracle.payloads[1].Context
	if len(ctx1b) != 1 {
		t.Fatalf("1b: expected 1 context entry, got %d", len(ctx1b))
	}
	if ctx1b[0].PartLabel != "a" || ctx1b[0].AnswerText != "f'(x) = 2x" {
		t.Errorf("1b: wrong context entry: %+v", ctx1b[0])
	}
	// Group 2 never sees group 1's answers.
	if n := len(oracle.payloads[2].Context); n != 0 {
		t.Errorf("group 2: expected empty context, got %d entries", n)
	}
}

func TestGradeSubmissionBlankAnswer(t *testing.T) {
	s := newTestStore(t)
	fx := seedSubmission(t, s, map[string]string{
		"1/a": "   ",
		"1/b": "guessing from part a",
	})
	oracle := &fakeOracle{}
	g := New(s, oracle)

	result, err := g.GradeSubmission(context.Background(), fx.subID)
	if err != nil {
		t.Fatalf("GradeSubmission: %v", err)
	}

	var blank *model.GradingResult
	for i := range result.Results {
		if result.Results[i].QuestionID == fx.qIDs["1/a"] {
			blank = &result.Results[i]
		}
	}
	if blank == nil {
		t.Fatal("no result for the blank part")
	}
	if blank.Judgement.Correct {
		t.Error("blank answer marked correct")
	}
	if len(blank.Judgement.Gaps) != 1 || blank.Judgement.Gaps[0] != "derivatives" {
		t.Errorf("expected gaps to mirror the question topics, got %v", blank.Judgement.Gaps)
	}
	if len(blank.Judgement.Errors) != 0 {
		t.Errorf("expected no error tags for a blank answer, got %v", blank.Judgement.Errors)
	}
	if blank.Judgement.Text == "" {
		t.Error("expected a not-attempted judgement text")
	}

	// The blank part never reaches the oracle, but it still extends the
	// chain for its sibling.
	if len(oracle.payloads) != 1 {
		t.Fatalf("expected 1 oracle call, got %d", len(oracle.payloads))
	}
	if len(oracle.payloads[0].Context) != 1 {
		t.Errorf("sibling should see the blank part in context, got %d entries", len(oracle.payloads[0].Context))
	}
}

func TestGradeSubmissionOracleErrorContinues(t *testing.T) {
	s := newTestStore(t)
	fx := seedSubmission(t, s, map[string]string{
		"1/a": "first answer",
		"1/b": "second answer",
	})
	failed := false
	oracle := &fakeOracle{
		respond: func(p llm.Payload) (llm.Response, error) {
			if !failed {
				failed = true
				return llm.Response{}, errors.New("connection refused")
			}
			return llm.Response{Judgement: &model.Judgement{Text: "ok", Correct: true}}, nil
		},
	}
	g := New(s, oracle)

	result, err := g.GradeSubmission(context.Background(), fx.subID)
	if err != nil {
		t.Fatalf("GradeSubmission: %v", err)
	}
	if len(result.Results) != 2 {
		t.Fatalf("expected 2 results despite oracle error, got %d", len(result.Results))
	}

	first := result.Results[0].Judgement
	if first.Correct {
		t.Error("failed pair marked correct")
	}
	if first.Text == "" {
		t.Error("expected an unavailability judgement text")
	}
	if first.Gaps == nil || first.Errors == nil {
		t.Error("fallback judgement not normalized")
	}
	// Both pairs persisted.
	count, _ := s.GradingCount(fx.subID)
	if count != 2 {
		t.Errorf("expected 2 persisted gradings, got %d", count)
	}
}

func TestGradeSubmissionMalformedTriggersRecovery(t *testing.T) {
	s := newTestStore(t)
	fx := seedSubmission(t, s, map[string]string{"1/a": "an answer"})
	oracle := &fakeOracle{
		respond: func(p llm.Payload) (llm.Response, error) {
			return llm.Response{Raw: `{"knowledge_gaps": ["trunc`}, nil
		},
		recovered: model.Judgement{Gaps: []string{"truncated-topic"}, Text: "recovered"},
	}
	g := New(s, oracle)

	result, err := g.GradeSubmission(context.Background(), fx.subID)
	if err != nil {
		t.Fatalf("GradeSubmission: %v", err)
	}
	if oracle.recoverCall != 1 {
		t.Fatalf("expected 1 recovery call, got %d", oracle.recoverCall)
	}
	if result.Results[0].Judgement.Text != "recovered" {
		t.Errorf("recovered judgement not used: %+v", result.Results[0].Judgement)
	}

	got, err := s.GetGrading(fx.subID, fx.qIDs["1/a"])
	if err != nil || got == nil {
		t.Fatalf("GetGrading: %v %v", got, err)
	}
	if got.Judgement != "recovered" {
		t.Errorf("recovered judgement not persisted: %q", got.Judgement)
	}
}

func TestGradeSubmissionRepeatedPassOverwrites(t *testing.T) {
	s := newTestStore(t)
	fx := seedSubmission(t, s, map[string]string{"1/a": "an answer"})
	oracle := &fakeOracle{}
	g := New(s, oracle)

	if _, err := g.GradeSubmission(context.Background(), fx.subID); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if _, err := g.GradeSubmission(context.Background(), fx.subID); err != nil {
		t.Fatalf("second pass: %v", err)
	}

	count, _ := s.GradingCount(fx.subID)
	if count != 1 {
		t.Errorf("expected 1 grading row after two passes, got %d", count)
	}
}

func TestGradeSubmissionMissingInputs(t *testing.T) {
	s := newTestStore(t)
	oracle := &fakeOracle{}
	g := New(s, oracle)

	// Unknown submission.
	result, err := g.GradeSubmission(context.Background(), 404)
	if err != nil {
		t.Fatalf("GradeSubmission: %v", err)
	}
	if len(result.Results) != 0 || len(result.Unmatched) != 0 {
		t.Errorf("expected empty result, got %+v", result)
	}

	// Submission with no fragments.
	examID, _ := s.CreateExam(model.Exam{Name: "Empty"})
	if _, err := s.InsertQuestion(model.Question{ExamID: examID, Text: "q", GroupIndex: 1}); err != nil {
		t.Fatalf("InsertQuestion: %v", err)
	}
	subID, _ := s.CreateSubmission(model.Submission{ExamID: examID, StudentName: "C"})
	result, err = g.GradeSubmission(context.Background(), subID)
	if err != nil {
		t.Fatalf("GradeSubmission: %v", err)
	}
	if len(result.Results) != 0 {
		t.Errorf("expected no results, got %d", len(result.Results))
	}
	if len(oracle.payloads) != 0 {
		t.Errorf("oracle should not be called, got %d calls", len(oracle.payloads))
	}
}

func TestGradeSubmissionCancelledContext(t *testing.T) {
	s := newTestStore(t)
	fx := seedSubmission(t, s, map[string]string{"1/a": "an answer"})
	g := New(s, &fakeOracle{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := g.GradeSubmission(ctx, fx.subID)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(result.Results) != 0 {
		t.Errorf("expected no results after immediate cancel, got %d", len(result.Results))
	}
}

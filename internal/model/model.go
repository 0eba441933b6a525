package model

import "time"

// Exam groups the questions of one paper.
type Exam struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Subject   string    `json:"subject"`
	CreatedAt time.Time `json:"created_at"`
}

// MaxTopics caps the knowledge-topic tags carried by a question.
const MaxTopics = 4

// Question is one gradable part of an exam. GroupIndex is the top-level
// numbered problem; PartLabel is the sub-part label within it ("a",
// "1.b"), empty when the question has no sub-parts. Within an exam,
// (GroupIndex, PartLabel) is unique.
type Question struct {
	ID         int64    `json:"id"`
	ExamID     int64    `json:"exam_id"`
	Text       string   `json:"text"`
	Difficulty int      `json:"difficulty"` // 1 (trivial) .. 10 (competition level)
	GroupIndex int      `json:"group_index"`
	PartLabel  string   `json:"part_label"`
	Topics     []string `json:"knowledge_topics"`
}

// Submission is one student's scanned paper for an exam.
type Submission struct {
	ID          int64     `json:"id"`
	ExamID      int64     `json:"exam_id"`
	StudentName string    `json:"student_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// AnswerFragment is a contiguous piece of a submission believed to answer
// one question. QuestionID is the segmenter's explicit binding, nil when
// only the denormalized (GroupIndex, PartLabel) key is available. Position
// is the 1-based order of appearance in the submission.
type AnswerFragment struct {
	ID           int64  `json:"id"`
	SubmissionID int64  `json:"submission_id"`
	QuestionID   *int64 `json:"question_id,omitempty"`
	GroupIndex   int    `json:"group_index"`
	PartLabel    string `json:"part_label"`
	Position     int    `json:"position"`
	Text         string `json:"answer_text"`
}

// Judgement is the oracle's structured verdict for one answer fragment.
type Judgement struct {
	Gaps    []string `json:"knowledge_gaps"`
	Errors  []string `json:"error_tags"`
	Text    string   `json:"judgement"`
	Correct bool     `json:"correct"`
}

// Normalize replaces nil list fields so a Judgement is always
// schema-valid regardless of how it was produced.
func (j *Judgement) Normalize() {
	if j.Gaps == nil {
		j.Gaps = []string{}
	}
	if j.Errors == nil {
		j.Errors = []string{}
	}
}

// Grading is the persisted verdict for one (submission, question) pair.
// At most one row exists per pair; re-grading overwrites it.
type Grading struct {
	ID           int64    `json:"id"`
	SubmissionID int64    `json:"submission_id"`
	QuestionID   int64    `json:"question_id"`
	Gaps         []string `json:"knowledge_gaps"`
	Errors       []string `json:"error_tags"`
	Judgement    string   `json:"judgement"`
	Correct      bool     `json:"correct"`
}

// GradingView is a grading joined with its question, as needed by the
// report aggregator.
type GradingView struct {
	Grading  Grading  `json:"grading"`
	Question Question `json:"question"`
}

// Report is an immutable summary snapshot for a submission. History is
// append-only; the latest report wins by creation time.
type Report struct {
	ID           int64     `json:"id"`
	SubmissionID int64     `json:"submission_id"`
	Text         string    `json:"text"`
	CreatedAt    time.Time `json:"created_at"`
}

// ContextEntry is one prior sibling answer supplied as grading context.
type ContextEntry struct {
	PartLabel    string `json:"part_label"`
	QuestionText string `json:"question_text"`
	AnswerText   string `json:"student_answer"`
}

// GradingResult is what one grading pass produced for one pair.
type GradingResult struct {
	SubmissionID int64     `json:"submission_id"`
	QuestionID   int64     `json:"question_id"`
	GroupIndex   int       `json:"group_index"`
	PartLabel    string    `json:"part_label"`
	Judgement    Judgement `json:"result"`
}

// GradingRecord is the compact per-question record sent to the report
// oracle.
type GradingRecord struct {
	GroupIndex   int      `json:"group_index"`
	PartLabel    string   `json:"part_label"`
	QuestionText string   `json:"question_text"`
	Gaps         []string `json:"knowledge_gaps"`
	Errors       []string `json:"error_tags"`
	Judgement    string   `json:"judgement"`
	Correct      bool     `json:"correct"`
}

// ExamInfo holds exam-level metadata recorded at import time.
type ExamInfo struct {
	ExamID  string `json:"exam_id"`
	Subject string `json:"subject"`
	Date    string `json:"date"`
}

// QuestionImport is used for loading an exam outline from JSON.
type QuestionImport struct {
	Text       string   `json:"text"`
	Difficulty int      `json:"difficulty"`
	GroupIndex int      `json:"group_index"`
	PartLabel  string   `json:"part_label"`
	Topics     []string `json:"knowledge_topics"`
}

// FragmentImport is used for loading segmented submission fragments from JSON.
type FragmentImport struct {
	QuestionID *int64 `json:"question_id,omitempty"`
	GroupIndex int    `json:"group_index"`
	PartLabel  string `json:"part_label"`
	Position   int    `json:"position"`
	Text       string `json:"answer_text"`
}

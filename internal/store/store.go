package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tranqh/papergrade/internal/model"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS exams (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		subject TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS questions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		exam_id INTEGER NOT NULL,
		text TEXT NOT NULL,
		difficulty INTEGER NOT NULL DEFAULT 1,
		group_index INTEGER NOT NULL,
		part_label TEXT NOT NULL DEFAULT '',
		topics TEXT NOT NULL DEFAULT '[]',
		FOREIGN KEY (exam_id) REFERENCES exams(id),
		UNIQUE (exam_id, group_index, part_label)
	);

	CREATE TABLE IF NOT EXISTS submissions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		exam_id INTEGER NOT NULL,
		student_name TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (exam_id) REFERENCES exams(id)
	);

	CREATE TABLE IF NOT EXISTS answer_fragments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		submission_id INTEGER NOT NULL,
		question_id INTEGER,
		group_index INTEGER NOT NULL,
		part_label TEXT NOT NULL DEFAULT '',
		position INTEGER NOT NULL DEFAULT 1,
		answer_text TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (submission_id) REFERENCES submissions(id),
		FOREIGN KEY (question_id) REFERENCES questions(id)
	);

	CREATE TABLE IF NOT EXISTS gradings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		submission_id INTEGER NOT NULL,
		question_id INTEGER NOT NULL,
		knowledge_gaps TEXT NOT NULL DEFAULT '[]',
		error_tags TEXT NOT NULL DEFAULT '[]',
		judgement TEXT NOT NULL DEFAULT '',
		correct INTEGER NOT NULL DEFAULT 0,
		UNIQUE (submission_id, question_id),
		FOREIGN KEY (submission_id) REFERENCES submissions(id),
		FOREIGN KEY (question_id) REFERENCES questions(id)
	);

	CREATE TABLE IF NOT EXISTS reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		submission_id INTEGER NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (submission_id) REFERENCES submissions(id)
	);

	CREATE TABLE IF NOT EXISTS exam_metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// marshalTags serializes a tag list as a JSON text column.
func marshalTags(tags []string) string {
	if tags == nil {
		tags = []string{}
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// unmarshalTags is tolerant: malformed stored JSON yields an empty list
// rather than an error.
func unmarshalTags(s string) []string {
	if s == "" {
		return []string{}
	}
	var tags []string
	if err := json.Unmarshal([]byte(s), &tags); err != nil || tags == nil {
		return []string{}
	}
	return tags
}

// CreateExam stores an exam.
func (s *Store) CreateExam(e model.Exam) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO exams (name, subject, created_at) VALUES (?, ?, ?)`,
		e.Name, e.Subject, time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetExam returns an exam by ID, or nil if it does not exist.
func (s *Store) GetExam(id int64) (*model.Exam, error) {
	var e model.Exam
	err := s.db.QueryRow(
		`SELECT id, name, subject, created_at FROM exams WHERE id = ?`, id,
	).Scan(&e.ID, &e.Name, &e.Subject, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// InsertQuestion stores an outline question. Topics beyond the cap are
// dropped, matching the analyzer contract.
func (s *Store) InsertQuestion(q model.Question) (int64, error) {
	topics := q.Topics
	if len(topics) > model.MaxTopics {
		topics = topics[:model.MaxTopics]
	}
	res, err := s.db.Exec(
		`INSERT INTO questions (exam_id, text, difficulty, group_index, part_label, topics)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		q.ExamID, q.Text, q.Difficulty, q.GroupIndex, q.PartLabel, marshalTags(topics),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetQuestionsByExam returns the full outline of an exam ordered by
// (group_index, id).
func (s *Store) GetQuestionsByExam(examID int64) ([]model.Question, error) {
	rows, err := s.db.Query(
		`SELECT id, exam_id, text, difficulty, group_index, part_label, topics
		 FROM questions WHERE exam_id = ? ORDER BY group_index, id`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var questions []model.Question
	for rows.Next() {
		var q model.Question
		var topics string
		if err := rows.Scan(&q.ID, &q.ExamID, &q.Text, &q.Difficulty, &q.GroupIndex, &q.PartLabel, &topics); err != nil {
			return nil, err
		}
		q.Topics = unmarshalTags(topics)
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// QuestionCount returns the number of questions stored for an exam.
func (s *Store) QuestionCount(examID int64) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM questions WHERE exam_id = ?`, examID).Scan(&count)
	return count, err
}

// CreateSubmission stores a submission.
func (s *Store) CreateSubmission(sub model.Submission) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO submissions (exam_id, student_name, created_at) VALUES (?, ?, ?)`,
		sub.ExamID, sub.StudentName, time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetSubmission returns a submission by ID, or nil if it does not exist.
func (s *Store) GetSubmission(id int64) (*model.Submission, error) {
	var sub model.Submission
	err := s.db.QueryRow(
		`SELECT id, exam_id, student_name, created_at FROM submissions WHERE id = ?`, id,
	).Scan(&sub.ID, &sub.ExamID, &sub.StudentName, &sub.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// InsertFragment stores an answer fragment.
func (s *Store) InsertFragment(f model.AnswerFragment) (int64, error) {
	var questionID any
	if f.QuestionID != nil {
		questionID = *f.QuestionID
	}
	res, err := s.db.Exec(
		`INSERT INTO answer_fragments (submission_id, question_id, group_index, part_label, position, answer_text)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		f.SubmissionID, questionID, f.GroupIndex, f.PartLabel, f.Position, f.Text,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetFragmentsBySubmission returns all fragments of a submission in
// appearance order (position, then id as the stable tie-break).
func (s *Store) GetFragmentsBySubmission(submissionID int64) ([]model.AnswerFragment, error) {
	rows, err := s.db.Query(
		`SELECT id, submission_id, question_id, group_index, part_label, position, answer_text
		 FROM answer_fragments WHERE submission_id = ? ORDER BY position, id`, submissionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var fragments []model.AnswerFragment
	for rows.Next() {
		var f model.AnswerFragment
		var questionID sql.NullInt64
		if err := rows.Scan(&f.ID, &f.SubmissionID, &questionID, &f.GroupIndex, &f.PartLabel, &f.Position, &f.Text); err != nil {
			return nil, err
		}
		if questionID.Valid {
			f.QuestionID = &questionID.Int64
		}
		fragments = append(fragments, f)
	}
	return fragments, rows.Err()
}

// UpsertGrading inserts or overwrites the grading for a
// (submission, question) pair. The unique index serializes concurrent
// writes to the same pair.
func (s *Store) UpsertGrading(g model.Grading) error {
	gaps := marshalTags(g.Gaps)
	errTags := marshalTags(g.Errors)
	_, err := s.db.Exec(
		`INSERT INTO gradings (submission_id, question_id, knowledge_gaps, error_tags, judgement, correct)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(submission_id, question_id) DO UPDATE SET
		   knowledge_gaps = ?, error_tags = ?, judgement = ?, correct = ?`,
		g.SubmissionID, g.QuestionID, gaps, errTags, g.Judgement, g.Correct,
		gaps, errTags, g.Judgement, g.Correct,
	)
	return err
}

// GetGrading returns the grading for a pair, or nil when the pair has not
// been graded.
func (s *Store) GetGrading(submissionID, questionID int64) (*model.Grading, error) {
	var g model.Grading
	var gaps, errTags string
	err := s.db.QueryRow(
		`SELECT id, submission_id, question_id, knowledge_gaps, error_tags, judgement, correct
		 FROM gradings WHERE submission_id = ? AND question_id = ?`, submissionID, questionID,
	).Scan(&g.ID, &g.SubmissionID, &g.QuestionID, &gaps, &errTags, &g.Judgement, &g.Correct)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	g.Gaps = unmarshalTags(gaps)
	g.Errors = unmarshalTags(errTags)
	return &g, nil
}

// GradingCount returns the number of grading rows for a submission.
func (s *Store) GradingCount(submissionID int64) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM gradings WHERE submission_id = ?`, submissionID).Scan(&count)
	return count, err
}

// ListGradingsBySubmission returns every grading of a submission joined
// with its question, ordered by (group_index, question id).
func (s *Store) ListGradingsBySubmission(submissionID int64) ([]model.GradingView, error) {
	rows, err := s.db.Query(
		`SELECT g.id, g.submission_id, g.question_id, g.knowledge_gaps, g.error_tags, g.judgement, g.correct,
		        q.id, q.exam_id, q.text, q.difficulty, q.group_index, q.part_label, q.topics
		 FROM gradings g
		 JOIN questions q ON q.id = g.question_id
		 WHERE g.submission_id = ?
		 ORDER BY q.group_index, q.id`, submissionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var views []model.GradingView
	for rows.Next() {
		var v model.GradingView
		var gaps, errTags, topics string
		if err := rows.Scan(
			&v.Grading.ID, &v.Grading.SubmissionID, &v.Grading.QuestionID, &gaps, &errTags, &v.Grading.Judgement, &v.Grading.Correct,
			&v.Question.ID, &v.Question.ExamID, &v.Question.Text, &v.Question.Difficulty, &v.Question.GroupIndex, &v.Question.PartLabel, &topics,
		); err != nil {
			return nil, err
		}
		v.Grading.Gaps = unmarshalTags(gaps)
		v.Grading.Errors = unmarshalTags(errTags)
		v.Question.Topics = unmarshalTags(topics)
		views = append(views, v)
	}
	return views, rows.Err()
}

// SaveReport appends a new report row. Prior reports are never touched.
func (s *Store) SaveReport(submissionID int64, text string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO reports (submission_id, content, created_at) VALUES (?, ?, ?)`,
		submissionID, text, time.Now(),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetLatestReport returns the newest report for a submission, or nil when
// none exists. Ties on created_at fall back to the higher row id.
func (s *Store) GetLatestReport(submissionID int64) (*model.Report, error) {
	var r model.Report
	err := s.db.QueryRow(
		`SELECT id, submission_id, content, created_at FROM reports
		 WHERE submission_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, submissionID,
	).Scan(&r.ID, &r.SubmissionID, &r.Text, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ReportCount returns the number of reports stored for a submission.
func (s *Store) ReportCount(submissionID int64) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM reports WHERE submission_id = ?`, submissionID).Scan(&count)
	return count, err
}

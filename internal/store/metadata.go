package store

import (
	"database/sql"

	"github.com/tranqh/papergrade/internal/model"
)

// SetMetadata upserts a key-value pair in the exam_metadata table.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO exam_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?`,
		key, value, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM exam_metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// GetImportedFileHash returns the recorded content hash for an imported
// file path, empty when the file was never imported.
func (s *Store) GetImportedFileHash(path string) (string, error) {
	return s.GetMetadata("import:" + path)
}

// SetImportedFileHash records the content hash of an imported file.
func (s *Store) SetImportedFileHash(path, hash string) error {
	return s.SetMetadata("import:"+path, hash)
}

// SetExamInfo stores all ExamInfo fields as metadata rows.
func (s *Store) SetExamInfo(info model.ExamInfo) error {
	pairs := []struct{ k, v string }{
		{"exam_id", info.ExamID},
		{"subject", info.Subject},
		{"date", info.Date},
	}
	for _, p := range pairs {
		if err := s.SetMetadata(p.k, p.v); err != nil {
			return err
		}
	}
	return nil
}

// GetExamInfo reads all ExamInfo fields from metadata.
func (s *Store) GetExamInfo() (model.ExamInfo, error) {
	var info model.ExamInfo
	var err error

	if info.ExamID, err = s.GetMetadata("exam_id"); err != nil {
		return info, err
	}
	if info.Subject, err = s.GetMetadata("subject"); err != nil {
		return info, err
	}
	if info.Date, err = s.GetMetadata("date"); err != nil {
		return info, err
	}
	return info, nil
}

package store

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/idpops/teststudio/pkg/testrun"
)

// Document is an opaque JSON document stored as TEXT. Metric documents
// are produced by independently-evolving systems, so they are persisted
// and served verbatim rather than forced through a rigid schema.
type Document []byte

// Value implements driver.Valuer.
func (d Document) Value() (driver.Value, error) {
	if len(d) == 0 {
		return nil, nil
	}

	return string(d), nil
}

// Scan implements sql.Scanner.
func (d *Document) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*d = nil
	case string:
		*d = Document(v)
	case []byte:
		*d = append((*d)[0:0], v...)
	default:
		return fmt.Errorf("scanning document: unsupported type %T", value)
	}

	return nil
}

// MarshalJSON renders the document as raw JSON, or null when absent.
func (d Document) MarshalJSON() ([]byte, error) {
	if len(d) == 0 {
		return []byte("null"), nil
	}

	return d, nil
}

// UnmarshalJSON stores the raw JSON bytes.
func (d *Document) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*d = nil
		return nil
	}

	*d = append((*d)[0:0], data...)

	return nil
}

// TestSet is a named, reusable file-pattern-based document collection.
type TestSet struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	Name        string    `gorm:"not null" json:"name"`
	FilePattern string    `gorm:"not null" json:"file_pattern"`
	Description string    `json:"description,omitempty"`
	Source      string    `gorm:"not null;default:user" json:"source"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Test set source constants.
const (
	SourceUser   = "user"
	SourceConfig = "config"
)

// TestRun tracks one execution of a test set through the document
// pipeline. TestSetName is denormalized so deleting the set does not
// orphan historical runs.
type TestRun struct {
	ID                   uint           `gorm:"primaryKey" json:"-"`
	TestRunID            string         `gorm:"uniqueIndex;not null" json:"test_run_id"`
	TestSetName          string         `gorm:"not null" json:"test_set_name"`
	FilePattern          string         `gorm:"not null" json:"file_pattern"`
	Status               testrun.Status `gorm:"not null;index" json:"status"`
	FilesCount           int            `json:"files_count"`
	CompletedFiles       int            `json:"completed_files"`
	FailedFiles          int            `json:"failed_files"`
	Baseline             Document       `gorm:"type:text" json:"baseline,omitempty"`
	Test                 Document       `gorm:"type:text" json:"test,omitempty"`
	ConfigSnapshot       Document       `gorm:"type:text" json:"config,omitempty"`
	AccuracySimilarity   *float64       `json:"accuracy_similarity,omitempty"`
	ConfidenceSimilarity *float64       `json:"confidence_similarity,omitempty"`
	ErrorMessage         string         `json:"error_message,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
	CompletedAt          *time.Time     `json:"completed_at,omitempty"`
}

// Summary is the compact run representation returned by list queries.
type Summary struct {
	TestRunID    string         `json:"test_run_id"`
	TestSetName  string         `json:"test_set_name"`
	Status       testrun.Status `json:"status"`
	FilesCount   int            `json:"files_count"`
	Progress     float64        `json:"progress"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// Summarize converts a run to its list representation.
func (r *TestRun) Summarize() Summary {
	return Summary{
		TestRunID:    r.TestRunID,
		TestSetName:  r.TestSetName,
		Status:       r.Status,
		FilesCount:   r.FilesCount,
		Progress:     r.Progress(),
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    r.CreatedAt,
		CompletedAt:  r.CompletedAt,
	}
}

// Progress derives the 0..1 completion fraction for the run.
func (r *TestRun) Progress() float64 {
	return testrun.Progress(
		r.Status, r.FilesCount, r.CompletedFiles, r.FailedFiles,
	)
}

package cache

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/veloxdata/transmit/pkg/models"
)

var (
	// ErrCacheCorruption means more than one row exists for a fingerprint or
	// request ID. This violates the at-most-one-execution invariant and is
	// never silently resolved.
	ErrCacheCorruption = errors.New("cache corruption: multiple records for one transform")

	// ErrNotFound is returned when no record exists for the given key.
	ErrNotFound = errors.New("transform record not found")
)

// transformRecord is the completed-transforms table. Rows are written only
// for terminal successful transforms with zero failed files.
//
// Duplicate fingerprints or request IDs are a corruption condition detected
// at read and persist time rather than masked by a constraint, so the
// invariant violation surfaces instead of silently dropping a row.
type transformRecord struct {
	ID            uint   `gorm:"primaryKey"`
	Fingerprint   string `gorm:"index"`
	RequestID     string `gorm:"index"`
	Title         string
	Codegen       string
	SubmitTime    time.Time
	DataDir       string
	FileList      string // JSON-encoded []string
	SignedURLList string // JSON-encoded []string
	Files         int
	FilesFailed   int
	ResultFormat  string
	LogURL        string
	CreatedAt     time.Time
}

// inflightSubmission is the in-flight ledger: submissions begun but not yet
// assigned a remote request ID. Its presence tells concurrent callers with
// the same fingerprint to wait instead of resubmitting.
type inflightSubmission struct {
	Fingerprint string `gorm:"primaryKey"`
	RequestID   string // empty until the remote assigns one
	CreatedAt   time.Time
}

// codegenRecord caches the deployment's supported code generators per
// backend endpoint.
type codegenRecord struct {
	Backend   string `gorm:"primaryKey"`
	Codegens  string // JSON-encoded []string
	FetchedAt time.Time
}

func allTables() []any {
	return []any{&transformRecord{}, &inflightSubmission{}, &codegenRecord{}}
}

func encodeStrings(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func decodeStrings(s string) []string {
	if s == "" {
		return nil
	}
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}

func toRecord(r *models.TransformedResult) *transformRecord {
	return &transformRecord{
		Fingerprint:   r.Fingerprint,
		RequestID:     r.RequestID,
		Title:         r.Title,
		Codegen:       r.Codegen,
		SubmitTime:    r.SubmitTime,
		DataDir:       r.DataDir,
		FileList:      encodeStrings(r.FileList),
		SignedURLList: encodeStrings(r.SignedURLList),
		Files:         r.Files,
		FilesFailed:   r.FilesFailed,
		ResultFormat:  string(r.ResultFormat),
		LogURL:        r.LogURL,
	}
}

func fromRecord(r *transformRecord) *models.TransformedResult {
	return &models.TransformedResult{
		Fingerprint:   r.Fingerprint,
		RequestID:     r.RequestID,
		Title:         r.Title,
		Codegen:       r.Codegen,
		SubmitTime:    r.SubmitTime,
		DataDir:       r.DataDir,
		FileList:      decodeStrings(r.FileList),
		SignedURLList: decodeStrings(r.SignedURLList),
		Files:         r.Files,
		FilesFailed:   r.FilesFailed,
		ResultFormat:  models.ResultFormat(r.ResultFormat),
		LogURL:        r.LogURL,
	}
}

// Package models defines the value types exchanged between the transform
// service, the object store, the local result cache, and the engine.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// ResultDestination directs transform output to the object store or to a
// posix volume mounted on the remote cluster.
type ResultDestination string

const (
	DestinationObjectStore ResultDestination = "object-store"
	DestinationVolume      ResultDestination = "volume"
)

// ResultFormat is the file format of the generated output.
type ResultFormat string

const (
	FormatParquet ResultFormat = "parquet"
	FormatRoot    ResultFormat = "root-file"
)

// OutputShape selects how a lifecycle delivers results: files downloaded to
// the local cache directory, or presigned URLs pointing into the bucket.
type OutputShape int

const (
	ShapeLocalFiles OutputShape = iota
	ShapeSignedURLs
)

func (s OutputShape) String() string {
	if s == ShapeSignedURLs {
		return "signed-urls"
	}
	return "local-files"
}

// Status is the state of a submitted transform as reported by the service.
type Status string

const (
	StatusSubmitted Status = "Submitted"
	StatusLookup    Status = "Lookup"
	StatusRunning   Status = "Running"
	StatusComplete  Status = "Complete"
	StatusCanceled  Status = "Canceled"
	StatusFatal     Status = "Fatal"
)

// Terminal reports whether the transform has stopped making progress.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusCanceled, StatusFatal:
		return true
	}
	return false
}

// TransformRequest describes one transform submission. The request is treated
// as an immutable value once handed to the engine.
//
// Either DID or FileList identifies the input dataset, never both.
type TransformRequest struct {
	// Title is a human readable label. It is excluded from the fingerprint
	// so retitled submissions still hit the cache.
	Title string `json:"title,omitempty"`

	// DID is the dataset identifier resolved by the remote dataset finder.
	DID string `json:"did,omitempty"`

	// FileList is an explicit list of input files, used instead of a DID.
	FileList []string `json:"file-list,omitempty"`

	// Selection is the opaque query string compiled by the named codegen.
	Selection string `json:"selection"`

	// Codegen names the remote component that compiles Selection.
	Codegen string `json:"codegen"`

	// Image optionally pins the transformer container image.
	Image string `json:"image,omitempty"`

	// TreeName optionally selects a tree within the input files.
	TreeName string `json:"tree-name,omitempty"`

	ResultDestination ResultDestination `json:"result-destination"`
	ResultFormat      ResultFormat      `json:"result-format"`
}

// Fingerprint computes the cache key for this request.
//
// Only fields that change the produced bytes participate: dataset identity,
// selection, tree name, codegen, image, result format and the explicit file
// list. Title does not. Two requests with equal fingerprints are the same
// execution and must never both be submitted.
func (r *TransformRequest) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "did=%s\n", r.DID)
	fmt.Fprintf(h, "selection=%s\n", r.Selection)
	fmt.Fprintf(h, "tree=%s\n", r.TreeName)
	fmt.Fprintf(h, "codegen=%s\n", r.Codegen)
	fmt.Fprintf(h, "image=%s\n", r.Image)
	fmt.Fprintf(h, "format=%s\n", r.ResultFormat)
	for _, f := range r.FileList {
		fmt.Fprintf(h, "file=%s\n", f)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Validate checks the request is submittable.
func (r *TransformRequest) Validate() error {
	if r.Selection == "" {
		return fmt.Errorf("transform request has no selection")
	}
	if r.Codegen == "" {
		return fmt.Errorf("transform request has no codegen")
	}
	if r.DID == "" && len(r.FileList) == 0 {
		return fmt.Errorf("transform request needs a dataset identifier or a file list")
	}
	if r.DID != "" && len(r.FileList) > 0 {
		return fmt.Errorf("transform request specifies both a dataset identifier and a file list")
	}
	if r.ResultFormat == "" {
		return fmt.Errorf("transform request has no result format")
	}
	return nil
}

// TransformStatus is the status document returned by the transform service.
//
// Files is zero while the dataset lookup is still running; progress consumers
// must treat that phase as indeterminate.
type TransformStatus struct {
	RequestID      string     `json:"request_id"`
	Title          string     `json:"title,omitempty"`
	Status         Status     `json:"status"`
	Files          int        `json:"files"`
	FilesCompleted int        `json:"files-completed"`
	FilesFailed    int        `json:"files-failed"`
	FilesRemaining int        `json:"files-remaining"`
	SubmitTime     time.Time  `json:"submit-time"`
	FinishTime     *time.Time `json:"finish-time,omitempty"`

	// Object store coordinates for this transform's output bucket. The
	// bucket name is the request ID.
	StoreEndpoint  string `json:"store-endpoint,omitempty"`
	StoreSecured   bool   `json:"store-secured,omitempty"`
	StoreAccessKey string `json:"store-access-key,omitempty"`
	StoreSecretKey string `json:"store-secret-key,omitempty"`

	// LogURL links to the server-side log aggregator for this request.
	LogURL string `json:"log-url,omitempty"`
}

// ResultFile describes one object produced by a transform.
type ResultFile struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	Extension string    `json:"extension"`
	CreatedAt time.Time `json:"created-at,omitzero"`
}

// TransformedResult is the execution record for a completed transform. It is
// what the cache persists and what callers receive.
type TransformedResult struct {
	Fingerprint   string       `json:"fingerprint"`
	Title         string       `json:"title"`
	Codegen       string       `json:"codegen"`
	RequestID     string       `json:"request_id"`
	SubmitTime    time.Time    `json:"submit-time"`
	DataDir       string       `json:"data-dir"`
	FileList      []string     `json:"file-list"`
	SignedURLList []string     `json:"signed-url-list"`
	Files         int          `json:"files"`
	FilesFailed   int          `json:"files-failed"`
	ResultFormat  ResultFormat `json:"result-format"`
	LogURL        string       `json:"log-url,omitempty"`
}

// HasShape reports whether the record already carries results in the
// requested output shape.
func (r *TransformedResult) HasShape(shape OutputShape) bool {
	if shape == ShapeSignedURLs {
		return len(r.SignedURLList) > 0
	}
	return len(r.FileList) > 0
}

// Reusable reports whether the record may be served from cache. Records from
// partially failed transforms are returned to the caller but never reused.
func (r *TransformedResult) Reusable() bool {
	return r.FilesFailed == 0
}

package logger

import "log/slog"

// Standard field keys for structured logging. Use these consistently so log
// lines from different packages aggregate under the same keys.
const (
	// Transform identity
	KeyRequestID   = "request_id"  // Remote transform request ID
	KeyFingerprint = "fingerprint" // Request fingerprint (cache key)
	KeyTitle       = "title"       // Human readable request title
	KeyPhase       = "phase"       // Engine phase: submit, poll, download

	// Transform progress
	KeyStatus         = "status"          // Remote transform status
	KeyFiles          = "files"           // Total files in the dataset
	KeyFilesCompleted = "files_completed" // Files the remote has finished
	KeyFilesFailed    = "files_failed"    // Files the remote failed on

	// Object store
	KeyBucket  = "bucket"  // Bucket name (equals the request ID)
	KeyObject  = "object"  // Object name within the bucket
	KeyPath    = "path"    // Local destination path
	KeySize    = "size"    // Byte size
	KeyAttempt = "attempt" // Retry attempt number

	// Operation metadata
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
	KeyCacheHit   = "cache_hit"   // Cache hit indicator
	KeyURL        = "url"         // Endpoint or diagnostic URL
)

// RequestID returns a slog.Attr for the remote request ID
func RequestID(id string) slog.Attr {
	return slog.String(KeyRequestID, id)
}

// Fingerprint returns a slog.Attr for a request fingerprint
func Fingerprint(fp string) slog.Attr {
	return slog.String(KeyFingerprint, fp)
}

// Title returns a slog.Attr for the request title
func Title(t string) slog.Attr {
	return slog.String(KeyTitle, t)
}

// Phase returns a slog.Attr for the engine phase
func Phase(p string) slog.Attr {
	return slog.String(KeyPhase, p)
}

// Bucket returns a slog.Attr for a bucket name
func Bucket(name string) slog.Attr {
	return slog.String(KeyBucket, name)
}

// Object returns a slog.Attr for an object name
func Object(name string) slog.Attr {
	return slog.String(KeyObject, name)
}

// Path returns a slog.Attr for a local path
func Path(p string) slog.Attr {
	return slog.String(KeyPath, p)
}

// Size returns a slog.Attr for a byte size
func Size(n int64) slog.Attr {
	return slog.Int64(KeySize, n)
}

// Attempt returns a slog.Attr for a retry attempt number
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// DurationMs returns a slog.Attr for duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// CacheHit returns a slog.Attr for a cache hit indicator
func CacheHit(hit bool) slog.Attr {
	return slog.Bool(KeyCacheHit, hit)
}

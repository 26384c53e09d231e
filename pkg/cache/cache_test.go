package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veloxdata/transmit/pkg/models"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(Config{
		Dir:                t.TempDir(),
		LedgerPollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testRecord(fingerprint, requestID string) *models.TransformedResult {
	return &models.TransformedResult{
		Fingerprint:  fingerprint,
		Title:        "test transform",
		Codegen:      "uproot",
		RequestID:    requestID,
		SubmitTime:   time.Now().UTC().Truncate(time.Second),
		DataDir:      "/tmp/" + requestID,
		FileList:     []string{"/tmp/" + requestID + "/a.parquet"},
		Files:        1,
		ResultFormat: models.FormatParquet,
	}
}

func TestPersistAndLookup(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	rec := testRecord("fp-1", "req-1")
	require.NoError(t, c.Persist(ctx, rec))

	got, err := c.Lookup(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, rec.RequestID, got.RequestID)
	assert.Equal(t, rec.FileList, got.FileList)
	assert.Equal(t, rec.ResultFormat, got.ResultFormat)

	byID, err := c.LookupByRequestID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Fingerprint, byID.Fingerprint)
}

func TestLookupNotFound(t *testing.T) {
	c := openTestCache(t)

	_, err := c.Lookup(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPersistRejectsDuplicates(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Persist(ctx, testRecord("fp-1", "req-1")))

	err := c.Persist(ctx, testRecord("fp-1", "req-other"))
	assert.ErrorIs(t, err, ErrCacheCorruption)

	// Same request ID under a different fingerprint is corruption too.
	err = c.Persist(ctx, testRecord("fp-other", "req-1"))
	assert.ErrorIs(t, err, ErrCacheCorruption)
}

func TestLookupDetectsCorruption(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	// Plant duplicate rows behind the cache's back.
	require.NoError(t, c.db.Create(toRecord(testRecord("fp-1", "req-1"))).Error)
	require.NoError(t, c.db.Create(toRecord(testRecord("fp-1", "req-2"))).Error)

	_, err := c.Lookup(ctx, "fp-1")
	assert.ErrorIs(t, err, ErrCacheCorruption)
}

func TestIgnoreScope(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Persist(ctx, testRecord("fp-1", "req-1")))

	restore := c.Ignore()
	_, err := c.Lookup(ctx, "fp-1")
	assert.ErrorIs(t, err, ErrNotFound)

	restore()
	_, err = c.Lookup(ctx, "fp-1")
	assert.NoError(t, err)

	// Restore is idempotent.
	restore()
	_, err = c.Lookup(ctx, "fp-1")
	assert.NoError(t, err)
}

func TestSubmissionLedger(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	state, _, err := c.TryBeginSubmission(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, Begin, state)

	// A second claimer sees the submission pending.
	state, _, err = c.TryBeginSubmission(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, Pending, state)

	require.NoError(t, c.RecordSubmitted(ctx, "fp-1", "req-1"))

	state, requestID, err := c.TryBeginSubmission(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, AlreadySubmitted, state)
	assert.Equal(t, "req-1", requestID)
}

func TestEndSubmissionReopens(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	state, _, err := c.TryBeginSubmission(ctx, "fp-1")
	require.NoError(t, err)
	require.Equal(t, Begin, state)

	require.NoError(t, c.EndSubmission(ctx, "fp-1"))

	state, _, err = c.TryBeginSubmission(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, Begin, state)
}

func TestAwaitRequestID(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	state, _, err := c.TryBeginSubmission(ctx, "fp-1")
	require.NoError(t, err)
	require.Equal(t, Begin, state)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = c.RecordSubmitted(context.Background(), "fp-1", "req-1")
	}()

	id, err := c.AwaitRequestID(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, "req-1", id)
}

func TestAwaitRequestIDAbandoned(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	state, _, err := c.TryBeginSubmission(ctx, "fp-1")
	require.NoError(t, err)
	require.Equal(t, Begin, state)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = c.EndSubmission(context.Background(), "fp-1")
	}()

	_, err = c.AwaitRequestID(ctx, "fp-1")
	assert.Error(t, err)
}

func TestAwaitRequestIDFindsPersistedRecord(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	state, _, err := c.TryBeginSubmission(ctx, "fp-1")
	require.NoError(t, err)
	require.Equal(t, Begin, state)

	// The owner finished the whole lifecycle before we polled: the ledger
	// entry is gone but a completed record exists.
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = c.Persist(context.Background(), testRecord("fp-1", "req-1"))
	}()

	id, err := c.AwaitRequestID(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, "req-1", id)
}

func TestAwaitRequestIDContextCancel(t *testing.T) {
	c := openTestCache(t)

	state, _, err := c.TryBeginSubmission(context.Background(), "fp-1")
	require.NoError(t, err)
	require.Equal(t, Begin, state)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = c.AwaitRequestID(ctx, "fp-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPersistClearsLedger(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	state, _, err := c.TryBeginSubmission(ctx, "fp-1")
	require.NoError(t, err)
	require.Equal(t, Begin, state)
	require.NoError(t, c.RecordSubmitted(ctx, "fp-1", "req-1"))

	require.NoError(t, c.Persist(ctx, testRecord("fp-1", "req-1")))

	// The ledger entry is gone, but the record answers lookups.
	state, requestID, err := c.TryBeginSubmission(ctx, "fp-2")
	require.NoError(t, err)
	assert.Equal(t, Begin, state)
	assert.Empty(t, requestID)

	got, err := c.Lookup(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, "req-1", got.RequestID)
}

func TestUpdate(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	rec := testRecord("fp-1", "req-1")
	require.NoError(t, c.Persist(ctx, rec))

	rec.SignedURLList = []string{"https://store/a?sig=x"}
	require.NoError(t, c.Update(ctx, rec))

	got, err := c.Lookup(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, rec.SignedURLList, got.SignedURLList)
	assert.Equal(t, rec.FileList, got.FileList)
}

func TestUpdateMissing(t *testing.T) {
	c := openTestCache(t)

	err := c.Update(context.Background(), testRecord("fp-1", "req-1"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteByRequestID(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Persist(ctx, testRecord("fp-1", "req-1")))
	require.NoError(t, c.DeleteByRequestID(ctx, "req-1"))

	_, err := c.Lookup(ctx, "fp-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCachedTransformsOrder(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Persist(ctx, testRecord("fp-1", "req-1")))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.Persist(ctx, testRecord("fp-2", "req-2")))

	records, err := c.CachedTransforms(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "req-2", records[0].RequestID)
	assert.Equal(t, "req-1", records[1].RequestID)
}

func TestPathForTransform(t *testing.T) {
	c := openTestCache(t)

	dir, err := c.PathForTransform("req-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(c.Dir(), "req-1"), dir)
	assert.DirExists(t, dir)
}

func TestCodegenCache(t *testing.T) {
	c := openTestCache(t)
	ctx := context.Background()

	names, fresh, err := c.CodegensFor(ctx, "https://svc.example")
	require.NoError(t, err)
	assert.Empty(t, names)
	assert.False(t, fresh)

	require.NoError(t, c.StoreCodegens(ctx, "https://svc.example", []string{"uproot", "func_adl"}))

	names, fresh, err = c.CodegensFor(ctx, "https://svc.example")
	require.NoError(t, err)
	assert.True(t, fresh)
	assert.Equal(t, []string{"uproot", "func_adl"}, names)
}

func TestCodegenCacheExpiry(t *testing.T) {
	c, err := Open(Config{
		Dir:        t.TempDir(),
		CodegenTTL: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	ctx := context.Background()

	require.NoError(t, c.StoreCodegens(ctx, "backend", []string{"uproot"}))
	time.Sleep(30 * time.Millisecond)

	names, fresh, err := c.CodegensFor(ctx, "backend")
	require.NoError(t, err)
	assert.False(t, fresh)
	assert.Equal(t, []string{"uproot"}, names)
}

func TestSharedDirectoryDedup(t *testing.T) {
	dir := t.TempDir()

	c1, err := Open(Config{Dir: dir, LedgerPollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c1.Close() })

	// A second cache over the same directory stands in for another process.
	c2, err := Open(Config{Dir: dir, LedgerPollInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c2.Close() })

	ctx := context.Background()

	state, _, err := c1.TryBeginSubmission(ctx, "fp-1")
	require.NoError(t, err)
	require.Equal(t, Begin, state)

	state, _, err = c2.TryBeginSubmission(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, Pending, state)

	require.NoError(t, c1.RecordSubmitted(ctx, "fp-1", "req-1"))

	id, err := c2.AwaitRequestID(ctx, "fp-1")
	require.NoError(t, err)
	assert.Equal(t, "req-1", id)
}

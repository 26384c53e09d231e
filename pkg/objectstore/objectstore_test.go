package objectstore

import (
	"context"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore serves a minimal S3 surface: path-style ListObjectsV2 and
// GetObject over one bucket.
type fakeStore struct {
	objects  map[string][]byte
	getCount atomic.Int64
	truncate bool
}

func (f *fakeStore) handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/{bucket}", f.listObjects)
	r.Get("/{bucket}/*", f.getObject)
	return r
}

func (f *fakeStore) listObjects(w http.ResponseWriter, r *http.Request) {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	b.WriteString(`<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">`)
	fmt.Fprintf(&b, "<Name>%s</Name><IsTruncated>false</IsTruncated>", chi.URLParam(r, "bucket"))
	for name, data := range f.objects {
		fmt.Fprintf(&b,
			"<Contents><Key>%s</Key><Size>%d</Size><LastModified>2024-01-01T00:00:00.000Z</LastModified></Contents>",
			name, len(data))
	}
	b.WriteString("</ListBucketResult>")
	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write([]byte(b.String()))
}

func (f *fakeStore) getObject(w http.ResponseWriter, r *http.Request) {
	f.getCount.Add(1)
	key := chi.URLParam(r, "*")
	data, ok := f.objects[key]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if f.truncate {
		data = data[:len(data)/2]
	}
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	_, _ = w.Write(data)
}

func newTestClient(t *testing.T, store *fakeStore, opts Options) *Client {
	t.Helper()
	srv := httptest.NewServer(store.handler())
	t.Cleanup(srv.Close)

	endpoint := strings.TrimPrefix(srv.URL, "http://")
	client, err := New(context.Background(), endpoint, false, "access", "secret", opts)
	require.NoError(t, err)
	return client
}

func TestListObjects(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{
		"events.parquet": []byte("abc"),
	}}
	client := newTestClient(t, store, Options{})

	files, err := client.ListObjects(context.Background(), "req-1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "events.parquet", files[0].Name)
	assert.Equal(t, int64(3), files[0].Size)
	assert.Equal(t, "parquet", files[0].Extension)
	assert.False(t, files[0].CreatedAt.IsZero())
}

func TestDownload(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{
		"events.parquet": []byte("hello world"),
	}}
	client := newTestClient(t, store, Options{})
	dir := t.TempDir()

	path, err := client.Download(context.Background(), "req-1", "events.parquet", dir, 11)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "events.parquet"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	// No partial temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDownloadIdempotent(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{
		"events.parquet": []byte("hello world"),
	}}
	client := newTestClient(t, store, Options{})
	dir := t.TempDir()

	_, err := client.Download(context.Background(), "req-1", "events.parquet", dir, 11)
	require.NoError(t, err)
	require.Equal(t, int64(1), store.getCount.Load())

	// Same object again: destination already carries the expected bytes, so
	// no transfer happens.
	path, err := client.Download(context.Background(), "req-1", "events.parquet", dir, 11)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "events.parquet"), path)
	assert.Equal(t, int64(1), store.getCount.Load())
}

func TestDownloadSizeMismatchRetransfers(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{
		"events.parquet": []byte("hello world"),
	}}
	client := newTestClient(t, store, Options{})
	dir := t.TempDir()

	// A stale file with the wrong size does not satisfy the skip check.
	dest := filepath.Join(dir, "events.parquet")
	require.NoError(t, os.WriteFile(dest, []byte("stale"), 0644))

	_, err := client.Download(context.Background(), "req-1", "events.parquet", dir, 11)
	require.NoError(t, err)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestDownloadTruncatedBodyFails(t *testing.T) {
	store := &fakeStore{
		objects:  map[string][]byte{"events.parquet": []byte("hello world")},
		truncate: true,
	}
	client := newTestClient(t, store, Options{MaxRetries: 1})
	dir := t.TempDir()

	_, err := client.Download(context.Background(), "req-1", "events.parquet", dir, 11)
	require.Error(t, err)
	assert.ErrorIs(t, err, errShortTransfer)

	// The truncated body never reached the destination path.
	assert.NoFileExists(t, filepath.Join(dir, "events.parquet"))
	// Short transfers are transient, so the attempt was retried.
	assert.Greater(t, store.getCount.Load(), int64(1))
}

func TestDownloadShortenedNames(t *testing.T) {
	long := strings.Repeat("d", 150) + "/events.parquet"
	store := &fakeStore{objects: map[string][]byte{long: []byte("xyz")}}
	client := newTestClient(t, store, Options{ShortenNames: true})
	dir := t.TempDir()

	path, err := client.Download(context.Background(), "req-1", long, dir, 3)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(filepath.Base(path)), maxPathLen)
	assert.FileExists(t, path)
	// The kept tail straddles the key's prefix, so the separator must have
	// been flattened rather than creating a subdirectory.
	assert.Equal(t, dir, filepath.Dir(path))
}

func TestDownloadKeyWithPrefix(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{
		"run-7/events.parquet": []byte("abc"),
	}}
	client := newTestClient(t, store, Options{})
	dir := t.TempDir()

	path, err := client.Download(context.Background(), "req-1", "run-7/events.parquet", dir, 3)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "run-7_events.parquet"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
}

func TestSignURL(t *testing.T) {
	store := &fakeStore{objects: map[string][]byte{"events.parquet": []byte("abc")}}
	client := newTestClient(t, store, Options{})

	signed, err := client.SignURL(context.Background(), "req-1", "events.parquet")
	require.NoError(t, err)
	assert.Contains(t, signed, "req-1/events.parquet")
	assert.Contains(t, signed, "X-Amz-Signature=")
}

func TestIsTransient(t *testing.T) {
	assert.False(t, isTransient(nil))
	assert.False(t, isTransient(context.Canceled))
	assert.False(t, isTransient(context.DeadlineExceeded))
	assert.True(t, isTransient(errShortTransfer))
	assert.True(t, isTransient(fmt.Errorf("verify: %w", errShortTransfer)))
	assert.False(t, isTransient(fmt.Errorf("some application error")))

	// Connection-level failures retry.
	assert.True(t, isTransient(&net.OpError{Op: "dial", Err: fmt.Errorf("connection refused")}))
	assert.True(t, isTransient(&url.Error{Op: "Get", URL: "http://store", Err: fmt.Errorf("EOF")}))

	// Local filesystem errors are deterministic and must not retry, even
	// though a bare errno satisfies the net.Error interface.
	assert.False(t, isTransient(syscall.ENOENT))
	assert.False(t, isTransient(&fs.PathError{Op: "open", Path: "/nope", Err: syscall.ENOENT}))
}

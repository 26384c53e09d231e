package transformapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veloxdata/transmit/pkg/models"
)

func testRequest() *models.TransformRequest {
	return &models.TransformRequest{
		Title:             "test",
		DID:               "rucio://scope:dataset",
		Selection:         "(call Select ...)",
		Codegen:           "uproot",
		ResultDestination: models.DestinationObjectStore,
		ResultFormat:      models.FormatParquet,
	}
}

func TestSubmitTransform(t *testing.T) {
	requestID := uuid.NewString()
	var gotAuth string

	r := chi.NewRouter()
	r.Post("/api/transformation", func(w http.ResponseWriter, req *http.Request) {
		gotAuth = req.Header.Get("Authorization")

		var body models.TransformRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		assert.Equal(t, "rucio://scope:dataset", body.DID)
		assert.Equal(t, "uproot", body.Codegen)

		_ = json.NewEncoder(w).Encode(map[string]string{"request_id": requestID})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	client := New(srv.URL, Options{Token: "sekret"})

	id, err := client.SubmitTransform(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, requestID, id)
	assert.Equal(t, "Bearer sekret", gotAuth)
}

func TestSubmitTransformInvalid(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/api/transformation", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "unknown codegen"})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	client := New(srv.URL, Options{})

	_, err := client.SubmitTransform(context.Background(), testRequest())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Contains(t, err.Error(), "unknown codegen")
}

func TestSubmitTransformUnauthorized(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/api/transformation", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	client := New(srv.URL, Options{})

	_, err := client.SubmitTransform(context.Background(), testRequest())
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestSubmitTransformRejectsLocally(t *testing.T) {
	client := New("http://unused.invalid", Options{})

	req := testRequest()
	req.Selection = ""
	_, err := client.SubmitTransform(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestGetTransformStatus(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/transformation/{id}", func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode(models.TransformStatus{
			RequestID:      chi.URLParam(req, "id"),
			Status:         models.StatusRunning,
			Files:          10,
			FilesCompleted: 4,
		})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	client := New(srv.URL, Options{})

	st, err := client.GetTransformStatus(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, "req-1", st.RequestID)
	assert.Equal(t, models.StatusRunning, st.Status)
	assert.Equal(t, 4, st.FilesCompleted)
}

func TestGetTransformStatusNotFound(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/transformation/{id}", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	client := New(srv.URL, Options{})

	_, err := client.GetTransformStatus(context.Background(), "nope")
	var notFound *TransformNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "nope", notFound.RequestID)
}

func TestGetTransforms(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/transformation", func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"requests": []models.TransformStatus{
				{RequestID: "req-1", Status: models.StatusComplete},
				{RequestID: "req-2", Status: models.StatusRunning},
			},
		})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	client := New(srv.URL, Options{})

	transforms, err := client.GetTransforms(context.Background())
	require.NoError(t, err)
	require.Len(t, transforms, 2)
	assert.Equal(t, "req-1", transforms[0].RequestID)
}

func TestGetTransformResultsCursor(t *testing.T) {
	var gotLaterThan string
	r := chi.NewRouter()
	r.Get("/api/transformation/{id}/results", func(w http.ResponseWriter, req *http.Request) {
		gotLaterThan = req.URL.Query().Get("later_than")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"file-path": "a.parquet", "total-bytes": 3, "created-at": "2024-05-01T10:00:00Z"},
			},
		})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	client := New(srv.URL, Options{})

	cursor := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	files, err := client.GetTransformResults(context.Background(), "req-1", cursor)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "a.parquet", files[0].Name)
	assert.Equal(t, int64(3), files[0].Size)
	assert.Equal(t, "2024-05-01T09:00:00Z", gotLaterThan)
}

func TestGetCapabilities(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/capabilities", func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"capabilities": []string{CapLocalResults},
		})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	client := New(srv.URL, Options{})

	caps, err := client.GetCapabilities(context.Background())
	require.NoError(t, err)
	assert.True(t, HasCapability(caps, CapLocalResults))
	assert.False(t, HasCapability(caps, CapLongTitles))
}

func TestGetCapabilitiesLegacyDeployment(t *testing.T) {
	// Older deployments have no capabilities endpoint at all.
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	client := New(srv.URL, Options{})

	caps, err := client.GetCapabilities(context.Background())
	require.NoError(t, err)
	assert.Empty(t, caps)
}

func TestGetCodeGenerators(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/codegens", func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"uproot":   "http://codegen-uproot",
			"func_adl": "http://codegen-funcadl",
		})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	client := New(srv.URL, Options{})

	names, err := client.GetCodeGenerators(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"uproot", "func_adl"}, names)
}

func TestTransientServerErrorsRetry(t *testing.T) {
	var calls atomic.Int64
	r := chi.NewRouter()
	r.Get("/api/transformation/{id}", func(w http.ResponseWriter, req *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(models.TransformStatus{RequestID: "req-1"})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	client := New(srv.URL, Options{MaxRetries: 3})

	st, err := client.GetTransformStatus(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, "req-1", st.RequestID)
	assert.Equal(t, int64(3), calls.Load())
}

func TestClientErrorsDoNotRetry(t *testing.T) {
	var calls atomic.Int64
	r := chi.NewRouter()
	r.Get("/api/transformation/{id}", func(w http.ResponseWriter, req *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	client := New(srv.URL, Options{MaxRetries: 3})

	_, err := client.GetTransformStatus(context.Background(), "req-1")
	require.Error(t, err)
	assert.Equal(t, int64(1), calls.Load())
}

func TestCancelTransform(t *testing.T) {
	var canceled atomic.Bool
	r := chi.NewRouter()
	r.Get("/api/transformation/{id}/cancel", func(w http.ResponseWriter, req *http.Request) {
		canceled.Store(true)
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	client := New(srv.URL, Options{})

	require.NoError(t, client.CancelTransform(context.Background(), "req-1"))
	assert.True(t, canceled.Load())
}

func TestDeleteTransform(t *testing.T) {
	r := chi.NewRouter()
	r.Delete("/api/transformation/{id}", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	client := New(srv.URL, Options{})
	assert.NoError(t, client.DeleteTransform(context.Background(), "req-1"))
}

func TestValidateTitle(t *testing.T) {
	long := make([]byte, MaxLegacyTitleLen+1)
	for i := range long {
		long[i] = 'a'
	}

	assert.NoError(t, ValidateTitle("short", nil))
	assert.ErrorIs(t, ValidateTitle(string(long), nil), ErrInvalidRequest)
	assert.NoError(t, ValidateTitle(string(long), []string{CapLongTitles}))
}

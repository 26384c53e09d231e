package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseRequest() *TransformRequest {
	return &TransformRequest{
		Title:             "my analysis",
		DID:               "rucio://scope:dataset",
		Selection:         "(call Select ...)",
		Codegen:           "uproot",
		ResultDestination: DestinationObjectStore,
		ResultFormat:      FormatParquet,
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	a := baseRequest()
	b := baseRequest()
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.Len(t, a.Fingerprint(), 64)
}

func TestFingerprintIgnoresTitle(t *testing.T) {
	a := baseRequest()
	b := baseRequest()
	b.Title = "completely different title"
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestFingerprintSensitiveFields(t *testing.T) {
	base := baseRequest().Fingerprint()

	tests := []struct {
		name   string
		mutate func(*TransformRequest)
	}{
		{"did", func(r *TransformRequest) { r.DID = "rucio://scope:other" }},
		{"selection", func(r *TransformRequest) { r.Selection = "(call SelectMany ...)" }},
		{"codegen", func(r *TransformRequest) { r.Codegen = "func_adl" }},
		{"image", func(r *TransformRequest) { r.Image = "transformer:v2" }},
		{"tree", func(r *TransformRequest) { r.TreeName = "Events" }},
		{"format", func(r *TransformRequest) { r.ResultFormat = FormatRoot }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := baseRequest()
			tt.mutate(req)
			assert.NotEqual(t, base, req.Fingerprint())
		})
	}
}

func TestFingerprintFileListOrder(t *testing.T) {
	a := baseRequest()
	a.DID = ""
	a.FileList = []string{"root://a", "root://b"}

	b := baseRequest()
	b.DID = ""
	b.FileList = []string{"root://b", "root://a"}

	// File order changes the produced output order, so it participates.
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestValidate(t *testing.T) {
	req := baseRequest()
	require.NoError(t, req.Validate())

	t.Run("no selection", func(t *testing.T) {
		r := baseRequest()
		r.Selection = ""
		assert.Error(t, r.Validate())
	})

	t.Run("no codegen", func(t *testing.T) {
		r := baseRequest()
		r.Codegen = ""
		assert.Error(t, r.Validate())
	})

	t.Run("no dataset", func(t *testing.T) {
		r := baseRequest()
		r.DID = ""
		assert.Error(t, r.Validate())
	})

	t.Run("both did and file list", func(t *testing.T) {
		r := baseRequest()
		r.FileList = []string{"root://a"}
		assert.Error(t, r.Validate())
	})

	t.Run("file list alone is fine", func(t *testing.T) {
		r := baseRequest()
		r.DID = ""
		r.FileList = []string{"root://a"}
		assert.NoError(t, r.Validate())
	})
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusSubmitted.Terminal())
	assert.False(t, StatusLookup.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.True(t, StatusComplete.Terminal())
	assert.True(t, StatusCanceled.Terminal())
	assert.True(t, StatusFatal.Terminal())
}

func TestTransformedResultShapes(t *testing.T) {
	rec := &TransformedResult{FileList: []string{"/tmp/a.parquet"}}
	assert.True(t, rec.HasShape(ShapeLocalFiles))
	assert.False(t, rec.HasShape(ShapeSignedURLs))

	rec.SignedURLList = []string{"https://store/a?sig=x"}
	assert.True(t, rec.HasShape(ShapeSignedURLs))
}

func TestReusable(t *testing.T) {
	rec := &TransformedResult{Files: 10}
	assert.True(t, rec.Reusable())

	rec.FilesFailed = 1
	assert.False(t, rec.Reusable())
}

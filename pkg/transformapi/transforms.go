package transformapi

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/veloxdata/transmit/pkg/models"
)

// Capability flags advertised by GET /api/capabilities.
const (
	// CapLocalResults means the service can answer incremental result
	// queries; without it the engine falls back to bucket listings.
	CapLocalResults = "poll-local-results"

	// CapLongTitles lifts the legacy 128-character title limit.
	CapLongTitles = "long-titles"
)

// MaxLegacyTitleLen is the title limit enforced against deployments that do
// not advertise CapLongTitles.
const MaxLegacyTitleLen = 128

// SubmitTransform submits a transform request and returns the request ID
// assigned by the service.
func (c *Client) SubmitTransform(ctx context.Context, req *models.TransformRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	var resp struct {
		RequestID string `json:"request_id"`
	}
	if err := c.post(ctx, "/api/transformation", req, &resp); err != nil {
		return "", fmt.Errorf("failed to submit transform: %w", err)
	}
	if resp.RequestID == "" {
		return "", fmt.Errorf("transform submission returned no request id")
	}

	return resp.RequestID, nil
}

// GetTransformStatus fetches the current status of a transform.
func (c *Client) GetTransformStatus(ctx context.Context, requestID string) (*models.TransformStatus, error) {
	var status models.TransformStatus
	err := c.get(ctx, "/api/transformation/"+url.PathEscape(requestID), &status)
	if err != nil {
		return nil, notFoundOr(err, requestID, "failed to get transform status")
	}
	return &status, nil
}

// GetTransforms lists all transforms visible to the caller, newest first.
func (c *Client) GetTransforms(ctx context.Context) ([]models.TransformStatus, error) {
	var resp struct {
		Requests []models.TransformStatus `json:"requests"`
	}
	if err := c.get(ctx, "/api/transformation", &resp); err != nil {
		return nil, fmt.Errorf("failed to list transforms: %w", err)
	}
	return resp.Requests, nil
}

// CancelTransform asks the service to stop a running transform. Canceling a
// transform that already reached a terminal state is not an error.
func (c *Client) CancelTransform(ctx context.Context, requestID string) error {
	err := c.get(ctx, "/api/transformation/"+url.PathEscape(requestID)+"/cancel", nil)
	if err != nil {
		return notFoundOr(err, requestID, "failed to cancel transform")
	}
	return nil
}

// DeleteTransform removes a transform record and its output bucket from the
// service.
func (c *Client) DeleteTransform(ctx context.Context, requestID string) error {
	err := c.delete(ctx, "/api/transformation/"+url.PathEscape(requestID))
	if err != nil {
		return notFoundOr(err, requestID, "failed to delete transform")
	}
	return nil
}

// GetTransformResults queries the incremental result log of a transform,
// returning files recorded after the laterThan cursor. Pass the zero time for
// the full list. Only meaningful on deployments advertising CapLocalResults.
func (c *Client) GetTransformResults(ctx context.Context, requestID string, laterThan time.Time) ([]models.ResultFile, error) {
	path := "/api/transformation/" + url.PathEscape(requestID) + "/results"
	if !laterThan.IsZero() {
		path += "?later_than=" + url.QueryEscape(laterThan.UTC().Format(time.RFC3339Nano))
	}

	var resp struct {
		Results []struct {
			Filename  string `json:"file-path"`
			Size      int64  `json:"total-bytes"`
			CreatedAt string `json:"created-at"`
		} `json:"results"`
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, notFoundOr(err, requestID, "failed to get transform results")
	}

	files := make([]models.ResultFile, 0, len(resp.Results))
	for _, r := range resp.Results {
		created, _ := time.Parse(time.RFC3339Nano, r.CreatedAt)
		files = append(files, models.ResultFile{
			Name:      r.Filename,
			Size:      r.Size,
			CreatedAt: created,
		})
	}

	return files, nil
}

// GetCapabilities returns the feature flags advertised by the deployment.
// Older deployments without the endpoint report no capabilities.
func (c *Client) GetCapabilities(ctx context.Context) ([]string, error) {
	var resp struct {
		Capabilities []string `json:"capabilities"`
	}
	err := c.get(ctx, "/api/capabilities", &resp)
	if err != nil {
		var apiErr *APIError
		if asAPIError(err, &apiErr) && apiErr.StatusCode == 404 {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get capabilities: %w", err)
	}
	return resp.Capabilities, nil
}

// HasCapability reports whether flag appears in caps.
func HasCapability(caps []string, flag string) bool {
	for _, c := range caps {
		if c == flag {
			return true
		}
	}
	return false
}

// GetCodeGenerators returns the names of the code generators deployed on the
// service.
func (c *Client) GetCodeGenerators(ctx context.Context) ([]string, error) {
	var resp map[string]any
	if err := c.get(ctx, "/api/codegens", &resp); err != nil {
		return nil, fmt.Errorf("failed to get code generators: %w", err)
	}

	names := make([]string, 0, len(resp))
	for name := range resp {
		names = append(names, name)
	}
	return names, nil
}

// notFoundOr maps a 404 to TransformNotFoundError, otherwise wraps err with
// msg. The unauthorized and invalid-request sentinels pass through unchanged.
func notFoundOr(err error, requestID, msg string) error {
	var apiErr *APIError
	if asAPIError(err, &apiErr) && apiErr.StatusCode == 404 {
		return &TransformNotFoundError{RequestID: requestID}
	}
	if errors.Is(err, ErrUnauthorized) {
		return err
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// ValidateTitle enforces the title limit on deployments without the
// long-titles capability.
func ValidateTitle(title string, caps []string) error {
	if HasCapability(caps, CapLongTitles) {
		return nil
	}
	if len(title) > MaxLegacyTitleLen {
		return fmt.Errorf("%w: title exceeds %d characters", ErrInvalidRequest, MaxLegacyTitleLen)
	}
	return nil
}

// Package transformapi provides the REST client for the transform service.
//
// The service exposes a narrow surface: submit a transform, poll its status,
// cancel or delete it, and query deployment metadata (capabilities, code
// generators). Everything else the engine needs comes from the object store.
package transformapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client is the transform service API client.
//
// Safe for concurrent use by multiple goroutines.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       *authenticator
	maxRetries int
}

// Options configures a Client.
type Options struct {
	// Token is a static bearer token.
	Token string

	// TokenFile is a path to a file holding a bearer token, re-read on
	// every request so rotated tokens are picked up.
	TokenFile string

	// RefreshToken is exchanged at /token/refresh for short-lived access
	// tokens when the current one expires.
	RefreshToken string

	// Timeout bounds each HTTP request. Default: 30s.
	Timeout time.Duration

	// MaxRetries bounds retries of transient (5xx, transport) failures.
	// Default: 3.
	MaxRetries int
}

// New creates a new API client for the service at baseURL.
func New(baseURL string, opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}

	httpClient := &http.Client{Timeout: opts.Timeout}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		maxRetries: opts.MaxRetries,
		auth: &authenticator{
			baseURL:      baseURL,
			httpClient:   httpClient,
			token:        opts.Token,
			tokenFile:    opts.TokenFile,
			refreshToken: opts.RefreshToken,
		},
	}
}

// URL returns the service base URL.
func (c *Client) URL() string {
	return c.baseURL
}

// do performs an HTTP request and decodes the response, retrying transient
// failures with exponential backoff.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		payload = data
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.maxRetries)),
		ctx,
	)

	return backoff.Retry(func() error {
		err := c.doOnce(ctx, method, path, payload, result)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if asAPIError(err, &apiErr) && apiErr.StatusCode < 500 {
			// Client errors are final; the typed wrappers are attached
			// in doOnce.
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte, result any) error {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if err := c.auth.apply(ctx, req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return wrapStatusError(resp.StatusCode, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	return c.do(ctx, http.MethodGet, path, nil, result)
}

func (c *Client) post(ctx context.Context, path string, body, result any) error {
	return c.do(ctx, http.MethodPost, path, body, result)
}

func (c *Client) delete(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

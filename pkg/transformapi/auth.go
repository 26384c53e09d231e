package transformapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// expirySlack refreshes access tokens this long before they actually expire,
// so an in-flight request never carries a token that dies mid-request.
const expirySlack = 30 * time.Second

// authenticator resolves the bearer token for outgoing requests.
//
// Three sources, in order of precedence: a static token, a token file
// (re-read per request), and a refresh token exchanged for short-lived
// access tokens. An unauthenticated client is also valid; deployments
// without auth simply get no Authorization header.
type authenticator struct {
	baseURL      string
	httpClient   *http.Client
	token        string
	tokenFile    string
	refreshToken string

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

// apply sets the Authorization header on req, refreshing the access token
// first if needed.
func (a *authenticator) apply(ctx context.Context, req *http.Request) error {
	token, err := a.bearerToken(ctx)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return nil
}

func (a *authenticator) bearerToken(ctx context.Context) (string, error) {
	if a.token != "" {
		return a.token, nil
	}

	if a.tokenFile != "" {
		data, err := os.ReadFile(a.tokenFile)
		if err != nil {
			return "", fmt.Errorf("failed to read token file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if a.refreshToken != "" {
		return a.refreshedToken(ctx)
	}

	return "", nil
}

func (a *authenticator) refreshedToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.accessToken != "" && time.Now().Before(a.expiresAt.Add(-expirySlack)) {
		return a.accessToken, nil
	}

	body, err := json.Marshal(map[string]string{"refresh_token": a.refreshToken})
	if err != nil {
		return "", fmt.Errorf("failed to marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/token/refresh", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.refreshToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token refresh failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read refresh response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("%w: token refresh returned %d", ErrUnauthorized, resp.StatusCode)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		return "", fmt.Errorf("failed to decode refresh response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("token refresh returned an empty access token")
	}

	a.accessToken = payload.AccessToken
	a.expiresAt = tokenExpiry(payload.AccessToken)

	return a.accessToken, nil
}

// tokenExpiry extracts the exp claim without verifying the signature; the
// client only needs to know when to refresh, the server does the verifying.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

package transformapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrUnauthorized covers 401 and 403 responses. Never retried.
	ErrUnauthorized = errors.New("not authorized to access the transform service")

	// ErrInvalidRequest covers 400 responses to a submission.
	ErrInvalidRequest = errors.New("invalid transform request")
)

// TransformNotFoundError reports an unknown request ID.
type TransformNotFoundError struct {
	RequestID string
}

func (e *TransformNotFoundError) Error() string {
	return fmt.Sprintf("transform %q not found", e.RequestID)
}

// APIError is an error response from the service.
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("server returned %d", e.StatusCode)
}

func asAPIError(err error, target **APIError) bool {
	return errors.As(err, target)
}

// wrapStatusError converts a non-2xx response into the typed error taxonomy.
func wrapStatusError(statusCode int, body []byte) error {
	apiErr := &APIError{StatusCode: statusCode}
	if json.Unmarshal(body, apiErr) != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
	}

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrUnauthorized, apiErr)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %w", ErrInvalidRequest, apiErr)
	default:
		return apiErr
	}
}

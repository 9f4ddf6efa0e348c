package github

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Common errors
var (
	ErrNotFound          = errors.New("not found")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrSignatureMissing  = errors.New("signature header is missing")
	ErrSignatureMismatch = errors.New("signature mismatch")
)

// APIError is a non-2xx answer from the GitHub API.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
	RateLimit  RateLimit
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: status code %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: status code %d", e.Method, e.Path, e.StatusCode)
}

// Is lets callers match API errors against ErrNotFound and ErrRateLimited.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrRateLimited:
		return e.StatusCode == http.StatusForbidden && e.RateLimit.Limit > 0 && e.RateLimit.Remaining == 0
	}
	return false
}

func newAPIError(req *http.Request, resp *http.Response) *APIError {
	apiErr := &APIError{
		Method:     req.Method,
		Path:       req.URL.Path,
		StatusCode: resp.StatusCode,
		RateLimit:  parseRateLimit(resp),
	}
	var body struct {
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(raw, &body) == nil {
		apiErr.Message = body.Message
	}
	return apiErr
}

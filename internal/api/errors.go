package api

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNoBaseURL   = errors.New("api: base URL required")
	ErrBadResponse = errors.New("api: malformed response")
)

// APIError is a non-2xx reply from the backend.
type APIError struct {
	StatusCode int
	Message    string
	Op         string
}

func (e *APIError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("api %s: status %d: %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api: status %d: %s", e.StatusCode, e.Message)
}

// IsNotFound returns true if the resource does not exist (HTTP 404).
func (e *APIError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// IsValidation returns true if the backend rejected the payload (HTTP 400/422).
// Validation failures are permanent and must not be retried.
func (e *APIError) IsValidation() bool {
	return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity
}

// IsRetryable returns true for rate limits and server-side failures.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout ||
		(e.StatusCode >= 500 && e.StatusCode < 600)
}

// IsRetryable reports whether err is worth another attempt. Transport errors
// are retryable; API errors decide by status code.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRetryable()
	}
	return !errors.Is(err, ErrBadResponse)
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.IsNotFound()
}

// Package api implements the HTTP base client shared by every Faculty
// resource client: bearer authentication, bounded retry with exponential
// backoff, and classification of HTTP and platform errors into typed
// error kinds.
package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for response classification. Check with
// errors.Is(err, api.ErrNotFound) and branch on kind.
var (
	ErrUnauthenticated = errors.New("api: authentication rejected")
	ErrForbidden       = errors.New("api: forbidden")
	ErrNotFound        = errors.New("api: not found")
	ErrConflict        = errors.New("api: conflict")
	ErrValidation      = errors.New("api: invalid request")
	ErrRateLimited     = errors.New("api: rate limited")
	ErrServer          = errors.New("api: server error")
	ErrTransport       = errors.New("api: transport failure")

	// ErrDecode indicates the response did not match the expected schema.
	// A contract bug, not a transient failure — never retried.
	ErrDecode = errors.New("api: decoding response")
)

// Error wraps a sentinel with the originating HTTP status, the platform's
// machine-readable error code when supplied, and the response message.
type Error struct {
	StatusCode int
	Code       string // platform errorCode, e.g. "object_already_exists"
	Message    string
	Err        error // sentinel, for errors.Is
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api: HTTP %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}

	return fmt.Sprintf("api: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCode extracts the platform error code from an error, or "" if the
// error is not a platform error.
func ErrorCode(err error) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}

	return ""
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for 2xx success codes.
func classifyStatus(code int) error {
	switch {
	case code >= http.StatusOK && code < http.StatusMultipleChoices:
		return nil
	case code == http.StatusUnauthorized:
		return ErrUnauthenticated
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusConflict:
		return ErrConflict
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	case code >= http.StatusInternalServerError:
		return ErrServer
	default:
		return ErrValidation
	}
}

// isRetryable reports whether a response status is worth retrying for an
// idempotent request.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

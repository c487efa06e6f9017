package client

import (
	"errors"
	"fmt"
)

var (
	// ErrTooManyRedirects is returned when a request chain exceeds the
	// redirect bound instead of looping forever.
	ErrTooManyRedirects = errors.New("too many redirects")

	// ErrDeltaUnsupported is returned when the backend has no playlist
	// delta endpoint. The synchronizer falls back to full snapshots.
	ErrDeltaUnsupported = errors.New("playlist delta endpoint unsupported")

	// ErrPreviewUnsupported is returned when the backend has no preview
	// endpoint.
	ErrPreviewUnsupported = errors.New("preview endpoint unsupported")
)

// ValidationError rejects malformed command input before any network call.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// APIError is a non-2xx response from the backend, carrying the status and
// the raw response body for display.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300] + "..."
	}
	return fmt.Sprintf("backend returned %d: %s", e.Status, body)
}

// ConnError is a transport-level failure (timeout, refused connection, DNS
// error). It means "backend unreachable", not "job failed", and callers
// treat it as retryable.
type ConnError struct {
	Target string
	Err    error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("cannot reach backend at %s: %v", e.Target, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// IsConnError reports whether err is a transport-level failure.
func IsConnError(err error) bool {
	var ce *ConnError
	return errors.As(err, &ce)
}

// IsNotFound reports whether err is an HTTP 404 from the backend.
func IsNotFound(err error) bool {
	return StatusOf(err) == 404
}

// StatusOf extracts the HTTP status from an APIError, or 0.
func StatusOf(err error) int {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status
	}
	return 0
}

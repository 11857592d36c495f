package model

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel errors for request-processing error classification.
var (
	// ErrFormat means the user-supplied prompt logic produced neither a
	// valid prompt string nor a message list. Fatal: aborts the run
	// before any dispatch.
	ErrFormat = errors.New("FormatError")

	// ErrValidation means model output failed the declared response
	// schema. Recorded per row, never fatal.
	ErrValidation = errors.New("ValidationError")

	// ErrConfiguration means an invalid backend/mode combination was
	// requested. Fatal, surfaced before any work begins.
	ErrConfiguration = errors.New("ConfigurationError")

	// ErrBatchNotFound means the provider no longer knows the batch id
	// (often an API key mismatch). The batch is unrecoverable; its rows
	// are marked failed.
	ErrBatchNotFound = errors.New("BatchNotFoundError")

	ErrAuthentication     = errors.New("AuthenticationError")
	ErrRateLimit          = errors.New("RateLimitError")
	ErrTimeout            = errors.New("Timeout")
	ErrServiceUnavailable = errors.New("ServiceUnavailableError")
	ErrInvalidRequest     = errors.New("InvalidRequestError")
	ErrPermission         = errors.New("PermissionDeniedError")
)

// RequestError is the unified error type returned by backend calls.
type RequestError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Backend    string `json:"backend"`
	Model      string `json:"model"`
	Err        error  `json:"-"`
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("[%s] %s (status=%d, model=%s)",
		e.Backend, e.Message, e.StatusCode, e.Model)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// MapHTTPStatusToError maps an HTTP status code to a sentinel error.
func MapHTTPStatusToError(status int) error {
	switch {
	case status == 401:
		return ErrAuthentication
	case status == 403:
		return ErrPermission
	case status == 404:
		return ErrBatchNotFound
	case status == 429:
		return ErrRateLimit
	case status == 400:
		return ErrInvalidRequest
	case status == 408:
		return ErrTimeout
	case status >= 500:
		return ErrServiceUnavailable
	default:
		return fmt.Errorf("unexpected status code: %d", status)
	}
}

// IsTransient reports whether err is worth retrying: timeouts, 5xx and
// explicit provider rate-limit signals. Format, validation and auth
// failures are not transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

package source

import (
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/catalog-ingest/pkg/retry"
)

// Common errors returned by the source client.
var (
	// ErrDiscovery is returned when the total item count cannot be obtained.
	ErrDiscovery = errors.New("discovery failed")

	// ErrInvalidPayload is returned when a response parses but lacks the item list.
	ErrInvalidPayload = errors.New("invalid payload structure")
)

// FetchError represents a failed page fetch with its classification.
type FetchError struct {
	Page       int
	Class      retry.ErrorClass
	StatusCode int
	RetryAfter time.Duration
	Attempts   int
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	msg := fmt.Sprintf("page %d: %s error", e.Page, e.Class)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// ErrorClass reports the error class to the retry policy.
func (e *FetchError) ErrorClass() retry.ErrorClass {
	return e.Class
}

// RetryHint reports the server-provided Retry-After to the retry policy.
func (e *FetchError) RetryHint() time.Duration {
	return e.RetryAfter
}

// IsTransient reports whether err is a fetch failure worth retrying later.
func IsTransient(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return retry.Retryable(fe.Class)
	}
	return false
}

// IsPermanent reports whether err is a fetch failure that no retry can fix.
func IsPermanent(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return !retry.Retryable(fe.Class)
	}
	return false
}

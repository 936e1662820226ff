package retry

import (
	"context"
	"errors"
	"time"
)

// Common errors returned by Do.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during backoff.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of fetch failures.
type ErrorClass string

const (
	// ClassClient represents 4xx responses other than rate limiting.
	ClassClient ErrorClass = "client"

	// ClassServer represents 5xx responses.
	ClassServer ErrorClass = "server"

	// ClassRateLimit represents 429 responses.
	ClassRateLimit ErrorClass = "rate_limit"

	// ClassTimeout represents per-call timeouts.
	ClassTimeout ErrorClass = "timeout"

	// ClassNetwork represents transport failures other than timeouts.
	ClassNetwork ErrorClass = "network"

	// ClassDecode represents responses that could not be decoded or failed
	// structural validation.
	ClassDecode ErrorClass = "decode"
)

// Classified is implemented by errors that carry their own classification.
type Classified interface {
	error
	ErrorClass() ErrorClass
}

// Hinted is implemented by errors that carry a server-provided retry hint.
type Hinted interface {
	error
	RetryHint() time.Duration
}

// Retryable determines if an error class should be retried.
func Retryable(class ErrorClass) bool {
	switch class {
	case ClassServer, ClassRateLimit, ClassTimeout, ClassNetwork:
		return true
	case ClassClient, ClassDecode:
		// Retrying a bad request or a malformed payload yields the same result
		return false
	default:
		return false
	}
}

// ClassOf extracts the class and retry hint of err.
// Unclassified deadline errors count as timeouts, anything else as network.
func ClassOf(err error) (ErrorClass, time.Duration) {
	var hint time.Duration
	var h Hinted
	if errors.As(err, &h) {
		hint = h.RetryHint()
	}

	var c Classified
	if errors.As(err, &c) {
		return c.ErrorClass(), hint
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout, hint
	}
	return ClassNetwork, hint
}

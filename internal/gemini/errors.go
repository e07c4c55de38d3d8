package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Refusal and malformed-response errors. SAFETY and RECITATION are
// final: the same input will be refused again, so they are never
// retried.
var (
	ErrSafetyBlocked     = errors.New("gemini: blocked by safety filter")
	ErrRecitationBlocked = errors.New("gemini: blocked by recitation filter")
	ErrEmptyResponse     = errors.New("gemini: no candidates in response")
)

// NoImageError means the model returned text where an image was
// expected. Text carries a truncated sample for logs, never for
// clients.
type NoImageError struct {
	Text string
}

func (e *NoImageError) Error() string {
	return "gemini: model returned text instead of an image"
}

// StatusError is a non-200 HTTP response from the API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gemini: api error (status %d): %s", e.StatusCode, e.Body)
}

// Retryable reports whether the upstream failure is worth retrying:
// 429 and 5xx are transient, other 4xx mean the request itself is bad.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Retryable classifies an error from this package for the retry
// executor. Transport failures and transient upstream statuses retry;
// refusals, malformed responses, client errors, and context
// cancellation don't. Re-calling the model on an empty or imageless
// response would spend money on an input it already answered, so those
// surface to the client as retryable instead.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrSafetyBlocked) || errors.Is(err, ErrRecitationBlocked) || errors.Is(err, ErrEmptyResponse) {
		return false
	}
	var noImage *NoImageError
	if errors.As(err, &noImage) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	// Transport-level failure.
	return true
}

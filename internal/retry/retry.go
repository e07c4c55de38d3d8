// Package retry provides a shared retry utility with exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"
)

// Config controls retry behavior.
type Config struct {
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int
	// InitialDelay is the backoff before the first retry. The delay for
	// retry n is InitialDelay * 2^n (n starting at 0), so attempts land
	// at predictable points regardless of how they fail.
	InitialDelay time.Duration
	// RetryIf decides whether an error is worth retrying. When nil, all
	// errors are retried except those wrapped with Permanent.
	RetryIf func(error) bool
}

// DefaultConfig returns the bounds used for outbound model calls.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: time.Second,
	}
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do calls fn up to cfg.MaxAttempts times with exponential backoff.
// It stops early if:
//   - fn returns nil (success)
//   - fn returns a *PermanentError or cfg.RetryIf rejects the error
//   - ctx is cancelled (the backoff sleep is interruptible)
//
// The error from the final attempt is returned unchanged.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var err error
	delay := cfg.InitialDelay

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Don't retry permanent errors.
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if cfg.RetryIf != nil && !cfg.RetryIf(err) {
			return err
		}

		// Don't sleep after the last attempt.
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
	}

	return err
}

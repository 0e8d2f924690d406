// Package retry provides bounded retry with exponential backoff for
// transient infrastructure failures (datastore and message-bus calls).
// Only errors marked recoverable are retried; everything else fails fast.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseWait   = 1 * time.Second
)

// RecoverableError marks an error as transient and worth retrying.
type RecoverableError struct {
	err error
}

// NewRecoverableError wraps an error to mark it as recoverable.
func NewRecoverableError(err error) *RecoverableError {
	return &RecoverableError{err: err}
}

func (e *RecoverableError) Error() string { return e.err.Error() }

func (e *RecoverableError) Unwrap() error { return e.err }

// IsRecoverable reports whether err is marked recoverable.
func IsRecoverable(err error) bool {
	var recoverable *RecoverableError
	return errors.As(err, &recoverable)
}

// Option configures a call to Do.
type Option func(*options)

type options struct {
	maxRetries int
	baseWait   time.Duration
}

// WithMaxRetries sets the maximum number of attempts.
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

// WithBaseWait sets the wait before the first retry; subsequent waits grow
// exponentially with a small jitter.
func WithBaseWait(d time.Duration) Option {
	return func(o *options) { o.baseWait = d }
}

// Do runs fn until it succeeds, returns a non-recoverable error, or the
// attempt budget is exhausted. The last error is returned unwrapped from its
// recoverable marker.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	o := &options{maxRetries: DefaultMaxRetries, baseWait: DefaultBaseWait}
	for _, opt := range opts {
		opt(o)
	}

	var lastErr error
	for attempt := 0; attempt < o.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(float64(o.baseWait) * math.Pow(2, float64(attempt-1)))
			jitter := time.Duration(rand.Float64() * float64(backoff) * 0.1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}
		err := fn()
		if err == nil {
			return nil
		}
		if !IsRecoverable(err) {
			return err
		}
		lastErr = err
	}
	var recoverable *RecoverableError
	if errors.As(lastErr, &recoverable) {
		return recoverable.err
	}
	return lastErr
}

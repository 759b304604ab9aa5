package scheduler

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosed is returned by Submit and Cancel once Close has been called or
	// the control loop has exited.
	ErrClosed = errors.New("scheduler closed")
	// ErrNotStarted is returned by Submit and Cancel before Start.
	ErrNotStarted = errors.New("scheduler not started")
)

// NoRetry marks an error as non-retryable.
//
// Tasks wrap validation errors or other permanent failures with NoRetry so the
// scheduler won't waste attempts on them:
//
//	return scheduler.NoRetry(fmt.Errorf("chat %d gone: %w", id, err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter attaches a suggested delay before the next attempt, e.g. from a
// chat API flood-wait reply. The hint is bounded by Options.RetryMaxDelay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: max(after, 0)}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

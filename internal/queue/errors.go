package queue

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDuplicateID   = errors.New("queue: duplicate task id")
	ErrInvalidConfig = errors.New("queue: invalid config")
)

// NoRetry marks a processor error as permanent.
//
// The task goes straight to failed regardless of the remaining retry budget:
//
//	return queue.NoRetry(fmt.Errorf("bad payload: %w", err))
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

// RetryAfter attaches a suggested delay to a processor error, e.g. from an
// HTTP Retry-After header. The queue uses it instead of the computed backoff,
// still bounded by Config.MaxRetryDelay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
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

// describe strips the queue's own markers so LastError shows what the
// processor actually reported.
func describe(err error) string {
	for {
		switch e := err.(type) {
		case noRetryError:
			err = e.err
		case retryAfterError:
			err = e.err
		default:
			return err.Error()
		}
	}
}

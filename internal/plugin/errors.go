package plugin

import (
	"errors"
	"fmt"
)

// RetryableError marks a raised error as transient: the retry manager may
// re-attempt the call. Anything not wrapped (or not implementing
// Retryable() bool) propagates immediately.
type RetryableError struct {
	Err error
}

// Retryable wraps err as transient. A nil err returns nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}

	return &RetryableError{Err: err}
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// Retryable implements the classification interface.
func (e *RetryableError) Retryable() bool {
	return true
}

// IsRetryable reports whether any error in the chain declares itself
// retryable.
func IsRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}

	return false
}

package jobs

import (
	"errors"
	"fmt"
	"time"
)

// RetryError asks the dispatcher to run the job again after a delay.
type RetryError struct {
	Err   error
	After time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry in %s: %v", e.After, e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }

// RetryAfter wraps err as a retry request.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &RetryError{Err: err, After: after}
}

// FatalError marks a failure that must not be retried.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return "fatal: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal marks err as not worth retrying.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsRetry extracts the retry request from err, if any.
func IsRetry(err error) (*RetryError, bool) {
	var re *RetryError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

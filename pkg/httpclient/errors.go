package httpclient

import (
	"errors"
	"fmt"
	"time"
)

type RetryableError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *RetryableError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("HTTP %d: %s (retry after %v)", e.StatusCode, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is (or wraps) a RetryableError, meaning the
// client already exhausted its own retry budget and the caller may still
// choose to back off and try again later.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

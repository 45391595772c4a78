package httpclient

import (
	"fmt"
	"time"
)

// RetryableError reports that a request kept failing with a retryable status
// until the retry budget ran out.
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

// IsRetryable marks the error for callers that classify by capability
// instead of by type.
func (e *RetryableError) IsRetryable() bool {
	return true
}

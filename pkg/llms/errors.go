package llms

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode classifies model failures into the categories the run loop
// cares about.
type ErrorCode string

const (
	// ErrCodeTransport covers network failures, rate limits, and server
	// errors that survived the HTTP retry budget.
	ErrCodeTransport ErrorCode = "transport"
	// ErrCodeAuth covers invalid or missing credentials. Never retried.
	ErrCodeAuth ErrorCode = "auth"
	// ErrCodeContextTooLong means the transcript exceeds the model's
	// context window. Retrying without shrinking it cannot succeed.
	ErrCodeContextTooLong ErrorCode = "context_too_long"
	// ErrCodeParse covers malformed provider responses.
	ErrCodeParse ErrorCode = "parse"
	// ErrCodeProvider covers everything else the provider rejects, such
	// as an unknown model name.
	ErrCodeProvider ErrorCode = "provider"
)

// ModelError is the normalized error for every adapter failure.
type ModelError struct {
	Provider string
	Code     ErrorCode
	Status   int
	Message  string
	Err      error
}

func (e *ModelError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (HTTP %d): %s", e.Provider, e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Code, e.Message)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}

// Retryable reports whether a fresh attempt with the same input could
// succeed.
func (e *ModelError) Retryable() bool {
	return e.Code == ErrCodeTransport
}

// classifyStatus maps an HTTP error status plus the provider's error detail
// to a ModelError. Context-window overflows hide behind generic 400s, so the
// provider's error code and message text are consulted too.
func classifyStatus(provider string, status int, apiCode, message string) *ModelError {
	code := ErrCodeProvider
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = ErrCodeAuth
	case status == http.StatusTooManyRequests || (status >= 500 && status <= 504):
		code = ErrCodeTransport
	case isContextTooLong(apiCode, message):
		code = ErrCodeContextTooLong
	}
	return &ModelError{
		Provider: provider,
		Code:     code,
		Status:   status,
		Message:  message,
	}
}

func isContextTooLong(apiCode, message string) bool {
	if apiCode == "context_length_exceeded" {
		return true
	}
	lower := strings.ToLower(message)
	return strings.Contains(lower, "context length") ||
		strings.Contains(lower, "context window") ||
		strings.Contains(lower, "prompt is too long") ||
		strings.Contains(lower, "maximum context")
}

func transportError(provider string, err error) *ModelError {
	return &ModelError{
		Provider: provider,
		Code:     ErrCodeTransport,
		Message:  err.Error(),
		Err:      err,
	}
}

func parseError(provider string, err error) *ModelError {
	return &ModelError{
		Provider: provider,
		Code:     ErrCodeParse,
		Message:  err.Error(),
		Err:      err,
	}
}

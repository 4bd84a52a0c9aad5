package channels

import (
	"errors"
	"fmt"
)

// ErrorCode represents a specific error condition in channel operations.
// Error codes help with error classification, monitoring, and appropriate
// retry strategies.
type ErrorCode string

const (
	// ErrCodeAccessDenied indicates a role or allow-list mismatch.
	// Not retryable without elevated rights.
	ErrCodeAccessDenied ErrorCode = "ACCESS_DENIED"

	// ErrCodeChannelFull indicates the participant cap was reached.
	// Retryable after someone leaves.
	ErrCodeChannelFull ErrorCode = "CHANNEL_FULL"

	// ErrCodeRateLimited indicates the channel's per-minute publish
	// budget is exhausted. Retryable after backoff.
	ErrCodeRateLimited ErrorCode = "RATE_LIMITED"

	// ErrCodeNotFound indicates the channel does not exist.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeInvalidInput indicates malformed input (unknown event type,
	// bad channel id). A client programming error, rejected synchronously.
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Error is a structured error with an error code for categorization, the
// underlying error, and optional context.
type Error struct {
	// Code categorizes the error type for monitoring and handling.
	Code ErrorCode

	// Message provides a human-readable error description.
	Message string

	// Err is the underlying error that caused this error.
	Err error

	// Context provides additional key-value pairs for debugging and for
	// structured fields callers pass through (e.g. retry_after).
	Context map[string]any
}

// Error implements the error interface, returning a formatted message.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error, allowing errors.Is and errors.As to
// work.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
		Context: make(map[string]any),
	}
}

// WithContext adds contextual information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// IsRetryable returns true if the error represents contention that may
// succeed on retry with backoff.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeRateLimited, ErrCodeChannelFull:
		return true
	default:
		return false
	}
}

// ErrAccessDenied creates an access denied error.
func ErrAccessDenied(message string) *Error {
	return NewError(ErrCodeAccessDenied, message, nil)
}

// ErrChannelFull creates a channel full error.
func ErrChannelFull(message string) *Error {
	return NewError(ErrCodeChannelFull, message, nil)
}

// ErrRateLimited creates a rate limited error.
func ErrRateLimited(message string) *Error {
	return NewError(ErrCodeRateLimited, message, nil)
}

// ErrNotFound creates a not found error.
func ErrNotFound(message string) *Error {
	return NewError(ErrCodeNotFound, message, nil)
}

// ErrInvalidInput creates an invalid input error.
func ErrInvalidInput(message string) *Error {
	return NewError(ErrCodeInvalidInput, message, nil)
}

// GetErrorCode extracts the ErrorCode from an error if it is a channel
// Error, otherwise returns ErrCodeInternal.
func GetErrorCode(err error) ErrorCode {
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err is a channel Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var chErr *Error
	return errors.As(err, &chErr) && chErr.Code == code
}

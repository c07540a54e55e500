package channels

import (
	"errors"
	"fmt"
)

// ErrorCode classifies channel failures for logging and retry
// decisions.
type ErrorCode string

const (
	// ErrCodeConnection indicates network or connection failures.
	ErrCodeConnection ErrorCode = "CONNECTION_ERROR"

	// ErrCodeAuth indicates authentication or authorization failures.
	ErrCodeAuth ErrorCode = "AUTH_ERROR"

	// ErrCodeRateLimit indicates the upstream rate limited us.
	ErrCodeRateLimit ErrorCode = "RATE_LIMIT_ERROR"

	// ErrCodeInvalidMessage indicates a message the transport rejects.
	ErrCodeInvalidMessage ErrorCode = "INVALID_MESSAGE"

	// ErrCodeNotConnected indicates a send before/after the adapter is up.
	ErrCodeNotConnected ErrorCode = "NOT_CONNECTED"

	// ErrCodeTimeout indicates an operation timed out.
	ErrCodeTimeout ErrorCode = "TIMEOUT_ERROR"

	// ErrCodeInternal indicates an unexpected adapter error.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Error is a structured channel error carrying the failing channel name
// and a classification code.
type Error struct {
	Code    ErrorCode
	Channel string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Code, e.Channel, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Channel, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a structured channel error.
func NewError(code ErrorCode, channel, message string, err error) *Error {
	return &Error{Code: code, Channel: channel, Message: message, Err: err}
}

// ErrConnection creates a connection error.
func ErrConnection(channel, message string, err error) *Error {
	return NewError(ErrCodeConnection, channel, message, err)
}

// ErrAuth creates an authentication error.
func ErrAuth(channel, message string, err error) *Error {
	return NewError(ErrCodeAuth, channel, message, err)
}

// ErrInvalidMessage creates an invalid message error.
func ErrInvalidMessage(channel, message string, err error) *Error {
	return NewError(ErrCodeInvalidMessage, channel, message, err)
}

// ErrNotConnected creates a not-connected error.
func ErrNotConnected(channel string) *Error {
	return NewError(ErrCodeNotConnected, channel, "channel is not connected", nil)
}

// ErrTimeout creates a timeout error.
func ErrTimeout(channel, message string, err error) *Error {
	return NewError(ErrCodeTimeout, channel, message, err)
}

// ErrInternal creates an internal error.
func ErrInternal(channel, message string, err error) *Error {
	return NewError(ErrCodeInternal, channel, message, err)
}

// GetErrorCode extracts the code from a channel Error, defaulting to
// ErrCodeInternal for foreign errors.
func GetErrorCode(err error) ErrorCode {
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether the failure is transient.
func IsRetryable(err error) bool {
	var chErr *Error
	if !errors.As(err, &chErr) {
		return false
	}
	switch chErr.Code {
	case ErrCodeConnection, ErrCodeRateLimit, ErrCodeTimeout, ErrCodeNotConnected:
		return true
	default:
		return false
	}
}

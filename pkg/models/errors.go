package models

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a chat client failure. Codes drive propagation policy:
// permission and validation errors resolve locally, network errors surface as
// a dismissible session error, transport errors only downgrade the
// connection status.
type ErrorCode string

const (
	// ErrCodePermission means the user may not access the task's chat.
	// Terminal for the session.
	ErrCodePermission ErrorCode = "PERMISSION_DENIED"

	// ErrCodeValidation means the input was rejected before any network call.
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"

	// ErrCodeNetwork means a REST call failed. Recoverable; the user may retry.
	ErrCodeNetwork ErrorCode = "NETWORK_ERROR"

	// ErrCodeTransport means the real-time channel failed. Recoverable; the
	// session degrades to REST-only operation.
	ErrCodeTransport ErrorCode = "TRANSPORT_ERROR"
)

// ChatError is a structured error with a classification code.
type ChatError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *ChatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ChatError) Unwrap() error {
	return e.Err
}

// NewChatError creates an error with the given code and message.
func NewChatError(code ErrorCode, message string, err error) *ChatError {
	return &ChatError{Code: code, Message: message, Err: err}
}

// ErrPermission creates a permission error.
func ErrPermission(message string) *ChatError {
	return NewChatError(ErrCodePermission, message, nil)
}

// ErrValidation creates a validation error.
func ErrValidation(message string) *ChatError {
	return NewChatError(ErrCodeValidation, message, nil)
}

// ErrNetwork creates a network error.
func ErrNetwork(message string, err error) *ChatError {
	return NewChatError(ErrCodeNetwork, message, err)
}

// ErrTransport creates a transport error.
func ErrTransport(message string, err error) *ChatError {
	return NewChatError(ErrCodeTransport, message, err)
}

// CodeOf extracts the ErrorCode from err, or ErrCodeNetwork when err is not
// a ChatError (an unclassified failure is treated as a recoverable REST one).
func CodeOf(err error) ErrorCode {
	var chatErr *ChatError
	if errors.As(err, &chatErr) {
		return chatErr.Code
	}
	return ErrCodeNetwork
}

// IsPermission reports whether err is a permission denial.
func IsPermission(err error) bool {
	return CodeOf(err) == ErrCodePermission
}

// IsRetryable reports whether the operation that produced err may be retried
// by the user. Permission and validation failures are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case ErrCodeNetwork, ErrCodeTransport:
		return true
	default:
		return false
	}
}

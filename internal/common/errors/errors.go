// Package errors provides the error taxonomy shared by the Pylon components.
package errors

import (
	"errors"
	"fmt"
)

// Error codes as constants
const (
	CodeNotFound     = "NOT_FOUND"
	CodeInvalidInput = "INVALID_INPUT"
	CodeConflict     = "CONFLICT"
	CodeTimeout      = "TIMEOUT"
	CodeUpstream     = "UPSTREAM"
	CodeFatal        = "FATAL"
)

// AppError represents an application-specific error with a taxonomy code.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates an error for a missing entity or target.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// InvalidInput creates an error for malformed or rejected input.
func InvalidInput(message string) *AppError {
	return &AppError{Code: CodeInvalidInput, Message: message}
}

// Conflict creates an error for an operation that contradicts current state.
func Conflict(message string) *AppError {
	return &AppError{Code: CodeConflict, Message: message}
}

// Timeout creates an error for an operation that exceeded its deadline.
func Timeout(operation string) *AppError {
	return &AppError{
		Code:    CodeTimeout,
		Message: fmt.Sprintf("%s timed out", operation),
	}
}

// Upstream wraps an error reported by the assistant SDK or another
// external collaborator.
func Upstream(message string, err error) *AppError {
	return &AppError{Code: CodeUpstream, Message: message, Err: err}
}

// Fatal wraps an unrecoverable error that must trigger shutdown.
func Fatal(message string, err error) *AppError {
	return &AppError{Code: CodeFatal, Message: message, Err: err}
}

// Wrap wraps an existing error with additional context, preserving the code
// when the error is already an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:    appErr.Code,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:     err,
		}
	}
	return &AppError{Code: CodeUpstream, Message: message, Err: err}
}

func is(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool { return is(err, CodeNotFound) }

// IsInvalidInput checks if the error is an invalid input error.
func IsInvalidInput(err error) bool { return is(err, CodeInvalidInput) }

// IsConflict checks if the error is a conflict error.
func IsConflict(err error) bool { return is(err, CodeConflict) }

// IsTimeout checks if the error is a timeout error.
func IsTimeout(err error) bool { return is(err, CodeTimeout) }

// IsFatal checks if the error must trigger the shutdown sequence.
func IsFatal(err error) bool { return is(err, CodeFatal) }

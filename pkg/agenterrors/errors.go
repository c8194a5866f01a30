// Package agenterrors defines the error taxonomy shared by the tool layer
// and the HTTP surface.
package agenterrors

import (
	"errors"
	"fmt"
)

// Code classifies a failure for clients. Codes are stable wire values.
type Code string

const (
	CodeValidation Code = "validation"  // bad or missing arguments
	CodeNotFound   Code = "not_found"   // target does not exist
	CodePermission Code = "permission"  // path escapes the workdir or access denied
	CodeTimeout    Code = "timeout"     // operation exceeded its deadline
	CodeCancelled  Code = "cancelled"   // caller cancelled the operation
	CodeException  Code = "exception"   // unexpected internal failure
	CodeExecFailed Code = "exec_failed" // command ran but exited non-zero
)

// Error is a coded error with an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the code from an error chain, defaulting to exception.
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeException
}

// Validation is shorthand for New(CodeValidation, ...).
func Validation(format string, args ...any) *Error {
	return New(CodeValidation, format, args...)
}

// NotFound is shorthand for New(CodeNotFound, ...).
func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, format, args...)
}

// Permission is shorthand for New(CodePermission, ...).
func Permission(format string, args ...any) *Error {
	return New(CodePermission, format, args...)
}

// Package apperr defines the typed errors shared by caseguide services.
//
// Services return *Error values carrying a Code; the HTTP layer maps the
// code to a status and the CLI maps it to an exit code. Store sentinels
// (store.ErrNotFound, store.ErrConflict) are wrapped into the matching code
// at the service boundary.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Code categorizes service errors.
type Code string

const (
	// CodeValidation indicates malformed or out-of-range input.
	CodeValidation Code = "VALIDATION_FAILED"

	// CodeNotFound indicates the addressed resource does not exist or is
	// not visible to the caller.
	CodeNotFound Code = "NOT_FOUND"

	// CodeConflict indicates a uniqueness or capacity violation.
	CodeConflict Code = "CONFLICT"

	// CodeInvalidTransition indicates a state machine refused a move.
	CodeInvalidTransition Code = "INVALID_TRANSITION"

	// CodeUnauthorized indicates missing or bad credentials.
	CodeUnauthorized Code = "UNAUTHORIZED"

	// CodeForbidden indicates the caller lacks a permission.
	CodeForbidden Code = "FORBIDDEN"

	// CodeRateLimited indicates the caller exceeded a request budget.
	CodeRateLimited Code = "RATE_LIMITED"

	// CodeUnavailable indicates an upstream dependency is down.
	CodeUnavailable Code = "UNAVAILABLE"

	// CodeInternal is used for anything unclassified.
	CodeInternal Code = "INTERNAL"
)

// FieldError is one failed validation rule.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is a classified service error.
type Error struct {
	Code    Code
	Message string

	// Fields lists individual validation failures for CodeValidation.
	Fields []FieldError

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Fields) > 0 {
		parts := make([]string, len(e.Fields))
		for i, f := range e.Fields {
			parts[i] = f.Field + ": " + f.Message
		}
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, strings.Join(parts, "; "))
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under code.
func Wrap(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Validation returns a CodeValidation error, or nil when fields is empty.
func Validation(fields ...FieldError) error {
	if len(fields) == 0 {
		return nil
	}
	return &Error{Code: CodeValidation, Message: "validation failed", Fields: fields}
}

// Invalid is a single-field validation error.
func Invalid(field, format string, args ...any) error {
	return Validation(FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// NotFound reports a missing resource by kind and ID.
func NotFound(kind, id string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s %q not found", kind, id)}
}

// CodeOf returns the code of the first *Error in err's chain, or
// CodeInternal.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// FieldsOf returns the validation failures carried by err.
func FieldsOf(err error) []FieldError {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Fields
	}
	return nil
}

// Collector accumulates field errors during validation.
type Collector struct {
	fields []FieldError
}

// Add records a failure.
func (c *Collector) Add(field, format string, args ...any) {
	c.fields = append(c.fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Check records a failure when cond is false.
func (c *Collector) Check(cond bool, field, format string, args ...any) {
	if !cond {
		c.Add(field, format, args...)
	}
}

// Err returns the accumulated validation error, or nil.
func (c *Collector) Err() error {
	return Validation(c.fields...)
}

// Package apierr defines the error taxonomy used throughout blobmirror.
package apierr

import (
	"errors"
	"fmt"
)

// Error represents an API error with a machine-readable code, human-readable
// message, and the HTTP status code it maps to at the service boundary.
type Error struct {
	// Code is the error code (e.g., "ResourceNotFound", "ValidationError").
	Code string
	// Message is a human-readable description of the error.
	Message string
	// HTTPStatus is the HTTP status code to return (e.g., 404, 400).
	HTTPStatus int
}

// Error implements the error interface for Error.
func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.HTTPStatus, e.Message)
}

// WithMessage returns a copy of the Error with the message replaced. The code
// and status are preserved so errors.Is/As matching by code still works via Is.
func (e *Error) WithMessage(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// Is reports whether target is an *Error with the same code. This lets
// callers compare against the predeclared sentinel values even when the
// message has been customized via WithMessage.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// Pre-defined errors, one per taxonomy member. Each member maps to exactly
// one HTTP status code.
var (
	// ErrValidation is returned for malformed input: name charset or length
	// bounds, content-length bounds, malformed block IDs, malformed
	// filter/orderby/select/top expressions. Always raised before any
	// backend call.
	ErrValidation = &Error{
		Code:       "ValidationError",
		Message:    "The request input is malformed",
		HTTPStatus: 400,
	}

	// ErrNotFound is returned when a named container, blob, or upload is
	// absent -- both "never existed" and "existed once, backend now reports 404".
	ErrNotFound = &Error{
		Code:       "ResourceNotFound",
		Message:    "The specified resource does not exist",
		HTTPStatus: 404,
	}

	// ErrExists is returned on a create conflict.
	ErrExists = &Error{
		Code:       "ResourceExists",
		Message:    "The specified resource already exists",
		HTTPStatus: 409,
	}

	// ErrPreconditionFailed is returned when a conditional request check fails.
	ErrPreconditionFailed = &Error{
		Code:       "PreconditionFailed",
		Message:    "At least one of the preconditions you specified did not hold",
		HTTPStatus: 412,
	}

	// ErrRangeNotSatisfiable is returned when a requested byte range cannot
	// be served.
	ErrRangeNotSatisfiable = &Error{
		Code:       "RangeNotSatisfiable",
		Message:    "The requested range is not satisfiable",
		HTTPStatus: 416,
	}

	// ErrServiceUnavailable is returned when the storage backend is
	// temporarily unreachable.
	ErrServiceUnavailable = &Error{
		Code:       "ServiceUnavailable",
		Message:    "The storage backend is not available. Please retry.",
		HTTPStatus: 503,
	}

	// ErrBadGateway is returned when the storage backend answered with an
	// unexpected server-side failure.
	ErrBadGateway = &Error{
		Code:       "BadGateway",
		Message:    "The storage backend returned an invalid response",
		HTTPStatus: 502,
	}

	// ErrService is the generic error for unclassified failures.
	ErrService = &Error{
		Code:       "ServiceError",
		Message:    "We encountered an internal error. Please try again.",
		HTTPStatus: 500,
	}
)

// Validation returns an ErrValidation with a formatted message.
func Validation(format string, args ...any) *Error {
	return ErrValidation.WithMessage(format, args...)
}

// NotFound returns an ErrNotFound with a formatted message.
func NotFound(format string, args ...any) *Error {
	return ErrNotFound.WithMessage(format, args...)
}

// Exists returns an ErrExists with a formatted message.
func Exists(format string, args ...any) *Error {
	return ErrExists.WithMessage(format, args...)
}

// IsNotFound reports whether err is (or wraps) an ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation reports whether err is (or wraps) an ErrValidation.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// StatusOf returns the HTTP status for err, or 500 if err carries no
// taxonomy member.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus
	}
	return 500
}

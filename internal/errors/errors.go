// Package errors defines the error taxonomy shared by the governance service.
// Every failure that crosses a package boundary carries a Code so transport
// layers can map it without inspecting message text.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Code classifies an error.
type Code string

const (
	ErrCodeNotFound     Code = "NOT_FOUND"
	ErrCodeConflict     Code = "CONFLICT"
	ErrCodeForbidden    Code = "FORBIDDEN"
	ErrCodeUnauthorized Code = "UNAUTHORIZED"
	ErrCodeInvalidInput Code = "INVALID_INPUT"
	ErrCodeInternal     Code = "INTERNAL"
)

// Error is the concrete error type returned by repositories and services.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Err     error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf is New with a format string.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error. An error that
// already carries a code keeps it.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return err
	}
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return Newf(ErrCodeNotFound, "%s '%s' not found", resource, id)
}

// Conflict reports a state that does not allow the requested transition.
func Conflict(message string) *Error {
	return New(ErrCodeConflict, message)
}

// Forbidden reports an actor that may not perform the operation.
func Forbidden(message string) *Error {
	return New(ErrCodeForbidden, message)
}

// InvalidInput reports a malformed field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Field: field, Message: fmt.Sprintf("invalid %s: %s", field, message)}
}

// CodeOf returns the code carried by err, or ErrCodeInternal.
func CodeOf(err error) Code {
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps err to an HTTP status code.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps err to a gRPC status code.
func GRPCCode(err error) codes.Code {
	switch CodeOf(err) {
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeConflict:
		return codes.FailedPrecondition
	case ErrCodeForbidden:
		return codes.PermissionDenied
	case ErrCodeUnauthorized:
		return codes.Unauthenticated
	case ErrCodeInvalidInput:
		return codes.InvalidArgument
	default:
		return codes.Internal
	}
}

// PublicMessage returns the message safe to show a caller. Internal errors
// never expose the wrapped cause.
func PublicMessage(err error) string {
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal error"
}

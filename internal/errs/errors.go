package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies gateway errors for the control API exit mapping.
type Code string

const (
	NotFound      Code = "not_found"
	AlreadyExists Code = "already_exists"
	BadInput      Code = "bad_input"
	NotConnected  Code = "not_connected"
	Timeout       Code = "timeout"
	Upstream      Code = "upstream"
	Storage       Code = "storage"
	Serialization Code = "serialization"
	Internal      Code = "internal"
)

// Error carries a taxonomy code, a human message, and an optional cause.
// Internal details never leak to API responses; handlers only expose
// Code and Message.
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

func (e *Error) Unwrap() error { return e.Err }

// New builds a taxonomy error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a taxonomy error.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the taxonomy code, defaulting to Internal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// MessageOf returns the user-facing message for err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// HTTPStatus maps a taxonomy code onto the control API status codes.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case NotFound:
		return http.StatusNotFound
	case BadInput, AlreadyExists:
		return http.StatusBadRequest
	case NotConnected:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

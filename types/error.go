package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Caller-visible error codes. Every operation surfaces one of these
// verbatim; there is no silent recovery.
const (
	ErrEntityNotFound ErrorCode = "ENTITY_NOT_FOUND"
	ErrUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrValidation     ErrorCode = "VALIDATION_ERROR"
	ErrBusinessLogic  ErrorCode = "BUSINESS_LOGIC_ERROR"
)

// Internal error codes
const (
	ErrTimeout       ErrorCode = "TIMEOUT"
	ErrStoreFailure  ErrorCode = "STORE_FAILURE"
	ErrInternalError ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	EntityID   string    `json:"entity_id,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NotFoundError creates an ENTITY_NOT_FOUND error for the given entity.
func NotFoundError(kind, id string) *Error {
	return &Error{
		Code:     ErrEntityNotFound,
		Message:  fmt.Sprintf("%s %q not found", kind, id),
		EntityID: id,
	}
}

// UnauthorizedError creates an UNAUTHORIZED error for the given entity.
func UnauthorizedError(kind, id string) *Error {
	return &Error{
		Code:     ErrUnauthorized,
		Message:  fmt.Sprintf("caller has no access to %s %q", kind, id),
		EntityID: id,
	}
}

// ValidationError creates a VALIDATION_ERROR with the given message.
func ValidationError(format string, args ...any) *Error {
	return &Error{Code: ErrValidation, Message: fmt.Sprintf(format, args...)}
}

// BusinessLogicError creates a BUSINESS_LOGIC_ERROR: a well-formed request
// that violates a state invariant.
func BusinessLogicError(format string, args ...any) *Error {
	return &Error{Code: ErrBusinessLogic, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithEntityID sets the entity id the error refers to.
func (e *Error) WithEntityID(id string) *Error {
	e.EntityID = id
	return e
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// IsNotFound reports whether err is an ENTITY_NOT_FOUND error.
func IsNotFound(err error) bool { return IsCode(err, ErrEntityNotFound) }

// IsUnauthorized reports whether err is an UNAUTHORIZED error.
func IsUnauthorized(err error) bool { return IsCode(err, ErrUnauthorized) }

// IsValidation reports whether err is a VALIDATION_ERROR.
func IsValidation(err error) bool { return IsCode(err, ErrValidation) }

// IsBusinessLogic reports whether err is a BUSINESS_LOGIC_ERROR.
func IsBusinessLogic(err error) bool { return IsCode(err, ErrBusinessLogic) }

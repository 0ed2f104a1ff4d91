package apperror

import (
	"errors"
	"fmt"
)

// Code classifies a failure for callers on the other side of the wire.
type Code string

const (
	CodeValidation           Code = "ValidationError"
	CodeNotFound             Code = "NotFound"
	CodeBadCredential        Code = "BadCredential"
	CodeTokenExpired         Code = "TokenExpired"
	CodeEnvironmentMismatch  Code = "EnvironmentMismatch"
	CodeInvalidToken         Code = "InvalidToken"
	CodeRegistrationDisabled Code = "RegistrationDisabled"
	CodeRateLimited          Code = "RateLimited"
	CodeSuppressed           Code = "Suppressed"
	CodeExternalService      Code = "ExternalServiceError"
	CodeStorageUnavailable   Code = "StorageUnavailable"
	CodeUnauthorized         Code = "Unauthorized"
	CodeInternal             Code = "InternalError"
)

// Sentinels for errors.Is checks. Any *Error with the same code matches.
var (
	ErrValidation           = &Error{Code: CodeValidation}
	ErrNotFound             = &Error{Code: CodeNotFound}
	ErrBadCredential        = &Error{Code: CodeBadCredential}
	ErrTokenExpired         = &Error{Code: CodeTokenExpired}
	ErrEnvironmentMismatch  = &Error{Code: CodeEnvironmentMismatch}
	ErrInvalidToken         = &Error{Code: CodeInvalidToken}
	ErrRegistrationDisabled = &Error{Code: CodeRegistrationDisabled}
	ErrRateLimited          = &Error{Code: CodeRateLimited}
	ErrSuppressed           = &Error{Code: CodeSuppressed}
	ErrExternalService      = &Error{Code: CodeExternalService}
	ErrStorageUnavailable   = &Error{Code: CodeStorageUnavailable}
	ErrUnauthorized         = &Error{Code: CodeUnauthorized}
)

// Error is a classified failure with a client-facing message.
type Error struct {
	Code    Code
	Message string
	Err     error
}

// New constructs an Error with a message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf constructs an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Storage wraps a durable store fault.
func Storage(op string, err error) *Error {
	return &Error{Code: CodeStorageUnavailable, Message: op + " failed", Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on code so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil || e == nil {
		return false
	}
	return other.Code == e.Code
}

// CodeOf returns the code of the first *Error in the chain, or CodeInternal.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) && appErr != nil {
		return appErr.Code
	}
	return CodeInternal
}

// MessageOf returns a message safe to show to clients.
func MessageOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) && appErr != nil {
		if appErr.Code == CodeStorageUnavailable {
			return "storage unavailable"
		}
		if appErr.Message != "" {
			return appErr.Message
		}
		return string(appErr.Code)
	}
	return "internal error"
}

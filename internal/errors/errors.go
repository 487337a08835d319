// Package errors defines the typed error taxonomy shared by the dispatch
// runtime. Every failure surfaced to a caller is a ServiceError carrying a
// stable code and an HTTP status, so transports can map outcomes without
// inspecting error strings.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies an error category across process boundaries.
type ErrorCode string

const (
	CodeBadRequest       ErrorCode = "BAD_REQUEST"
	CodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	CodeForbidden        ErrorCode = "FORBIDDEN"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeMethodNotAllowed ErrorCode = "METHOD_NOT_ALLOWED"
	CodeConflict         ErrorCode = "CONFLICT"
	CodeInternal         ErrorCode = "INTERNAL_ERROR"
	CodeNotImplemented   ErrorCode = "NOT_IMPLEMENTED"
	CodeUnavailable      ErrorCode = "SERVICE_UNAVAILABLE"
)

// ServiceError is the base error type for all runtime failures.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	HTTPStatus int                    `json:"status"`
	Message    string                 `json:"message"`
	Reason     string                 `json:"reason,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// WithDetails attaches a key/value pair to the error and returns it.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithReason attaches a machine-readable reason string and returns the error.
func (e *ServiceError) WithReason(reason string) *ServiceError {
	e.Reason = reason
	return e
}

// =============================================================================
// Constructors
// =============================================================================

func newError(code ErrorCode, status int, message string) *ServiceError {
	return &ServiceError{Code: code, HTTPStatus: status, Message: message}
}

// BadRequest indicates a malformed or invalid request (400).
func BadRequest(message string) *ServiceError {
	return newError(CodeBadRequest, http.StatusBadRequest, message)
}

// Unauthorized indicates missing or invalid credentials (401).
func Unauthorized(message string) *ServiceError {
	return newError(CodeUnauthorized, http.StatusUnauthorized, message)
}

// Forbidden indicates the caller is authenticated but not allowed (403).
func Forbidden(message string) *ServiceError {
	return newError(CodeForbidden, http.StatusForbidden, message)
}

// NotFound indicates a missing route, service, or entity (404).
func NotFound(message string) *ServiceError {
	return newError(CodeNotFound, http.StatusNotFound, message)
}

// MethodNotAllowed indicates an unsupported verb on a known resource (405).
func MethodNotAllowed(message string) *ServiceError {
	return newError(CodeMethodNotAllowed, http.StatusMethodNotAllowed, message)
}

// Conflict indicates a state conflict such as a duplicate registration (409).
func Conflict(message string) *ServiceError {
	return newError(CodeConflict, http.StatusConflict, message)
}

// Internal indicates an unexpected runtime failure (500).
func Internal(message string, cause error) *ServiceError {
	e := newError(CodeInternal, http.StatusInternalServerError, message)
	e.Cause = cause
	return e
}

// NotImplemented indicates a declared but unimplemented operation (501).
func NotImplemented(message string) *ServiceError {
	return newError(CodeNotImplemented, http.StatusNotImplemented, message)
}

// Unavailable indicates a temporarily unusable dependency (503).
func Unavailable(message string) *ServiceError {
	return newError(CodeUnavailable, http.StatusServiceUnavailable, message)
}

// InvalidToken indicates a token that failed parsing or verification (401).
func InvalidToken(cause error) *ServiceError {
	e := newError(CodeUnauthorized, http.StatusUnauthorized, "Invalid token")
	e.Cause = cause
	return e
}

// =============================================================================
// Inspection
// =============================================================================

// GetServiceError returns the ServiceError wrapped anywhere in err's chain,
// or nil when err carries no typed error.
func GetServiceError(err error) *ServiceError {
	var se *ServiceError
	if errors.As(err, &se) {
		return se
	}
	return nil
}

// Ensure converts an arbitrary error into a ServiceError, wrapping untyped
// errors as Internal. A nil error returns nil.
func Ensure(err error) *ServiceError {
	if err == nil {
		return nil
	}
	if se := GetServiceError(err); se != nil {
		return se
	}
	return Internal("Internal server error", err)
}

// HasCode reports whether err carries a ServiceError with the given code.
func HasCode(err error, code ErrorCode) bool {
	se := GetServiceError(err)
	return se != nil && se.Code == code
}

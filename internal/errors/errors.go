// Package errors defines the service error taxonomy shared by the HTTP
// layers. Every error carries a stable code, a human-readable message, and
// the HTTP status it maps to.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error category.
type Code string

const (
	CodeBadRequest         Code = "BAD_REQUEST"
	CodeUnauthorized       Code = "UNAUTHORIZED"
	CodeForbidden          Code = "FORBIDDEN"
	CodeNotFound           Code = "NOT_FOUND"
	CodeRateLimitExceeded  Code = "RATE_LIMIT_EXCEEDED"
	CodeUpstreamError      Code = "UPSTREAM_ERROR"
	CodeInvalidToken       Code = "INVALID_TOKEN"
	CodeInternal           Code = "INTERNAL"
	CodeNotConfigured      Code = "NOT_CONFIGURED"
	CodeInvalidCredentials Code = "INVALID_CREDENTIALS"
)

// ServiceError is the canonical error type surfaced over HTTP.
type ServiceError struct {
	Code       Code                   `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	cause      error
}

func (e *ServiceError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is/As.
func (e *ServiceError) Unwrap() error { return e.cause }

// WithDetails attaches a detail key/value and returns the error for chaining.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func newError(code Code, message string, status int, cause error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status, cause: cause}
}

// BadRequest flags invalid client input.
func BadRequest(message string) *ServiceError {
	return newError(CodeBadRequest, message, http.StatusBadRequest, nil)
}

// Unauthorized flags a missing or failed authentication.
func Unauthorized(message string) *ServiceError {
	if message == "" {
		message = "authentication required"
	}
	return newError(CodeUnauthorized, message, http.StatusUnauthorized, nil)
}

// InvalidCredentials flags a rejected username/password pair.
func InvalidCredentials(cause error) *ServiceError {
	return newError(CodeInvalidCredentials, "credentials rejected by upstream", http.StatusUnauthorized, cause)
}

// InvalidToken flags a malformed or expired token.
func InvalidToken(cause error) *ServiceError {
	return newError(CodeInvalidToken, "invalid token", http.StatusUnauthorized, cause)
}

// NotFound flags a missing resource.
func NotFound(resource, id string) *ServiceError {
	return newError(CodeNotFound, fmt.Sprintf("%s %s not found", resource, id), http.StatusNotFound, nil)
}

// RateLimitExceeded flags a throttled client.
func RateLimitExceeded(limit int, window string) *ServiceError {
	err := newError(CodeRateLimitExceeded, "rate limit exceeded", http.StatusTooManyRequests, nil)
	return err.WithDetails("limit", limit).WithDetails("window", window)
}

// Upstream flags a failed call to the 1NCE management API. The upstream
// status code is preserved in the details.
func Upstream(status int, cause error) *ServiceError {
	mapped := http.StatusBadGateway
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusTooManyRequests:
		mapped = status
	}
	err := newError(CodeUpstreamError, "upstream request failed", mapped, cause)
	if status != 0 {
		err.WithDetails("upstream_status", status)
	}
	return err
}

// NotConfigured flags a feature that lacks required configuration.
func NotConfigured(feature string) *ServiceError {
	return newError(CodeNotConfigured, fmt.Sprintf("%s not configured", feature), http.StatusServiceUnavailable, nil)
}

// Internal flags an unexpected server-side failure.
func Internal(message string, cause error) *ServiceError {
	if message == "" {
		message = "internal error"
	}
	return newError(CodeInternal, message, http.StatusInternalServerError, cause)
}

// GetServiceError extracts a *ServiceError from err's chain, or nil.
func GetServiceError(err error) *ServiceError {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr
	}
	return nil
}

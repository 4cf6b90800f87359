// Package errors defines the categorized error taxonomy used across the
// lookup engine. Transport and session failures are classified here once and
// the rest of the system makes retry and rotation decisions from the
// category, never from error strings.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryAuth represents session handshake failures
	CategoryAuth ErrorCategory = "auth"
	// CategoryTransient represents retryable, proxy-attributable failures
	CategoryTransient ErrorCategory = "transient"
	// CategoryFatal represents unexpected upstream responses
	CategoryFatal ErrorCategory = "fatal"
	// CategoryCapacity represents a user with no usable proxies
	CategoryCapacity ErrorCategory = "capacity"
	// CategoryDatabase represents persistence errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryCache represents cache errors
	CategoryCache ErrorCategory = "cache"
	// CategoryValidation represents malformed client input
	CategoryValidation ErrorCategory = "validation"
	// CategoryConflict represents conflicting submissions
	CategoryConflict ErrorCategory = "conflict"
	// CategoryNotFound represents missing resources
	CategoryNotFound ErrorCategory = "not_found"
)

// TransientKind distinguishes transient transport failures for
// circuit-breaker bookkeeping.
type TransientKind string

const (
	TransientTLS        TransientKind = "tls"
	TransientConnection TransientKind = "connection"
	TransientTimeout    TransientKind = "timeout"
	TransientDecode     TransientKind = "decode"
)

// CategorizedError carries a category, a stable code and the underlying cause
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Kind       TransientKind // set only for CategoryTransient
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// NewAuthError creates a session handshake error
func NewAuthError(step string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuth,
		StatusCode: http.StatusUnauthorized,
		Code:       "AUTH_ERROR",
		Message:    fmt.Sprintf("session handshake failed during %s", step),
		Cause:      cause,
	}
}

// NewTransientError creates a retryable transport error of the given kind
func NewTransientError(kind TransientKind, detail string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTransient,
		StatusCode: http.StatusBadGateway,
		Code:       "TRANSIENT_" + string(kind),
		Message:    detail,
		Kind:       kind,
		Cause:      cause,
	}
}

// NewFatalError creates an error for an unexpected upstream response
func NewFatalError(detail string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryFatal,
		StatusCode: http.StatusBadGateway,
		Code:       "FATAL_RESPONSE",
		Message:    detail,
	}
}

// NewCapacityExhaustedError signals that a user has no usable proxy identities
func NewCapacityExhaustedError(user string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCapacity,
		StatusCode: http.StatusServiceUnavailable,
		Code:       "CAPACITY_EXHAUSTED",
		Message:    fmt.Sprintf("no proxy identities available for user %s", user),
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       "DATABASE_ERROR",
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
	}
}

// NewCacheError creates a cache error
func NewCacheError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryCache,
		StatusCode: http.StatusInternalServerError,
		Code:       "CACHE_ERROR",
		Message:    fmt.Sprintf("cache error during %s", operation),
		Cause:      cause,
	}
}

// NewValidationError creates an invalid input error
func NewValidationError(field, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_INPUT",
		Message:    fmt.Sprintf("invalid %s: %s", field, reason),
	}
}

// NewConflictError creates a conflicting-submission error
func NewConflictError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       "CONFLICT",
		Message:    message,
	}
}

// NewNotFoundError creates a missing-resource error
func NewNotFoundError(resource, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// Categorize normalizes an arbitrary error into a CategorizedError
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr
	}

	return &CategorizedError{
		Category:   CategoryFatal,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    "unexpected error",
		Cause:      err,
	}
}

// IsRetryable reports whether an error should trigger another attempt,
// possibly through a different proxy identity.
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	switch catErr.Category {
	case CategoryTransient, CategoryAuth, CategoryDatabase, CategoryCache:
		return true
	default:
		return false
	}
}

// IsCapacityExhausted reports whether an error means the user's proxy pool
// cannot serve any more work.
func IsCapacityExhausted(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == CategoryCapacity
}

// IsNotFound reports whether an error means the requested resource does not
// exist.
func IsNotFound(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == CategoryNotFound
}

// KindOf returns the transient kind of an error, or "" when the error is not
// a transient transport failure.
func KindOf(err error) TransientKind {
	catErr := Categorize(err)
	if catErr == nil || catErr.Category != CategoryTransient {
		return ""
	}
	return catErr.Kind
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

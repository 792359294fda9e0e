package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for common error conditions.
var (
	// ErrNotFound indicates that a requested entity was not found.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates that the input data is invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrRateLimited indicates that the upstream platform rejected the request with 429.
	ErrRateLimited = errors.New("rate limited")

	// ErrServiceUnavailable indicates that an external service is unavailable.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrCancelled indicates that an operation was cancelled by its caller.
	// An OperationError whose cause is context.Canceled matches it.
	ErrCancelled = errors.New("cancelled")

	// ErrQuotaExhausted indicates that a platform's daily quota has been used up.
	ErrQuotaExhausted = errors.New("quota exhausted")

	// ErrNoMirrorAvailable indicates that every mirror of a backend is unhealthy.
	ErrNoMirrorAvailable = errors.New("no mirror available")

	// ErrLimiterDisposed indicates that a rate limiter was shut down while a caller waited on it.
	ErrLimiterDisposed = errors.New("rate limiter disposed")
)

// ValidationError represents a validation error for a specific field.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// NotFoundError provides details about a not found entity.
type NotFoundError struct {
	Entity string
	ID     string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// UpstreamError describes a single failed attempt against an upstream platform.
// StatusCode is zero when the request never produced an HTTP response.
type UpstreamError struct {
	Platform   string
	Operation  string
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Cause      error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	var b strings.Builder
	b.WriteString(e.Platform)
	if e.Operation != "" {
		b.WriteString(" ")
		b.WriteString(e.Operation)
	}
	if e.StatusCode == 0 {
		b.WriteString(": request failed")
	} else {
		fmt.Fprintf(&b, ": upstream status %d", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause error.
func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

// Is reports 429 responses as ErrRateLimited and 503 responses as ErrServiceUnavailable.
func (e *UpstreamError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.StatusCode == 429
	case ErrServiceUnavailable:
		return e.StatusCode == 503
	}
	return false
}

// QuotaExhaustedError is returned when a platform's daily request quota is used up.
type QuotaExhaustedError struct {
	Platform string
	Limit    int
	Used     int
	ResetAt  time.Time
}

// Error implements the error interface.
func (e *QuotaExhaustedError) Error() string {
	return fmt.Sprintf("daily quota exhausted for %s (%d/%d), resets at %s",
		e.Platform, e.Used, e.Limit, e.ResetAt.UTC().Format(time.RFC3339))
}

// Unwrap returns the underlying sentinel error for use with errors.Is.
func (e *QuotaExhaustedError) Unwrap() error {
	return ErrQuotaExhausted
}

// NoMirrorAvailableError is returned when no mirror of a backend can serve a request.
type NoMirrorAvailableError struct {
	Backend string
	Tried   []string
	Cause   error
}

// Error implements the error interface.
func (e *NoMirrorAvailableError) Error() string {
	msg := fmt.Sprintf("no mirror available for %s", e.Backend)
	if len(e.Tried) > 0 {
		msg += fmt.Sprintf(" (tried %s)", strings.Join(e.Tried, ", "))
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes both the sentinel and the last mirror failure.
func (e *NoMirrorAvailableError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrNoMirrorAvailable}
	}
	return []error{ErrNoMirrorAvailable, e.Cause}
}

// OperationError is the error adapters receive from a gateway call. It carries the
// platform, operation, HTTP status (zero when unknown) and whether the final failure
// was retryable.
type OperationError struct {
	Platform   string
	Operation  string
	StatusCode int
	Retryable  bool
	Attempts   int
	Err        error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s failed (status %d): %v", e.Platform, e.Operation, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Platform, e.Operation, e.Err)
}

// Unwrap returns the underlying cause error.
func (e *OperationError) Unwrap() error {
	return e.Err
}

// Is reports ErrCancelled for operations abandoned because their context was cancelled.
func (e *OperationError) Is(target error) bool {
	return target == ErrCancelled && errors.Is(e.Err, context.Canceled)
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(entity, id string) *NotFoundError {
	return &NotFoundError{
		Entity: entity,
		ID:     id,
	}
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// NewUpstreamError creates a new UpstreamError.
func NewUpstreamError(platform string, statusCode int, message string, cause error) *UpstreamError {
	return &UpstreamError{
		Platform:   platform,
		StatusCode: statusCode,
		Message:    message,
		Cause:      cause,
	}
}

// NewQuotaExhaustedError creates a new QuotaExhaustedError.
func NewQuotaExhaustedError(platform string, limit, used int, resetAt time.Time) *QuotaExhaustedError {
	return &QuotaExhaustedError{
		Platform: platform,
		Limit:    limit,
		Used:     used,
		ResetAt:  resetAt,
	}
}

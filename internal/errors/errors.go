// Package errors holds the sentinel errors shared by every nodewatch package.
//
// This file provides:
// - Sentinel errors for all error conditions
// - The FetchError type returned when the transport yields no payload
// - Error category checking functions
// - Error wrapping utilities

package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	// Fetch errors
	ErrFetch            = errors.New("fetch failed")
	ErrEmptyPayload     = errors.New("transport returned no payload")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrConnectionFailed = errors.New("connection failed")
	ErrTimeout          = errors.New("timeout")

	// Store errors
	ErrStoreRead         = errors.New("store read failed")
	ErrStoreWrite        = errors.New("store write failed")
	ErrUnsupportedFormat = errors.New("unsupported store format")

	// Query results
	ErrNoSnapshot = errors.New("no snapshot for node")

	// Validation errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingField  = errors.New("missing required field")
)

// ============================================================================
// FetchError
// ============================================================================

// FetchError reports that a fetch produced no usable payload. Op names the
// step that failed and Err carries the underlying cause, if any.
type FetchError struct {
	Op  string
	Err error
}

// NewFetchError builds a FetchError for op caused by err.
func NewFetchError(op string, err error) *FetchError {
	return &FetchError{Op: op, Err: err}
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", ErrFetch, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", ErrFetch, e.Op, e.Err)
}

// Unwrap returns the cause.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is reports ErrFetch as a match so callers can use errors.Is(err, ErrFetch).
func (e *FetchError) Is(target error) bool {
	return target == ErrFetch
}

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// IsFetchError returns true if err is a fetch failure.
func IsFetchError(err error) bool {
	return errors.Is(err, ErrFetch)
}

// IsStoreError returns true if err came from reading or writing the store.
func IsStoreError(err error) bool {
	return errors.Is(err, ErrStoreRead) ||
		errors.Is(err, ErrStoreWrite) ||
		errors.Is(err, ErrUnsupportedFormat)
}

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField)
}

// IsRetriable returns true if the error is potentially retriable.
// The core never retries; this is for callers that want to.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrEmptyPayload)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidConfig)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the collected errors for errors.Is/As support.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}

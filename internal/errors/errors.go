// LOCATION: internal/errors/errors.go
//
// This file provides:
// - Sentinel errors for every failure class of the ingestion pipeline
// - Error category checking functions
// - Error wrapping utilities
// - ValidationErrors collector used by configuration loading

package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Decode errors. Local to the ingestor: counted and discarded.
	ErrDecode = errors.New("malformed tick")

	// Connection errors
	ErrTransientConnection = errors.New("transient connection error")
	ErrFatalConnection     = errors.New("fatal connection error")
	ErrIdleTimeout         = errors.New("feed idle timeout")
	ErrConnectionClosed    = errors.New("connection closed")

	// Backpressure
	ErrBufferFull = errors.New("buffer full")

	// Write errors
	ErrTransientWrite      = errors.New("transient write error")
	ErrPermanentWrite      = errors.New("permanent write error")
	ErrDeadLetterExhausted = errors.New("dead-letter sink exhausted")

	// Validation errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingField  = errors.New("missing required field")

	// State errors
	ErrAlreadyRunning = errors.New("already running")
	ErrClosed         = errors.New("closed")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// New is a convenience wrapper for errors.New
var New = errors.New

// IsConnectionError returns true if err came from the feed connection.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrTransientConnection) ||
		errors.Is(err, ErrFatalConnection) ||
		errors.Is(err, ErrIdleTimeout) ||
		errors.Is(err, ErrConnectionClosed)
}

// IsWriteError returns true if err came from the store write path.
func IsWriteError(err error) bool {
	return errors.Is(err, ErrTransientWrite) ||
		errors.Is(err, ErrPermanentWrite)
}

// IsRetriable returns true if the error is potentially retriable.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrTransientConnection) ||
		errors.Is(err, ErrIdleTimeout) ||
		errors.Is(err, ErrConnectionClosed) ||
		errors.Is(err, ErrTransientWrite)
}

// IsFatal returns true if the error must stop the pipeline.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatalConnection) ||
		errors.Is(err, ErrDeadLetterExhausted)
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

// Mark attaches a sentinel class to err while keeping err in the chain.
// Both errors.Is(result, class) and errors.Is(result, err) hold.
func Mark(err, class error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, class) {
		return err
	}
	return fmt.Errorf("%w: %w", class, err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewDecode creates a decode error with context.
func NewDecode(format, reason string) error {
	return fmt.Errorf("%s: %s: %w", format, reason, ErrDecode)
}

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

// Unwrap returns the collected errors for errors.Is / errors.As.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

package errors

import (
	"fmt"
)

// KosError is the structured error type for kos-kit-server.
// It provides context for error handling, logging, and API responses.
type KosError struct {
	// Code is the unique error code (e.g., "ERR_201_STORE_IO").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, Store, Index, Query, Internal).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	// Sync failures carry the affected subject IRI under "subject".
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *KosError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *KosError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with KosError.
func (e *KosError) Is(target error) bool {
	if t, ok := target.(*KosError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *KosError) WithDetail(key, value string) *KosError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Subject returns the subject IRI attached to a sync failure, or "".
func (e *KosError) Subject() string {
	return e.Details["subject"]
}

// New creates a new KosError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *KosError {
	return &KosError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a KosError from an existing error.
// The error's message becomes the KosError message.
func Wrap(code string, err error) *KosError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// StoreError creates a store I/O error.
func StoreError(message string, cause error) *KosError {
	return New(ErrCodeStoreIO, message, cause)
}

// IndexError creates a text-index I/O error.
func IndexError(message string, cause error) *KosError {
	return New(ErrCodeIndexIO, message, cause)
}

// SyncError creates a synchronization failure tagged with the subject IRI.
func SyncError(subject string, cause error) *KosError {
	e := New(ErrCodeSync, fmt.Sprintf("index sync failed for subject %s", subject), cause)
	return e.WithDetail("subject", subject)
}

// QueryError creates a caller error on the query surface.
func QueryError(message string) *KosError {
	return New(ErrCodeQuerySyntax, message, nil)
}

// IsRetryable checks if an error is retryable.
// Returns true if the error is a KosError with the Retryable flag set.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if ke, ok := err.(*KosError); ok {
		return ke.Retryable
	}
	return false
}

// GetCode extracts the error code from a KosError.
// Returns empty string if not a KosError.
func GetCode(err error) string {
	if ke, ok := err.(*KosError); ok {
		return ke.Code
	}
	return ""
}

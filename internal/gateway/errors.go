package gateway

import (
	"errors"
	"fmt"
)

// StoreError represents a failure the gateway detected or classified.
//
// The code drives caller retry policy:
//   - VALIDATION_FAILED and TRANSACTION_TOO_LARGE are caller bugs, never
//     retried.
//   - CONCURRENCY_CONFLICT means another writer won the compare-and-swap;
//     the caller re-reads state and retries if its business rules allow.
//
// Transport failures are not wrapped in StoreError; they pass through so
// callers can apply their own backoff policy.
type StoreError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Group identifies the affected record group, when known.
	Group string

	// Key identifies the affected record, when known.
	Key string

	// Err is the underlying cause, if any.
	Err error
}

// ErrorCode categorizes gateway errors.
type ErrorCode string

const (
	// ErrCodeValidation indicates a record failed structural validation
	// before any I/O was issued.
	ErrCodeValidation ErrorCode = "VALIDATION_FAILED"

	// ErrCodeTransactionTooLarge indicates a commit exceeded the backend's
	// atomic-transaction item limit.
	ErrCodeTransactionTooLarge ErrorCode = "TRANSACTION_TOO_LARGE"

	// ErrCodeConcurrencyConflict indicates the conditional state write was
	// rejected: another writer committed first, or an inbound sequence was
	// already taken.
	ErrCodeConcurrencyConflict ErrorCode = "CONCURRENCY_CONFLICT"
)

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Group != "" && e.Key != "" {
		return fmt.Sprintf("%s: %s (group=%s, key=%s)", e.Code, e.Message, e.Group, e.Key)
	}
	if e.Group != "" {
		return fmt.Sprintf("%s: %s (group=%s)", e.Code, e.Message, e.Group)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *StoreError) Unwrap() error { return e.Err }

// IsConflict returns true if the error is an optimistic-concurrency
// conflict. Uses errors.As to handle wrapped errors.
func IsConflict(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code == ErrCodeConcurrencyConflict
	}
	return false
}

// IsValidation returns true if the error is a structural validation
// failure, including the transaction-size bound.
func IsValidation(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code == ErrCodeValidation || se.Code == ErrCodeTransactionTooLarge
	}
	return false
}

// IsTransactionTooLarge returns true if the error is specifically the
// transaction-size bound.
func IsTransactionTooLarge(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code == ErrCodeTransactionTooLarge
	}
	return false
}

func newValidationError(group, key, message string) *StoreError {
	return &StoreError{Code: ErrCodeValidation, Message: message, Group: group, Key: key}
}

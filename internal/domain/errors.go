// Package domain contains the core business entities for Alexander Uploads.
package domain

import (
	"errors"
	"fmt"
)

// Domain errors - these represent business rule violations.
// They are distinct from infrastructure errors (database, network, etc.).

var (
	// ===========================================
	// Request Errors
	// ===========================================

	// ErrValidation indicates malformed or inconsistent request parameters.
	ErrValidation = errors.New("validation failed")

	// ErrConcurrencyLimitExceeded indicates the owner has too many open uploads.
	ErrConcurrencyLimitExceeded = errors.New("concurrent upload limit exceeded")

	// ===========================================
	// Task Errors
	// ===========================================

	// ErrTaskNotFound indicates the upload task does not exist.
	ErrTaskNotFound = errors.New("upload task not found")

	// ErrChunkNotFound indicates the chunk number is outside the task.
	ErrChunkNotFound = errors.New("chunk not found")

	// ErrInvalidState indicates the operation is not allowed in the task's current state.
	ErrInvalidState = errors.New("invalid task state")

	// ErrTaskBusy indicates another mutation of the same task is in progress.
	ErrTaskBusy = errors.New("upload task is busy")

	// ===========================================
	// File Errors
	// ===========================================

	// ErrFileNotFound indicates the file record does not exist.
	ErrFileNotFound = errors.New("file not found")

	// ===========================================
	// Authorization Errors
	// ===========================================

	// ErrForbidden indicates the caller does not own the resource.
	ErrForbidden = errors.New("forbidden")

	// ===========================================
	// Storage Errors
	// ===========================================

	// ErrStorage indicates object storage rejected a required operation.
	ErrStorage = errors.New("object storage error")

	// ErrPartialFailure marks best-effort cleanup that did not finish.
	// It is logged, never returned to callers.
	ErrPartialFailure = errors.New("partial failure")
)

// DomainError wraps a domain error with additional context.
type DomainError struct {
	// Err is the underlying domain error.
	Err error

	// Message provides additional context.
	Message string

	// Resource identifies the affected resource (e.g., task id, chunk number).
	Resource string
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Err.Error(), e.Message, e.Resource)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/errors.As.
func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new DomainError with context.
func NewDomainError(err error, message, resource string) *DomainError {
	return &DomainError{
		Err:      err,
		Message:  message,
		Resource: resource,
	}
}

// ValidationError returns an ErrValidation carrying the offending field.
func ValidationError(field, message string) *DomainError {
	return NewDomainError(ErrValidation, message, field)
}

// IncompleteUploadError is returned when completion is requested before
// every chunk has been reported. It matches ErrInvalidState.
type IncompleteUploadError struct {
	Completed int
	Total     int
	Missing   []int
}

// Error implements the error interface.
func (e *IncompleteUploadError) Error() string {
	return fmt.Sprintf("%s: %d of %d chunks uploaded, %d missing",
		ErrInvalidState.Error(), e.Completed, e.Total, e.Total-e.Completed)
}

// Unwrap returns ErrInvalidState.
func (e *IncompleteUploadError) Unwrap() error {
	return ErrInvalidState
}

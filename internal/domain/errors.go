package domain

import (
	"fmt"
)

// ErrNotFound is returned by repositories when no row matches.
type ErrNotFound struct {
	Entity string
	ID     string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found with ID: %s", e.Entity, e.ID)
}

// ErrDuplicateRequest is returned by Queue.Add when the request id is already
// enqueued.
type ErrDuplicateRequest struct {
	RequestID string
}

func (e *ErrDuplicateRequest) Error() string {
	return fmt.Sprintf("request already queued: %s", e.RequestID)
}

// ValidationError represents an error that occurs due to invalid input or parameters
type ValidationError struct {
	Message string
}

// Error implements the error interface
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", e.Message)
}

// NewValidationError creates a new validation error with the given message
func NewValidationError(message string) error {
	return ValidationError{
		Message: message,
	}
}

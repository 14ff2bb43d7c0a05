package store

import (
	"errors"
	"fmt"

	"lazycal/internal/domain"
)

// ErrNotFound is returned when an operation references an id the store does not hold.
var ErrNotFound = errors.New("not found")

// ValidationError rejects invalid task parameters; the store is left unchanged.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransitionError rejects a status change the lifecycle does not allow.
type TransitionError struct {
	From domain.Status
	To   domain.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid task status transition %s -> %s", e.From, e.To)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func notFound(id string) error {
	return fmt.Errorf("task %s: %w", id, ErrNotFound)
}

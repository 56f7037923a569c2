package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a scoped record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput is returned for requests that fail validation
	ErrInvalidInput = errors.New("invalid input")
)

// VersionConflictError reports a failed optimistic compare-and-swap.
// Callers must reload the record and resubmit.
type VersionConflictError struct {
	Entity          string
	ID              int64
	ExpectedVersion int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("%s %d: version %d is stale", e.Entity, e.ID, e.ExpectedVersion)
}

// IsVersionConflict reports whether err wraps a VersionConflictError
func IsVersionConflict(err error) bool {
	var conflict *VersionConflictError
	return errors.As(err, &conflict)
}

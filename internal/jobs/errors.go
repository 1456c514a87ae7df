package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a job is absent from the area an operation requires.
	ErrNotFound = errors.New("job not found")

	// ErrDuplicateID is returned by Enqueue when the id is already stored.
	ErrDuplicateID = errors.New("duplicate job id")

	// ErrValidation marks a malformed submission.
	ErrValidation = errors.New("invalid job request")
)

// StorageError reports a failed read or write against the backing store.
type StorageError struct {
	Op  string
	ID  string
	Err error
}

func (e *StorageError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

package db

import (
	"errors"
	"fmt"
)

// ErrStorage marks a failure of the backing store (unreachable, timed out, constraint or driver error).
// Callers must treat it as retryable infrastructure failure, never as a missing row.
var ErrStorage = errors.New("storage unavailable")

// StorageError carries the repository operation that failed and the driver error.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

// Unwrap exposes both ErrStorage and the driver error to errors.Is/As.
func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

// Wrap returns nil for a nil err, otherwise a *StorageError for op.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

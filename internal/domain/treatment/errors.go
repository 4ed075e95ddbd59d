package treatment

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound                 = errors.New("treatment not found")
	ErrInvalidRequest           = errors.New("invalid request")
	ErrDuplicateActiveTreatment = errors.New("patient already has an active treatment for this procedure")
	ErrVersionConflict          = errors.New("treatment was modified concurrently")
	ErrConfirmationRequired     = errors.New("deletion must be confirmed")
	ErrPersistence              = errors.New("treatment store unavailable")
	ErrPhotoStorageUnavailable  = errors.New("photo storage is not configured")
)

// PersistenceError wraps a store failure. Nothing was committed; the caller
// may retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrPersistence, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

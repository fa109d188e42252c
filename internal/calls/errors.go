package calls

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("calls: not found")
	ErrForbidden       = errors.New("calls: forbidden")
	ErrConflict        = errors.New("calls: already accepted or resolved")
	ErrUnavailable     = errors.New("calls: no available responder")
	ErrInvalidState    = errors.New("calls: invalid state for this action")
	ErrInvalidArgument = errors.New("calls: invalid argument")
	ErrStorage         = errors.New("calls: storage failure")
)

// StorageError wraps a backend failure. errors.Is(err, ErrStorage) matches it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("calls: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// transitionErr classifies a refused status change: a call that is already
// terminal is a conflict; anything else is the wrong state for the action.
func transitionErr(current Status) error {
	if current.Terminal() {
		return ErrConflict
	}
	return ErrInvalidState
}

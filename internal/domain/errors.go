package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrCatalogNotFound   = fmt.Errorf("catalog %w", ErrNotFound)
	ErrMissingCapability = errors.New("connector lacks required capability")
	ErrTaskRunning       = errors.New("task is running")
)

// Discard marks an error as fatal to the task.
//
// The worker deletes a discarded task and raises an alert instead of
// setting it to error, since a retry cannot succeed.
//
//	return domain.Discard(fmt.Errorf("catalog %s: %w", id, domain.ErrCatalogNotFound))
func Discard(err error) error {
	if err == nil {
		return nil
	}
	return discardError{err: err}
}

// IsDiscard reports whether err is wrapped with Discard.
func IsDiscard(err error) bool {
	var e discardError
	return errors.As(err, &e)
}

type discardError struct{ err error }

func (e discardError) Error() string { return fmt.Sprintf("discard: %v", e.err) }
func (e discardError) Unwrap() error { return e.err }

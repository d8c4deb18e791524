package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a referenced feed or article does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write collides with a uniqueness constraint.
	ErrConflict = errors.New("conflict")
	// ErrFeedExists is returned when subscribing to a URL twice.
	ErrFeedExists = fmt.Errorf("feed already subscribed: %w", ErrConflict)
	// ErrInvalidInput rejects malformed arguments.
	ErrInvalidInput = errors.New("invalid input")
	// ErrRefreshInProgress is returned when RefreshAll is called while a
	// previous cycle is still running.
	ErrRefreshInProgress = errors.New("refresh already in progress")

	// ErrFetch matches any *FetchError.
	ErrFetch = errors.New("fetch failed")
	// ErrStorage matches any *StorageError.
	ErrStorage = errors.New("storage failure")
)

// FetchError reports that a feed could not be retrieved or parsed.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrFetch) hold for every FetchError.
func (e *FetchError) Is(target error) bool { return target == ErrFetch }

// StorageError reports a failure of the underlying persistence layer.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// Storage wraps err as a StorageError for op. Nil stays nil, and errors
// that already carry a domain meaning pass through unchanged.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrStorage) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

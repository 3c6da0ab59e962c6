package kv

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed indicates that the backend was closed
	ErrClosed = errors.New("backend was closed")
	// ErrBackendUnavailable indicates that the requested backend
	// kind is unknown or that its underlying resource could not
	// be opened
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// DeserializationError is returned when the bytes persisted
// under a key cannot be decoded into a sparse vector.
type DeserializationError struct {
	Key string
	Err error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("could not deserialize value for key %q: %s", e.Key, e.Err)
}

func (e *DeserializationError) Unwrap() error {
	return e.Err
}

// FlushError is returned when a backend fails to persist
// a write batch. The batch is not retried: the keys it held
// are dropped from the write cache regardless.
type FlushError struct {
	// Keys is the number of pending writes that were dropped
	Keys int
	Err  error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("could not flush %d pending writes: %s", e.Keys, e.Err)
}

func (e *FlushError) Unwrap() error {
	return e.Err
}

// Unavailable wraps the cause of a failed open so that
// it matches both ErrBackendUnavailable and cause.
func Unavailable(kind Kind, path string, cause error) error {
	return fmt.Errorf("%w: could not open %s store at %s: %w", ErrBackendUnavailable, kind, path, cause)
}

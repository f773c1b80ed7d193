package storage

import "errors"

// Storage errors.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnavailable is returned when the backend cannot be reached or refused the
	// operation for a transient reason. Callers may retry.
	ErrUnavailable = errors.New("storage unavailable")
)

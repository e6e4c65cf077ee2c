package storage

import "errors"

// Storage errors shared by all Store implementations.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when an insert violates a unique constraint,
	// including the one-pending-offer-per-bidder rule.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict is returned when a write would orphan referencing rows.
	ErrConflict = errors.New("foreign key conflict")
)

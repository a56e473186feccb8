package storage

import "errors"

// Common storage errors
var (
	// ErrInvalidChange indicates a change that cannot be stored as is
	ErrInvalidChange = errors.New("invalid change")

	// ErrClosed indicates that the change log was closed
	ErrClosed = errors.New("change log closed")
)

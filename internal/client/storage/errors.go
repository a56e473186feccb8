package storage

import "errors"

// Common client storage errors
var (
	// ErrNotFound indicates that a record does not exist in the store
	ErrNotFound = errors.New("record not found")

	// ErrUnknownStore indicates that the store is not part of the schema
	ErrUnknownStore = errors.New("unknown store")

	// ErrReadOnly indicates a write attempt inside a read-only transaction
	ErrReadOnly = errors.New("transaction is read-only")

	// ErrSchemaDowngrade indicates that the database file has a newer schema than requested
	ErrSchemaDowngrade = errors.New("database schema is newer than requested version")

	// ErrStorageClosed indicates that storage is closed
	ErrStorageClosed = errors.New("storage is closed")
)

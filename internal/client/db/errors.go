package db

import (
	"errors"
	"fmt"

	"github.com/iudanet/synceddb/internal/client/storage"
	"github.com/iudanet/synceddb/internal/models"
)

var (
	// ErrAlreadySyncing is returned when a sync session is already open on the database
	ErrAlreadySyncing = errors.New("already syncing")

	// ErrStoreNotInTransaction is returned when a transaction touches a store outside its scope
	ErrStoreNotInTransaction = errors.New("store is not part of the transaction")
)

// KeyNotFoundError is returned when a record is absent or tombstoned
type KeyNotFoundError struct {
	Store string
	Key   models.Key
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("key %s not found in store %s", e.Key, e.Store)
}

// Unwrap allows errors.Is(err, storage.ErrNotFound)
func (e *KeyNotFoundError) Unwrap() error {
	return storage.ErrNotFound
}

// IsNotFound reports whether err means a missing record
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

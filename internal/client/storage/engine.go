package storage

import (
	"context"

	"github.com/iudanet/synceddb/internal/models"
)

//go:generate moq -out engine_mock.go . Engine Tx

// Engine is the local key-value engine the record store runs on.
// All access goes through atomic multi-store transactions.
type Engine interface {
	// View runs fn in a read-only transaction
	View(ctx context.Context, fn func(tx Tx) error) error

	// Update runs fn in a read-write transaction. If fn returns an error
	// nothing written inside it is persisted.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// Stores returns the names of all stores in the current schema
	Stores() []string

	// Close releases the engine
	Close() error
}

// Tx is one engine transaction spanning every store
type Tx interface {
	// Get returns the stored record, including tombstones.
	// Returns ErrNotFound if the key is absent.
	Get(store string, key models.Key) (*models.Record, error)

	// Put stores rec under rec.Key and keeps the dirty-flag index in step
	// with rec.ChangedSinceSync
	Put(store string, rec *models.Record) error

	// Delete physically removes a record. Removing an absent key is not an error.
	Delete(store string, key models.Key) error

	// Scan visits records whose key lies in r in ascending key order until fn
	// returns false or an error
	Scan(store string, r models.KeyRange, fn func(rec *models.Record) (bool, error)) error

	// Dirty returns all records with ChangedSinceSync set, using the index
	Dirty(store string) ([]*models.Record, error)

	// Meta returns the sync metadata of a store
	Meta(store string) (*StoreMeta, error)

	// PutMeta replaces the sync metadata of a store
	PutMeta(store string, meta *StoreMeta) error
}

// StoreMeta is the per-store sync metadata.
// SyncedTo is the timestamp of the newest server change applied locally,
// nil before the first pull.
type StoreMeta struct {
	SyncedTo *int64 `json:"syncedTo"`
}

// Migration runs inside the upgrade transaction when the schema version increases
type Migration func(ctx context.Context, tx Tx) error

// Schema describes the stores of a local database and how to upgrade to it
type Schema struct {
	// Migrations maps a version to the hook that upgrades from version-1
	Migrations map[int]Migration
	Stores     []string
	Version    int
}

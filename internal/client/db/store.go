package db

import (
	"context"
	"sync"

	"github.com/iudanet/synceddb/internal/models"
	"github.com/iudanet/synceddb/pkg/api"
)

// SyncedEvent is emitted when the server acknowledged a change to a record.
// NewKey is set if the server stored the record under a different key.
// Record is nil when an acknowledged delete removed the record.
type SyncedEvent struct {
	NewKey *models.Key
	Record *models.Record
	Key    models.Key
}

// Store is a named collection of records within a Database
type Store struct {
	db            *Database
	resolver      ConflictResolver
	rejectHandler RejectHandler
	changes       Registry[models.ChangeEvent]
	synced        Registry[SyncedEvent]
	messages      Registry[*api.Raw]
	name          string
	mu            sync.RWMutex
}

// Name returns the store name
func (s *Store) Name() string {
	return s.name
}

// SetConflictResolver sets the policy used when remote changes hit dirty records
func (s *Store) SetConflictResolver(r ConflictResolver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolver = r
}

// ConflictResolver returns the configured resolver or nil
func (s *Store) ConflictResolver() ConflictResolver {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolver
}

// SetRejectHandler sets the reject handler for this store
func (s *Store) SetRejectHandler(h RejectHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectHandler = h
}

// RejectHandler returns the store's own reject handler or nil
func (s *Store) RejectHandler() RejectHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rejectHandler
}

// Changes returns the registry of add/update/delete events of this store
func (s *Store) Changes() *Registry[models.ChangeEvent] {
	return &s.changes
}

// Synced returns the registry of acknowledgement events of this store
func (s *Store) Synced() *Registry[SyncedEvent] {
	return &s.synced
}

// Messages returns the registry of inbound application messages addressed to this store
func (s *Store) Messages() *Registry[*api.Raw] {
	return &s.messages
}

// Get returns the live records for keys. It fails with *KeyNotFoundError
// if any key is absent or tombstoned.
func (s *Store) Get(ctx context.Context, keys ...models.Key) ([]*models.Record, error) {
	out := make([]*models.Record, 0, len(keys))
	err := s.db.Read(ctx, []string{s.name}, func(tx *Tx) error {
		st := tx.Store(s.name)
		for _, k := range keys {
			rec, err := st.Get(k)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetOne returns a single live record
func (s *Store) GetOne(ctx context.Context, key models.Key) (*models.Record, error) {
	recs, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return recs[0], nil
}

// Put writes records in one transaction. Records without a key get one
// assigned, visible in rec.Key afterwards.
func (s *Store) Put(ctx context.Context, recs ...*models.Record) error {
	return s.db.Write(ctx, []string{s.name}, func(tx *Tx) error {
		st := tx.Store(s.name)
		for _, rec := range recs {
			if err := st.Put(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete deletes records in one transaction
func (s *Store) Delete(ctx context.Context, keys ...models.Key) error {
	return s.db.Write(ctx, []string{s.name}, func(tx *Tx) error {
		st := tx.Store(s.name)
		for _, k := range keys {
			if err := st.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Range returns live records within ranges in key order
func (s *Store) Range(ctx context.Context, ranges ...models.KeyRange) ([]*models.Record, error) {
	var out []*models.Record
	err := s.db.Read(ctx, []string{s.name}, func(tx *Tx) error {
		var err error
		out, err = tx.Store(s.name).Range(ranges...)
		return err
	})
	return out, err
}

// Dirty returns the records waiting to be pushed, tombstones included
func (s *Store) Dirty(ctx context.Context) ([]*models.Record, error) {
	var out []*models.Record
	err := s.db.Read(ctx, []string{s.name}, func(tx *Tx) error {
		var err error
		out, err = tx.Store(s.name).Dirty()
		return err
	})
	return out, err
}

// SyncedTo returns the store's synced-to timestamp (nil before the first pull)
func (s *Store) SyncedTo(ctx context.Context) (*int64, error) {
	var out *int64
	err := s.db.Read(ctx, []string{s.name}, func(tx *Tx) error {
		var err error
		out, err = tx.Store(s.name).SyncedTo()
		return err
	})
	return out, err
}

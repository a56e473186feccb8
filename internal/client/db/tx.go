package db

import (
	"errors"
	"fmt"

	"github.com/iudanet/synceddb/internal/client/storage"
	"github.com/iudanet/synceddb/internal/models"
)

type pendingEvent struct {
	event models.ChangeEvent
	push  bool
}

// Tx is a transaction over a fixed set of stores
type Tx struct {
	db       *Database
	raw      storage.Tx
	scope    map[string]struct{}
	events   []pendingEvent
	writable bool
}

// Store returns the transaction view of a store. Operations on a store outside
// the transaction scope fail with ErrStoreNotInTransaction.
func (t *Tx) Store(name string) *TxStore {
	return &TxStore{tx: t, name: name}
}

func (t *Tx) record(ev models.ChangeEvent, push bool) {
	t.events = append(t.events, pendingEvent{event: ev, push: push})
}

// TxStore is one store inside a transaction
type TxStore struct {
	tx   *Tx
	name string
}

// Name returns the store name
func (s *TxStore) Name() string {
	return s.name
}

func (s *TxStore) check() error {
	if _, ok := s.tx.scope[s.name]; !ok {
		return fmt.Errorf("%w: %s", ErrStoreNotInTransaction, s.name)
	}
	return nil
}

func (s *TxStore) checkWrite() error {
	if err := s.check(); err != nil {
		return err
	}
	if !s.tx.writable {
		return storage.ErrReadOnly
	}
	return nil
}

// Get returns a live record. Tombstones count as absent.
func (s *TxStore) Get(key models.Key) (*models.Record, error) {
	rec, err := s.Load(key)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, &KeyNotFoundError{Store: s.name, Key: key}
	}
	return rec, nil
}

// Load returns the stored record including tombstones
func (s *TxStore) Load(key models.Key) (*models.Record, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	rec, err := s.tx.raw.Get(s.name, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &KeyNotFoundError{Store: s.name, Key: key}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", s.name, key, err)
	}
	return rec, nil
}

// Put writes a record from the application. A record without a key gets a
// provisional one (written back to rec.Key) and is marked as new. For an
// existing record the stored version is kept and, if it was clean, its current
// content becomes the diff base.
func (s *TxStore) Put(rec *models.Record) error {
	if err := s.checkWrite(); err != nil {
		return err
	}

	if rec.Key.IsZero() {
		rec.Key = models.NewProvisionalKey()
		stored := &models.Record{
			Key:              rec.Key,
			Fields:           rec.Fields.Clone(),
			ChangedSinceSync: true,
		}
		return s.store(stored, models.EventAdd, models.OriginLocal, true)
	}

	if err := rec.Key.Validate(); err != nil {
		return err
	}
	s.tx.db.noteLocalWrite(s.name, rec.Key)

	stored := &models.Record{
		Key:              rec.Key,
		Fields:           rec.Fields.Clone(),
		ChangedSinceSync: true,
	}

	old, err := s.Load(rec.Key)
	switch {
	case IsNotFound(err):
		return s.store(stored, models.EventAdd, models.OriginLocal, true)
	case err != nil:
		return err
	}

	stored.Version = old.Version
	if old.ChangedSinceSync {
		stored.RemoteOriginal = old.RemoteOriginal.Clone()
	} else {
		stored.RemoteOriginal = old.Snapshot()
		if stored.RemoteOriginal == nil {
			stored.RemoteOriginal = models.Fields{}
		}
	}

	eventType := models.EventUpdate
	if old.Deleted {
		eventType = models.EventAdd
	}
	return s.store(stored, eventType, models.OriginLocal, true)
}

// Delete deletes a record from the application. A record the server never
// saw and that is not being sent is removed outright; otherwise a tombstone
// is kept until the server acknowledges the delete.
func (s *TxStore) Delete(key models.Key) error {
	if err := s.checkWrite(); err != nil {
		return err
	}

	rec, err := s.Load(key)
	if err != nil {
		return err
	}
	if rec.Deleted {
		return nil
	}

	s.tx.db.noteLocalWrite(s.name, key)

	if rec.NeverSynced() && !s.tx.db.inFlight(s.name, key) {
		if err := s.tx.raw.Delete(s.name, key); err != nil {
			return fmt.Errorf("failed to delete %s/%s: %w", s.name, key, err)
		}
		s.tx.record(models.ChangeEvent{Type: models.EventDelete, Origin: models.OriginLocal, Store: s.name, Record: rec.Tombstone()}, false)
		return nil
	}

	return s.store(rec.Tombstone(), models.EventDelete, models.OriginLocal, true)
}

// Range returns live records in key order within the given ranges
// (every record if none are given)
func (s *TxStore) Range(ranges ...models.KeyRange) ([]*models.Record, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if len(ranges) == 0 {
		ranges = []models.KeyRange{models.All()}
	}

	var out []*models.Record
	for _, r := range ranges {
		err := s.tx.raw.Scan(s.name, r, func(rec *models.Record) (bool, error) {
			if !rec.Deleted {
				out = append(out, rec)
			}
			return true, nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", s.name, err)
		}
	}
	return out, nil
}

// Dirty returns every record with unsynced changes, tombstones included
func (s *TxStore) Dirty() ([]*models.Record, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	recs, err := s.tx.raw.Dirty(s.name)
	if err != nil {
		return nil, fmt.Errorf("failed to read dirty records of %s: %w", s.name, err)
	}
	return recs, nil
}

// Insert writes rec as is, bypassing change tracking. Used when applying
// server state (OriginRemote) and for bookkeeping (OriginInternal).
func (s *TxStore) Insert(rec *models.Record, origin models.Origin) error {
	if err := s.checkWrite(); err != nil {
		return err
	}
	eventType := models.EventAdd
	if old, err := s.Load(rec.Key); err == nil && !old.Deleted {
		eventType = models.EventUpdate
	} else if err != nil && !IsNotFound(err) {
		return err
	}
	if rec.Deleted {
		eventType = models.EventDelete
	}
	return s.store(rec.Clone(), eventType, origin, origin == models.OriginLocal)
}

// Remove physically deletes key. Removing an absent key is a no-op.
func (s *TxStore) Remove(key models.Key, origin models.Origin) error {
	if err := s.checkWrite(); err != nil {
		return err
	}
	old, err := s.Load(key)
	if IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.tx.raw.Delete(s.name, key); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", s.name, key, err)
	}
	s.tx.record(models.ChangeEvent{Type: models.EventDelete, Origin: origin, Store: s.name, Record: old}, false)
	return nil
}

// SyncedTo returns the timestamp of the newest server change applied to the store
func (s *TxStore) SyncedTo() (*int64, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	meta, err := s.tx.raw.Meta(s.name)
	if err != nil {
		return nil, err
	}
	return meta.SyncedTo, nil
}

// AdvanceSyncedTo moves the store's synced-to timestamp forward to ts.
// It never moves backwards.
func (s *TxStore) AdvanceSyncedTo(ts int64) error {
	if err := s.checkWrite(); err != nil {
		return err
	}
	meta, err := s.tx.raw.Meta(s.name)
	if err != nil {
		return err
	}
	if meta.SyncedTo != nil && *meta.SyncedTo >= ts {
		return nil
	}
	meta.SyncedTo = &ts
	return s.tx.raw.PutMeta(s.name, meta)
}

func (s *TxStore) store(rec *models.Record, eventType models.EventType, origin models.Origin, push bool) error {
	if err := s.tx.raw.Put(s.name, rec); err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", s.name, rec.Key, err)
	}
	s.tx.record(models.ChangeEvent{Type: eventType, Origin: origin, Store: s.name, Record: rec.Clone()}, push)
	return nil
}

package boltdb

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/synceddb/internal/client/storage"
	"github.com/iudanet/synceddb/internal/models"
)

// tx адаптирует bbolt.Tx к storage.Tx
type tx struct {
	btx    *bbolt.Tx
	stores map[string]struct{}
}

func (t *tx) bucket(name []byte, store string) (*bbolt.Bucket, error) {
	if _, ok := t.stores[store]; !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrUnknownStore, store)
	}
	b := t.btx.Bucket(name)
	if b == nil {
		return nil, fmt.Errorf("bucket %s not found", name)
	}
	return b, nil
}

func (t *tx) writable() error {
	if !t.btx.Writable() {
		return storage.ErrReadOnly
	}
	return nil
}

// Get returns the stored record including tombstones
func (t *tx) Get(store string, key models.Key) (*models.Record, error) {
	b, err := t.bucket(dataBucket(store), store)
	if err != nil {
		return nil, err
	}

	data := b.Get(key.Bytes())
	if data == nil {
		return nil, storage.ErrNotFound
	}
	return decodeRecord(data)
}

// Put stores the record and updates the dirty-flag index
func (t *tx) Put(store string, rec *models.Record) error {
	if err := t.writable(); err != nil {
		return err
	}
	b, err := t.bucket(dataBucket(store), store)
	if err != nil {
		return err
	}
	idx, err := t.bucket(dirtyBucket(store), store)
	if err != nil {
		return err
	}

	// Сериализуем запись в JSON
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	k := rec.Key.Bytes()
	if err := b.Put(k, data); err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}

	if rec.ChangedSinceSync {
		err = idx.Put(k, []byte{1})
	} else {
		err = idx.Delete(k)
	}
	if err != nil {
		return fmt.Errorf("failed to update dirty index: %w", err)
	}

	return nil
}

// Delete physically removes the record and its index entry
func (t *tx) Delete(store string, key models.Key) error {
	if err := t.writable(); err != nil {
		return err
	}
	b, err := t.bucket(dataBucket(store), store)
	if err != nil {
		return err
	}
	idx, err := t.bucket(dirtyBucket(store), store)
	if err != nil {
		return err
	}

	k := key.Bytes()
	if err := b.Delete(k); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if err := idx.Delete(k); err != nil {
		return fmt.Errorf("failed to update dirty index: %w", err)
	}
	return nil
}

// Scan visits records in key order within r
func (t *tx) Scan(store string, r models.KeyRange, fn func(rec *models.Record) (bool, error)) error {
	b, err := t.bucket(dataBucket(store), store)
	if err != nil {
		return err
	}

	c := b.Cursor()
	var k, v []byte
	if low, ok := r.Low(); ok {
		k, v = c.Seek(low.Bytes())
	} else {
		k, v = c.First()
	}

	for ; k != nil; k, v = c.Next() {
		key, err := models.KeyFromBytes(k)
		if err != nil {
			return fmt.Errorf("corrupt key in store %s: %w", store, err)
		}
		if r.PastEnd(key) {
			break
		}
		// Открытая нижняя граница
		if !r.Contains(key) {
			continue
		}

		rec, err := decodeRecord(v)
		if err != nil {
			return err
		}
		more, err := fn(rec)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return nil
}

// Dirty returns records flagged as changed since sync via the index bucket
func (t *tx) Dirty(store string) ([]*models.Record, error) {
	b, err := t.bucket(dataBucket(store), store)
	if err != nil {
		return nil, err
	}
	idx, err := t.bucket(dirtyBucket(store), store)
	if err != nil {
		return nil, err
	}

	var records []*models.Record
	err = idx.ForEach(func(k, _ []byte) error {
		data := b.Get(k)
		if data == nil {
			// Индекс указывает на удаленную запись, пропускаем
			return nil
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return err
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read dirty index of %s: %w", store, err)
	}
	return records, nil
}

// Meta returns the sync metadata of a store
func (t *tx) Meta(store string) (*storage.StoreMeta, error) {
	if _, ok := t.stores[store]; !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrUnknownStore, store)
	}
	b := t.btx.Bucket(bucketMeta)
	if b == nil {
		return nil, fmt.Errorf("meta bucket not found")
	}

	meta := &storage.StoreMeta{}
	data := b.Get(metaKey(store))
	if data == nil {
		return meta, nil
	}
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal meta of %s: %w", store, err)
	}
	return meta, nil
}

// PutMeta replaces the sync metadata of a store
func (t *tx) PutMeta(store string, meta *storage.StoreMeta) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.stores[store]; !ok {
		return fmt.Errorf("%w: %s", storage.ErrUnknownStore, store)
	}
	b := t.btx.Bucket(bucketMeta)
	if b == nil {
		return fmt.Errorf("meta bucket not found")
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal meta: %w", err)
	}
	if err := b.Put(metaKey(store), data); err != nil {
		return fmt.Errorf("failed to save meta of %s: %w", store, err)
	}
	return nil
}

func decodeRecord(data []byte) (*models.Record, error) {
	rec := &models.Record{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return rec, nil
}

package boltdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/iudanet/synceddb/internal/client/storage"
	"github.com/iudanet/synceddb/internal/validation"
)

var (
	// bucketMeta хранит метаданные хранилищ и версию схемы
	bucketMeta       = []byte("meta")
	keySchemaVersion = []byte("__schema_version")
)

// dataBucket возвращает имя bucket с записями хранилища
func dataBucket(store string) []byte {
	return []byte("store:" + store)
}

// dirtyBucket возвращает имя bucket с индексом несинхронизированных записей
func dirtyBucket(store string) []byte {
	return []byte("dirty:" + store)
}

func metaKey(store string) []byte {
	return []byte(store + "Meta")
}

// Storage represents BoltDB engine implementation for the local record store
type Storage struct {
	db     *bbolt.DB
	stores map[string]struct{}
	names  []string
}

// New opens (or creates) a BoltDB engine at dbPath and upgrades it to schema.
// Stores missing from the file are created with empty sync metadata and the
// migration hooks between the stored and the requested version run in order.
func New(ctx context.Context, dbPath string, schema storage.Schema) (*Storage, error) {
	for _, name := range schema.Stores {
		if err := validation.ValidateStoreName(name); err != nil {
			return nil, err
		}
	}

	// Открываем BoltDB
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb: %w", err)
	}

	s := &Storage{
		db:     db,
		stores: make(map[string]struct{}, len(schema.Stores)),
		names:  append([]string(nil), schema.Stores...),
	}
	for _, name := range schema.Stores {
		s.stores[name] = struct{}{}
	}

	if err := s.migrate(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Stores returns the store names of the schema
func (s *Storage) Stores() []string {
	return append([]string(nil), s.names...)
}

// View runs fn in a read-only transaction
func (s *Storage) View(ctx context.Context, fn func(tx storage.Tx) error) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(btx *bbolt.Tx) error {
		return fn(&tx{btx: btx, stores: s.stores})
	})
}

// Update runs fn in a read-write transaction
func (s *Storage) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(btx *bbolt.Tx) error {
		return fn(&tx{btx: btx, stores: s.stores})
	})
}

// SchemaVersion returns the schema version stored in the file
func (s *Storage) SchemaVersion() (int, error) {
	if s.db == nil {
		return 0, storage.ErrStorageClosed
	}
	var version int
	err := s.db.View(func(btx *bbolt.Tx) error {
		version = readSchemaVersion(btx.Bucket(bucketMeta))
		return nil
	})
	return version, err
}

// migrate создает buckets и выполняет миграции в одной транзакции
func (s *Storage) migrate(ctx context.Context, schema storage.Schema) error {
	return s.db.Update(func(btx *bbolt.Tx) error {
		meta, err := btx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return fmt.Errorf("failed to create meta bucket: %w", err)
		}

		current := readSchemaVersion(meta)
		if current > schema.Version {
			return fmt.Errorf("%w: have %d, requested %d", storage.ErrSchemaDowngrade, current, schema.Version)
		}

		emptyMeta, err := json.Marshal(storage.StoreMeta{})
		if err != nil {
			return fmt.Errorf("failed to marshal store meta: %w", err)
		}

		for _, name := range schema.Stores {
			if _, err := btx.CreateBucketIfNotExists(dataBucket(name)); err != nil {
				return fmt.Errorf("failed to create bucket for store %s: %w", name, err)
			}
			if _, err := btx.CreateBucketIfNotExists(dirtyBucket(name)); err != nil {
				return fmt.Errorf("failed to create index bucket for store %s: %w", name, err)
			}
			// Новое хранилище еще ни разу не синхронизировалось
			if meta.Get(metaKey(name)) == nil {
				if err := meta.Put(metaKey(name), emptyMeta); err != nil {
					return fmt.Errorf("failed to init meta for store %s: %w", name, err)
				}
			}
		}

		t := &tx{btx: btx, stores: s.stores}
		for v := current + 1; v <= schema.Version; v++ {
			m, ok := schema.Migrations[v]
			if !ok || m == nil {
				continue
			}
			if err := m(ctx, t); err != nil {
				return fmt.Errorf("migration to version %d failed: %w", v, err)
			}
		}

		versionBytes := make([]byte, 8)
		binary.BigEndian.PutUint64(versionBytes, uint64(schema.Version))
		if err := meta.Put(keySchemaVersion, versionBytes); err != nil {
			return fmt.Errorf("failed to save schema version: %w", err)
		}

		return nil
	})
}

func readSchemaVersion(meta *bbolt.Bucket) int {
	if meta == nil {
		return 0
	}
	v := meta.Get(keySchemaVersion)
	if len(v) != 8 {
		return 0
	}
	return int(binary.BigEndian.Uint64(v))
}

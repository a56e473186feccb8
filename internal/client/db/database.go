// Package db is the record store adapter of the sync client. It layers change
// tracking (dirty flags, remoteOriginal snapshots, tombstones) and change
// events over a transactional local engine.
package db

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/iudanet/synceddb/internal/client/storage"
	"github.com/iudanet/synceddb/internal/models"
	"github.com/iudanet/synceddb/pkg/api"
)

// ConflictResolver picks the record to keep when a remote update or delete
// hits a record with unsynced local changes. original holds the last state
// both sides agreed on, local the current local record and remote the server
// state (Deleted set for a remote delete). Returning a record with Deleted set
// removes the local record.
type ConflictResolver func(original, local, remote *models.Record) (*models.Record, error)

// RejectHandler decides what to do with a record the server refused.
// Returning a record resubmits it; returning nil abandons the sync of that key.
// rec is nil if the record no longer exists locally.
type RejectHandler func(ctx context.Context, rec *models.Record, msg *api.Reject) (*models.Record, error)

// Session is the view of an active sync session the store needs while
// applying local writes
type Session interface {
	// NoteLocalWrite flags an in-flight send of key as overtaken by a local write
	NoteLocalWrite(store string, key models.Key)

	// InFlight reports whether a change to key awaits acknowledgement
	InFlight(store string, key models.Key) bool

	// PushChange is called after commit for every local change event
	// while the session is in continuous mode
	PushChange(ev models.ChangeEvent)
}

// SyncInitiated is emitted when the server announces a batch of changes
type SyncInitiated struct {
	StoreName         string
	NrOfRecordsToSync int
}

// Database is a set of named stores over one engine
type Database struct {
	engine        storage.Engine
	session       Session
	logger        *slog.Logger
	stores        map[string]*Store
	rejectHandler RejectHandler
	syncInitiated Registry[SyncInitiated]
	messages      Registry[*api.Raw]
	changes       Registry[models.ChangeEvent]
	names         []string
	mu            sync.RWMutex
	syncing       atomic.Bool
	continuous    atomic.Bool
}

// New creates a database over engine with one store per engine store name
func New(engine storage.Engine, logger *slog.Logger) *Database {
	d := &Database{
		engine: engine,
		logger: logger,
		stores: make(map[string]*Store),
		names:  engine.Stores(),
	}
	for _, name := range d.names {
		d.stores[name] = &Store{name: name, db: d}
	}
	return d
}

// Close closes the underlying engine
func (d *Database) Close() error {
	return d.engine.Close()
}

// StoreNames returns the names of all stores
func (d *Database) StoreNames() []string {
	return append([]string(nil), d.names...)
}

// Store returns the named store or nil if it does not exist
func (d *Database) Store(name string) *Store {
	return d.stores[name]
}

// HasStore reports whether the store exists
func (d *Database) HasStore(name string) bool {
	_, ok := d.stores[name]
	return ok
}

// SetRejectHandler sets the fallback reject handler for stores without their own
func (d *Database) SetRejectHandler(h RejectHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejectHandler = h
}

// RejectHandlerFor returns the store's reject handler or the database-wide one
func (d *Database) RejectHandlerFor(store string) RejectHandler {
	if s := d.stores[store]; s != nil {
		if h := s.RejectHandler(); h != nil {
			return h
		}
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rejectHandler
}

// Changes returns the registry of change events of all stores
func (d *Database) Changes() *Registry[models.ChangeEvent] {
	return &d.changes
}

// SyncInitiated returns the registry of sync-initiated events
func (d *Database) SyncInitiated() *Registry[SyncInitiated] {
	return &d.syncInitiated
}

// Messages returns the registry of inbound application messages without a store
func (d *Database) Messages() *Registry[*api.Raw] {
	return &d.messages
}

// TryLockSync acquires the single-flight sync guard
func (d *Database) TryLockSync() error {
	if !d.syncing.CompareAndSwap(false, true) {
		return ErrAlreadySyncing
	}
	return nil
}

// UnlockSync releases the single-flight sync guard
func (d *Database) UnlockSync() {
	d.syncing.Store(false)
}

// Syncing reports whether a sync session holds the guard
func (d *Database) Syncing() bool {
	return d.syncing.Load()
}

// Continuous reports whether a continuous sync session is attached
func (d *Database) Continuous() bool {
	return d.continuous.Load()
}

// Attach registers the active sync session. With continuous set, every
// committed local change is handed to the session.
func (d *Database) Attach(s Session, continuous bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.session = s
	d.continuous.Store(continuous)
}

// Detach removes s if it is the attached session
func (d *Database) Detach(s Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == s {
		d.session = nil
		d.continuous.Store(false)
	}
}

func (d *Database) currentSession() Session {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.session
}

func (d *Database) noteLocalWrite(store string, key models.Key) {
	if s := d.currentSession(); s != nil {
		s.NoteLocalWrite(store, key)
	}
}

func (d *Database) inFlight(store string, key models.Key) bool {
	if s := d.currentSession(); s != nil {
		return s.InFlight(store, key)
	}
	return false
}

// Read runs fn in a read-only transaction over stores (all stores if empty)
func (d *Database) Read(ctx context.Context, stores []string, fn func(tx *Tx) error) error {
	scope, err := d.scope(stores)
	if err != nil {
		return err
	}
	return d.engine.View(ctx, func(raw storage.Tx) error {
		return fn(&Tx{db: d, raw: raw, scope: scope})
	})
}

// Write runs fn in a read-write transaction over stores (all stores if empty).
// Change events are emitted after a successful commit, in write order.
func (d *Database) Write(ctx context.Context, stores []string, fn func(tx *Tx) error) error {
	scope, err := d.scope(stores)
	if err != nil {
		return err
	}

	var t *Tx
	err = d.engine.Update(ctx, func(raw storage.Tx) error {
		// События копятся в t и уходят подписчикам только после коммита
		t = &Tx{db: d, raw: raw, scope: scope, writable: true}
		return fn(t)
	})
	if err != nil {
		return err
	}

	d.emit(t.events)
	return nil
}

func (d *Database) emit(events []pendingEvent) {
	if len(events) == 0 {
		return
	}

	var session Session
	if d.continuous.Load() {
		session = d.currentSession()
	}

	for _, pe := range events {
		if s := d.stores[pe.event.Store]; s != nil {
			s.changes.Emit(pe.event)
		}
		d.changes.Emit(pe.event)
		if pe.push && session != nil {
			session.PushChange(pe.event)
		}
	}
}

func (d *Database) scope(stores []string) (map[string]struct{}, error) {
	if len(stores) == 0 {
		stores = d.names
	}
	scope := make(map[string]struct{}, len(stores))
	for _, name := range stores {
		if _, ok := d.stores[name]; !ok {
			return nil, fmt.Errorf("%w: %s", storage.ErrUnknownStore, name)
		}
		scope[name] = struct{}{}
	}
	return scope, nil
}

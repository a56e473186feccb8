// Package memory implements an in-memory change log for tests and
// ephemeral servers
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/iudanet/synceddb/internal/clock"
	"github.com/iudanet/synceddb/internal/models"
	"github.com/iudanet/synceddb/internal/server/storage"
)

type recordID struct {
	store string
	key   models.Key
}

// Storage keeps changes in memory. It is lost on restart.
type Storage struct {
	clock   *clock.Clock
	latest  map[recordID]models.ChangeType
	changes map[string][]*models.Change
	opts    storage.Options
	mu      sync.RWMutex
	closed  bool
}

// New creates an empty in-memory change log
func New(opts storage.Options) *Storage {
	return &Storage{
		clock:   clock.New(0),
		latest:  make(map[recordID]models.ChangeType),
		changes: make(map[string][]*models.Change),
		opts:    opts,
	}
}

// SaveChange appends a change
func (s *Storage) SaveChange(ctx context.Context, change *models.Change) (*models.Change, error) {
	if err := storage.CheckChange(change); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	stored := cloneChange(change)
	err := storage.AssignKey(ctx, stored, s.opts, func(_ context.Context, store string, key models.Key) (bool, error) {
		t, ok := s.latest[recordID{store, key}]
		return ok && t != models.ChangeDelete, nil
	})
	if err != nil {
		return nil, err
	}

	stored.Timestamp = s.clock.Tick()
	s.changes[stored.StoreName] = append(s.changes[stored.StoreName], stored)
	s.latest[recordID{stored.StoreName, stored.Key}] = stored.Type

	return cloneChange(stored), nil
}

// GetChanges returns the changes of a store after since
func (s *Storage) GetChanges(_ context.Context, storeName string, since *int64) ([]*models.Change, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	all := s.changes[storeName]
	start := 0
	if since != nil {
		// Изменения хранятся по возрастанию timestamp
		start = sort.Search(len(all), func(i int) bool { return all[i].Timestamp > *since })
	}

	out := make([]*models.Change, 0, len(all)-start)
	for _, c := range all[start:] {
		out = append(out, cloneChange(c))
	}
	return out, nil
}

// ResetChanges drops every change
func (s *Storage) ResetChanges(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	s.latest = make(map[recordID]models.ChangeType)
	s.changes = make(map[string][]*models.Change)
	return nil
}

// Close marks the log closed
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func cloneChange(c *models.Change) *models.Change {
	out := *c
	out.Record = c.Record.Clone()
	if c.Diff != nil {
		out.Diff = append([]byte(nil), c.Diff...)
	}
	return &out
}

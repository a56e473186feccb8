// Package storagetest holds the behaviour every change log backend must share
package storagetest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/synceddb/internal/models"
	"github.com/iudanet/synceddb/internal/server/storage"
)

// Factory opens an empty change log
type Factory func(t *testing.T, opts storage.Options) storage.ChangeLog

// Run runs the shared change log tests against a backend
func Run(t *testing.T, open Factory) {
	t.Run("save and get", func(t *testing.T) { testSaveAndGet(t, open) })
	t.Run("since", func(t *testing.T) { testSince(t, open) })
	t.Run("key assignment", func(t *testing.T) { testKeyAssignment(t, open) })
	t.Run("assign keys always", func(t *testing.T) { testAssignKeys(t, open) })
	t.Run("invalid change", func(t *testing.T) { testInvalidChange(t, open) })
	t.Run("reset", func(t *testing.T) { testReset(t, open) })
	t.Run("concurrent saves", func(t *testing.T) { testConcurrentSaves(t, open) })
}

func create(store string, key models.Key, fields models.Fields) *models.Change {
	return &models.Change{Type: models.ChangeCreate, StoreName: store, Key: key, Record: fields}
}

func testSaveAndGet(t *testing.T, open Factory) {
	ctx := context.Background()
	log := open(t, storage.Options{})

	c1, err := log.SaveChange(ctx, create("contacts", models.IntKey(1), models.Fields{"name": "Ann"}))
	require.NoError(t, err)
	assert.Equal(t, models.IntKey(1), c1.Key)
	assert.Positive(t, c1.Timestamp)

	c2, err := log.SaveChange(ctx, &models.Change{
		Type: models.ChangeUpdate, StoreName: "contacts", Key: models.IntKey(1),
		Diff: []byte(`{"name":"Bob"}`), Version: 1,
	})
	require.NoError(t, err)
	assert.Greater(t, c2.Timestamp, c1.Timestamp)

	_, err = log.SaveChange(ctx, create("notes", models.StringKey("n"), models.Fields{"text": "x"}))
	require.NoError(t, err)

	c4, err := log.SaveChange(ctx, &models.Change{Type: models.ChangeDelete, StoreName: "contacts", Key: models.IntKey(1), Version: 2})
	require.NoError(t, err)

	changes, err := log.GetChanges(ctx, "contacts", nil)
	require.NoError(t, err)
	require.Len(t, changes, 3)

	assert.Equal(t, models.ChangeCreate, changes[0].Type)
	assert.Equal(t, models.Fields{"name": "Ann"}, changes[0].Record)
	assert.Equal(t, c1.Timestamp, changes[0].Timestamp)

	assert.Equal(t, models.ChangeUpdate, changes[1].Type)
	assert.JSONEq(t, `{"name":"Bob"}`, string(changes[1].Diff))
	assert.Equal(t, int64(1), changes[1].Version)

	assert.Equal(t, models.ChangeDelete, changes[2].Type)
	assert.Equal(t, c4.Timestamp, changes[2].Timestamp)
	assert.Equal(t, "contacts", changes[2].StoreName)

	empty, err := log.GetChanges(ctx, "unknown", nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testSince(t *testing.T, open Factory) {
	ctx := context.Background()
	log := open(t, storage.Options{})

	var stamps []int64
	for i := int64(1); i <= 4; i++ {
		c, err := log.SaveChange(ctx, create("s", models.IntKey(i), models.Fields{}))
		require.NoError(t, err)
		stamps = append(stamps, c.Timestamp)
	}

	changes, err := log.GetChanges(ctx, "s", &stamps[1])
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, models.IntKey(3), changes[0].Key)
	assert.Equal(t, models.IntKey(4), changes[1].Key)

	changes, err = log.GetChanges(ctx, "s", &stamps[3])
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func testKeyAssignment(t *testing.T, open Factory) {
	ctx := context.Background()
	log := open(t, storage.Options{})

	first, err := log.SaveChange(ctx, create("s", models.IntKey(1), models.Fields{"n": "a"}))
	require.NoError(t, err)
	assert.Equal(t, models.IntKey(1), first.Key)

	// Ключ занят, сервер выдает новый
	second, err := log.SaveChange(ctx, create("s", models.IntKey(1), models.Fields{"n": "b"}))
	require.NoError(t, err)
	assert.NotEqual(t, models.IntKey(1), second.Key)
	assert.False(t, second.Key.IsZero())

	// В другом хранилище ключ свободен
	other, err := log.SaveChange(ctx, create("t", models.IntKey(1), models.Fields{}))
	require.NoError(t, err)
	assert.Equal(t, models.IntKey(1), other.Key)

	// После удаления ключ снова свободен
	_, err = log.SaveChange(ctx, &models.Change{Type: models.ChangeDelete, StoreName: "s", Key: models.IntKey(1)})
	require.NoError(t, err)
	again, err := log.SaveChange(ctx, create("s", models.IntKey(1), models.Fields{}))
	require.NoError(t, err)
	assert.Equal(t, models.IntKey(1), again.Key)

	// Create без ключа
	keyless, err := log.SaveChange(ctx, create("s", models.Key{}, models.Fields{}))
	require.NoError(t, err)
	assert.False(t, keyless.Key.IsZero())
}

func testAssignKeys(t *testing.T, open Factory) {
	ctx := context.Background()
	log := open(t, storage.Options{AssignKeys: true})

	c, err := log.SaveChange(ctx, create("s", models.IntKey(7), models.Fields{}))
	require.NoError(t, err)
	assert.NotEqual(t, models.IntKey(7), c.Key)

	u, err := log.SaveChange(ctx, &models.Change{Type: models.ChangeUpdate, StoreName: "s", Key: c.Key, Diff: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, c.Key, u.Key)
}

func testInvalidChange(t *testing.T, open Factory) {
	ctx := context.Background()
	log := open(t, storage.Options{})

	tests := []struct {
		change *models.Change
		name   string
	}{
		{name: "nil", change: nil},
		{name: "no store", change: create("", models.IntKey(1), nil)},
		{name: "update without key", change: &models.Change{Type: models.ChangeUpdate, StoreName: "s"}},
		{name: "unknown type", change: &models.Change{Type: "upsert", StoreName: "s", Key: models.IntKey(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := log.SaveChange(ctx, tt.change)
			assert.ErrorIs(t, err, storage.ErrInvalidChange)
		})
	}
}

func testReset(t *testing.T, open Factory) {
	ctx := context.Background()
	log := open(t, storage.Options{})

	before, err := log.SaveChange(ctx, create("s", models.IntKey(1), models.Fields{}))
	require.NoError(t, err)
	require.NoError(t, log.ResetChanges(ctx))

	changes, err := log.GetChanges(ctx, "s", nil)
	require.NoError(t, err)
	assert.Empty(t, changes)

	after, err := log.SaveChange(ctx, create("s", models.IntKey(1), models.Fields{}))
	require.NoError(t, err)
	assert.Equal(t, models.IntKey(1), after.Key, "key is free after reset")
	assert.Greater(t, after.Timestamp, before.Timestamp)
}

func testConcurrentSaves(t *testing.T, open Factory) {
	ctx := context.Background()
	log := open(t, storage.Options{})

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := log.SaveChange(ctx, create("s", models.IntKey(int64(i)), models.Fields{}))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	changes, err := log.GetChanges(ctx, "s", nil)
	require.NoError(t, err)
	require.Len(t, changes, n)
	for i := 1; i < n; i++ {
		assert.Greater(t, changes[i].Timestamp, changes[i-1].Timestamp)
	}
}

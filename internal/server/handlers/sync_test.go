package handlers

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/synceddb/internal/client/transport"
	"github.com/iudanet/synceddb/internal/models"
	"github.com/iudanet/synceddb/internal/server/hub"
	"github.com/iudanet/synceddb/internal/server/hub/hubtest"
	"github.com/iudanet/synceddb/internal/server/storage"
	"github.com/iudanet/synceddb/internal/server/storage/memory"
	"github.com/iudanet/synceddb/pkg/api"
)

// setupTestLogger creates a logger for testing
func setupTestLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelError, // Only show errors in tests
	}
	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler)
}

func startSyncServer(t *testing.T, changes storage.ChangeLog) *hubtest.Server {
	t.Helper()
	return hubtest.Start(t, changes, hub.Options{}, NewSyncHandler(setupTestLogger()).Register, nil)
}

// subscribe pulls an empty store so the connection receives broadcasts
func subscribe(t *testing.T, srv *hubtest.Server, store string) *transport.WSConn {
	t.Helper()
	conn := srv.Dial(t, nil)
	hubtest.Send(t, conn, &api.GetChanges{StoreName: store})
	sending := hubtest.ReceiveAs[*api.SendingChanges](t, conn)
	for i := 0; i < sending.NrOfRecordsToSync; i++ {
		hubtest.Receive(t, conn)
	}
	return conn
}

func TestSyncHandler_Create(t *testing.T) {
	srv := startSyncServer(t, memory.New(storage.Options{}))
	watcher := subscribe(t, srv, "contacts")
	conn := srv.Dial(t, nil)

	hubtest.Send(t, conn, &api.Create{
		StoreName: "contacts",
		Key:       models.StringKey("k1"),
		Record:    models.Fields{"name": "Ann"},
	})

	ok := hubtest.ReceiveAs[*api.OK](t, conn)
	assert.Equal(t, "contacts", ok.StoreName)
	assert.Equal(t, models.StringKey("k1"), ok.Key)
	assert.Nil(t, ok.NewKey)
	assert.Equal(t, int64(0), ok.NewVersion)
	assert.Positive(t, ok.Timestamp)

	created := hubtest.ReceiveAs[*api.Create](t, watcher)
	assert.Equal(t, models.StringKey("k1"), created.Key)
	assert.Equal(t, models.Fields{"name": "Ann"}, created.Record)
	assert.Equal(t, ok.Timestamp, created.Timestamp)

	changes, err := srv.Changes.GetChanges(context.Background(), "contacts", nil)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, models.ChangeCreate, changes[0].Type)
}

func TestSyncHandler_CreateTakenKey(t *testing.T) {
	srv := startSyncServer(t, memory.New(storage.Options{}))
	conn := srv.Dial(t, nil)

	for i := 0; i < 2; i++ {
		hubtest.Send(t, conn, &api.Create{
			StoreName: "contacts",
			Key:       models.IntKey(7),
			Record:    models.Fields{"n": float64(i)},
		})
	}

	first := hubtest.ReceiveAs[*api.OK](t, conn)
	assert.Nil(t, first.NewKey)

	second := hubtest.ReceiveAs[*api.OK](t, conn)
	assert.Equal(t, models.IntKey(7), second.Key)
	require.NotNil(t, second.NewKey)
	assert.NotEqual(t, models.IntKey(7), *second.NewKey)
}

func TestSyncHandler_UpdateAndDelete(t *testing.T) {
	srv := startSyncServer(t, memory.New(storage.Options{}))
	watcher := subscribe(t, srv, "contacts")
	conn := srv.Dial(t, nil)
	key := models.StringKey("k1")

	hubtest.Send(t, conn, &api.Create{StoreName: "contacts", Key: key, Record: models.Fields{"name": "Ann"}})
	hubtest.ReceiveAs[*api.OK](t, conn)
	hubtest.ReceiveAs[*api.Create](t, watcher)

	hubtest.Send(t, conn, &api.Update{StoreName: "contacts", Key: key, Diff: []byte(`{"name":"Bob"}`), Version: 0})
	ok := hubtest.ReceiveAs[*api.OK](t, conn)
	assert.Equal(t, int64(1), ok.NewVersion)

	update := hubtest.ReceiveAs[*api.Update](t, watcher)
	assert.Equal(t, int64(1), update.Version)
	assert.JSONEq(t, `{"name":"Bob"}`, string(update.Diff))

	hubtest.Send(t, conn, &api.Delete{StoreName: "contacts", Key: key, Version: 1})
	ok = hubtest.ReceiveAs[*api.OK](t, conn)
	assert.Equal(t, int64(2), ok.NewVersion)

	del := hubtest.ReceiveAs[*api.Delete](t, watcher)
	assert.Equal(t, key, del.Key)
	assert.Equal(t, int64(2), del.Version)
}

func TestSyncHandler_GetChanges(t *testing.T) {
	ctx := context.Background()
	changes := memory.New(storage.Options{})
	srv := startSyncServer(t, changes)

	var stamps []int64
	for i, name := range []string{"a", "b", "c"} {
		c, err := changes.SaveChange(ctx, &models.Change{
			Type:      models.ChangeCreate,
			StoreName: "contacts",
			Key:       models.IntKey(int64(i)),
			Record:    models.Fields{"name": name},
		})
		require.NoError(t, err)
		stamps = append(stamps, c.Timestamp)
	}
	_, err := changes.SaveChange(ctx, &models.Change{
		Type: models.ChangeCreate, StoreName: "notes", Key: models.IntKey(1), Record: models.Fields{},
	})
	require.NoError(t, err)

	t.Run("from the beginning", func(t *testing.T) {
		conn := srv.Dial(t, nil)
		hubtest.Send(t, conn, &api.GetChanges{StoreName: "contacts"})

		sending := hubtest.ReceiveAs[*api.SendingChanges](t, conn)
		assert.Equal(t, "contacts", sending.StoreName)
		require.Equal(t, 3, sending.NrOfRecordsToSync)

		for i := range stamps {
			c := hubtest.ReceiveAs[*api.Create](t, conn)
			assert.Equal(t, models.IntKey(int64(i)), c.Key)
			assert.Equal(t, stamps[i], c.Timestamp)
		}
	})

	t.Run("since", func(t *testing.T) {
		conn := srv.Dial(t, nil)
		hubtest.Send(t, conn, &api.GetChanges{StoreName: "contacts", Since: &stamps[1]})

		sending := hubtest.ReceiveAs[*api.SendingChanges](t, conn)
		require.Equal(t, 1, sending.NrOfRecordsToSync)
		c := hubtest.ReceiveAs[*api.Create](t, conn)
		assert.Equal(t, models.IntKey(2), c.Key)
	})

	t.Run("invalid store name", func(t *testing.T) {
		conn := srv.Dial(t, nil)
		hubtest.Send(t, conn, &api.GetChanges{StoreName: "9bad"})

		sending := hubtest.ReceiveAs[*api.SendingChanges](t, conn)
		assert.Zero(t, sending.NrOfRecordsToSync)
	})
}

func TestSyncHandler_BroadcastOnlyToSubscribers(t *testing.T) {
	srv := startSyncServer(t, memory.New(storage.Options{}))
	notes := subscribe(t, srv, "notes")
	idle := srv.Dial(t, nil)
	conn := srv.Dial(t, nil)

	hubtest.Send(t, conn, &api.Create{StoreName: "contacts", Key: models.IntKey(1), Record: models.Fields{}})
	hubtest.ReceiveAs[*api.OK](t, conn)

	// Если бы broadcast дошел, он пришел бы раньше ответа на get-changes
	hubtest.Send(t, notes, &api.GetChanges{StoreName: "notes"})
	hubtest.ReceiveAs[*api.SendingChanges](t, notes)

	hubtest.Send(t, idle, &api.GetChanges{StoreName: "notes"})
	hubtest.ReceiveAs[*api.SendingChanges](t, idle)
}

func TestSyncHandler_RejectsInvalid(t *testing.T) {
	srv := startSyncServer(t, memory.New(storage.Options{}))
	conn := srv.Dial(t, nil)

	tests := []struct {
		name string
		msg  api.Message
		key  models.Key
	}{
		{
			name: "create with invalid store name",
			msg:  &api.Create{StoreName: "1nvalid", Key: models.IntKey(1), Record: models.Fields{}},
			key:  models.IntKey(1),
		},
		{
			name: "update without diff",
			msg:  &api.Update{StoreName: "contacts", Key: models.IntKey(2)},
			key:  models.IntKey(2),
		},
		{
			name: "delete with invalid store name",
			msg:  &api.Delete{StoreName: "", Key: models.StringKey("x")},
			key:  models.StringKey("x"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hubtest.Send(t, conn, tt.msg)

			reject := hubtest.ReceiveAs[*api.Reject](t, conn)
			assert.Equal(t, tt.key, reject.Key)
			assert.NotEmpty(t, reject.Description)
		})
	}

	changes, err := srv.Changes.GetChanges(context.Background(), "contacts", nil)
	require.NoError(t, err)
	assert.Empty(t, changes)
}

// failingLog fails every write
type failingLog struct {
	storage.ChangeLog
}

func (failingLog) SaveChange(context.Context, *models.Change) (*models.Change, error) {
	return nil, errors.New("disk full")
}

func TestSyncHandler_StorageErrorRejects(t *testing.T) {
	srv := startSyncServer(t, failingLog{memory.New(storage.Options{})})
	conn := srv.Dial(t, nil)

	hubtest.Send(t, conn, &api.Create{StoreName: "contacts", Key: models.IntKey(1), Record: models.Fields{}})

	reject := hubtest.ReceiveAs[*api.Reject](t, conn)
	assert.Equal(t, models.IntKey(1), reject.Key)
	assert.Contains(t, reject.Description, "disk full")
}

func TestSyncHandler_Reset(t *testing.T) {
	ctx := context.Background()
	changes := memory.New(storage.Options{})
	_, err := changes.SaveChange(ctx, &models.Change{
		Type: models.ChangeCreate, StoreName: "contacts", Key: models.IntKey(1), Record: models.Fields{},
	})
	require.NoError(t, err)

	srv := startSyncServer(t, changes)
	conn := srv.Dial(t, nil)

	hubtest.Send(t, conn, &api.Reset{})
	hubtest.ReceiveAs[*api.Reset](t, conn)

	left, err := changes.GetChanges(ctx, "contacts", nil)
	require.NoError(t, err)
	assert.Empty(t, left)
}

package syncer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/synceddb/internal/client/db"
	"github.com/iudanet/synceddb/internal/client/resolve"
	"github.com/iudanet/synceddb/internal/client/storage"
	"github.com/iudanet/synceddb/internal/client/storage/boltdb"
	"github.com/iudanet/synceddb/internal/client/transport"
	"github.com/iudanet/synceddb/internal/models"
	"github.com/iudanet/synceddb/pkg/api"
)

const testTimeout = 2 * time.Second

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testEnv связывает клиентскую базу с поддельным сервером через Pipe
type testEnv struct {
	db      *db.Database
	syncer  *Syncer
	servers chan transport.Conn
	server  transport.Conn
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	engine, err := boltdb.New(context.Background(), filepath.Join(t.TempDir(), "db.bolt"),
		storage.Schema{Version: 1, Stores: []string{"contacts"}})
	require.NoError(t, err)

	e := &testEnv{
		db:      db.New(engine, setupTestLogger()),
		servers: make(chan transport.Conn, 8),
	}
	dial := func(ctx context.Context) (transport.Conn, error) {
		client, server := transport.Pipe()
		e.servers <- server
		return client, nil
	}
	e.syncer = New(e.db, dial, setupTestLogger(), opts...)

	t.Cleanup(func() {
		e.syncer.Disconnect()
		_ = e.db.Close()
	})
	return e
}

func (e *testEnv) store() *db.Store {
	return e.db.Store("contacts")
}

// accept возвращает серверный конец очередного соединения
func (e *testEnv) accept(t *testing.T) transport.Conn {
	t.Helper()
	select {
	case e.server = <-e.servers:
		return e.server
	case <-time.After(testTimeout):
		t.Fatal("client did not connect")
		return nil
	}
}

func (e *testEnv) expect(t *testing.T) api.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	msg, err := e.server.Receive(ctx)
	require.NoError(t, err)
	return msg
}

func (e *testEnv) reply(t *testing.T, msg api.Message) {
	t.Helper()
	require.NoError(t, e.server.Send(context.Background(), msg))
}

// serveEmptyPull отвечает на get-changes пустым набором
func (e *testEnv) serveEmptyPull(t *testing.T) {
	t.Helper()
	msg := e.expect(t)
	req, ok := msg.(*api.GetChanges)
	require.True(t, ok, "expected get-changes, got %T", msg)
	e.reply(t, &api.SendingChanges{StoreName: req.StoreName, NrOfRecordsToSync: 0})
}

type syncResult struct {
	res *Result
	err error
}

func (e *testEnv) startSync(opts Options) <-chan syncResult {
	ch := make(chan syncResult, 1)
	go func() {
		res, err := e.syncer.Sync(context.Background(), nil, opts)
		ch <- syncResult{res: res, err: err}
	}()
	return ch
}

func wait(t *testing.T, ch <-chan syncResult) syncResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(testTimeout):
		t.Fatal("sync did not finish")
		return syncResult{}
	}
}

func insertClean(t *testing.T, d *db.Database, rec *models.Record) {
	t.Helper()
	err := d.Write(context.Background(), []string{"contacts"}, func(tx *db.Tx) error {
		return tx.Store("contacts").Insert(rec, models.OriginRemote)
	})
	require.NoError(t, err)
}

func load(t *testing.T, d *db.Database, key models.Key) *models.Record {
	t.Helper()
	var rec *models.Record
	err := d.Read(context.Background(), []string{"contacts"}, func(tx *db.Tx) error {
		r, err := tx.Store("contacts").Load(key)
		if db.IsNotFound(err) {
			return nil
		}
		rec = r
		return err
	})
	require.NoError(t, err)
	return rec
}

func TestSync_NothingToSync(t *testing.T) {
	e := newTestEnv(t)
	done := e.startSync(Options{})

	e.accept(t)
	msg := e.expect(t)
	req, ok := msg.(*api.GetChanges)
	require.True(t, ok)
	assert.Equal(t, "contacts", req.StoreName)
	assert.Nil(t, req.Since)
	e.reply(t, &api.SendingChanges{StoreName: "contacts", NrOfRecordsToSync: 0})

	r := wait(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, &Result{}, r.res)
	assert.False(t, e.db.Syncing())
	assert.False(t, e.syncer.Connected())
}

func TestSync_CreateWithNewKey(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	require.NoError(t, e.store().Put(ctx, &models.Record{Key: models.IntKey(1), Fields: models.Fields{"name": "Ann"}}))

	var synced []db.SyncedEvent
	e.store().Synced().Subscribe(func(ev db.SyncedEvent) { synced = append(synced, ev) })

	done := e.startSync(Options{})
	e.accept(t)
	e.serveEmptyPull(t)

	msg := e.expect(t)
	create, ok := msg.(*api.Create)
	require.True(t, ok, "expected create, got %T", msg)
	assert.Equal(t, models.IntKey(1), create.Key)
	assert.Equal(t, models.Fields{"name": "Ann"}, create.Record)

	newKey := models.IntKey(2)
	e.reply(t, &api.OK{StoreName: "contacts", Key: models.IntKey(1), NewKey: &newKey, NewVersion: 0, Timestamp: 10})

	r := wait(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, 1, r.res.Pushed)

	assert.Nil(t, load(t, e.db, models.IntKey(1)))
	rec := load(t, e.db, models.IntKey(2))
	require.NotNil(t, rec)
	assert.False(t, rec.ChangedSinceSync)
	assert.Nil(t, rec.RemoteOriginal)
	assert.Equal(t, int64(0), rec.Version)
	assert.Equal(t, models.Fields{"name": "Ann"}, rec.Fields)

	syncedTo, err := e.store().SyncedTo(ctx)
	require.NoError(t, err)
	require.NotNil(t, syncedTo)
	assert.Equal(t, int64(10), *syncedTo)

	require.Len(t, synced, 1)
	assert.Equal(t, models.IntKey(1), synced[0].Key)
	require.NotNil(t, synced[0].NewKey)
	assert.Equal(t, newKey, *synced[0].NewKey)
}

func TestSync_PullAppliesChanges(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	insertClean(t, e.db, &models.Record{Key: models.StringKey("gone"), Fields: models.Fields{"name": "x"}, Version: 1})

	var initiated []db.SyncInitiated
	e.db.SyncInitiated().Subscribe(func(ev db.SyncInitiated) { initiated = append(initiated, ev) })

	done := e.startSync(Options{})
	e.accept(t)
	_, ok := e.expect(t).(*api.GetChanges)
	require.True(t, ok)

	e.reply(t, &api.SendingChanges{StoreName: "contacts", NrOfRecordsToSync: 3})
	e.reply(t, &api.Create{StoreName: "contacts", Key: models.StringKey("a"), Record: models.Fields{"name": "A", "city": "Oslo"}, Version: 0, Timestamp: 1})
	e.reply(t, &api.Update{StoreName: "contacts", Key: models.StringKey("a"), Diff: []byte(`{"city":null,"name":"B"}`), Version: 1, Timestamp: 2})
	e.reply(t, &api.Delete{StoreName: "contacts", Key: models.StringKey("gone"), Version: 2, Timestamp: 3})

	r := wait(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, 3, r.res.Pulled)

	rec := load(t, e.db, models.StringKey("a"))
	require.NotNil(t, rec)
	assert.Equal(t, models.Fields{"name": "B"}, rec.Fields)
	assert.Equal(t, int64(1), rec.Version)
	assert.False(t, rec.ChangedSinceSync)
	assert.Nil(t, load(t, e.db, models.StringKey("gone")))

	syncedTo, err := e.store().SyncedTo(ctx)
	require.NoError(t, err)
	require.NotNil(t, syncedTo)
	assert.Equal(t, int64(3), *syncedTo)

	require.Len(t, initiated, 1)
	assert.Equal(t, db.SyncInitiated{StoreName: "contacts", NrOfRecordsToSync: 3}, initiated[0])
}

func TestSync_SendsSince(t *testing.T) {
	e := newTestEnv(t)
	err := e.db.Write(context.Background(), nil, func(tx *db.Tx) error {
		return tx.Store("contacts").AdvanceSyncedTo(42)
	})
	require.NoError(t, err)

	done := e.startSync(Options{})
	e.accept(t)
	req, ok := e.expect(t).(*api.GetChanges)
	require.True(t, ok)
	require.NotNil(t, req.Since)
	assert.Equal(t, int64(42), *req.Since)
	e.reply(t, &api.SendingChanges{StoreName: "contacts"})

	require.NoError(t, wait(t, done).err)
}

func TestSync_SendingChangesWithoutStoreName(t *testing.T) {
	e := newTestEnv(t)
	key := models.StringKey("k")

	done := e.startSync(Options{})
	e.accept(t)
	_, ok := e.expect(t).(*api.GetChanges)
	require.True(t, ok)
	// Ответ относится к самому старому незакрытому запросу
	e.reply(t, &api.SendingChanges{NrOfRecordsToSync: 1})
	e.reply(t, &api.Create{StoreName: "contacts", Key: key, Record: models.Fields{"name": "Ann"}, Version: 1, Timestamp: 4})

	r := wait(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, 1, r.res.Pulled)

	rec := load(t, e.db, key)
	require.NotNil(t, rec)
	assert.Equal(t, models.Fields{"name": "Ann"}, rec.Fields)
}

func TestSync_UnrequestedSendingChanges(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	done := e.startSync(Options{Continuously: true})
	e.accept(t)
	e.serveEmptyPull(t)
	require.NoError(t, wait(t, done).err)

	msgs := make(chan *api.Raw, 1)
	e.db.Messages().Subscribe(func(m *api.Raw) { msgs <- m })

	// Лишний ответ без запроса игнорируется, соединение живо
	e.reply(t, &api.SendingChanges{StoreName: "contacts", NrOfRecordsToSync: 3})
	ping, err := api.NewRaw("ping", nil)
	require.NoError(t, err)
	e.reply(t, ping)
	select {
	case <-msgs:
	case <-time.After(testTimeout):
		t.Fatal("connection stopped reading")
	}
	assert.True(t, e.syncer.Connected())

	key := models.StringKey("live")
	require.NoError(t, e.store().Put(ctx, &models.Record{Key: key, Fields: models.Fields{"n": "1"}}))
	_, ok := e.expect(t).(*api.Create)
	require.True(t, ok)
	e.reply(t, &api.OK{StoreName: "contacts", Key: key, NewVersion: 0, Timestamp: 5})
	require.Eventually(t, func() bool {
		rec := load(t, e.db, key)
		return rec != nil && !rec.ChangedSinceSync
	}, testTimeout, 10*time.Millisecond)
}

func TestSync_ConflictKeepsLocal(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	key := models.StringKey("k")
	insertClean(t, e.db, &models.Record{Key: key, Fields: models.Fields{"name": "orig"}, Version: 1})
	require.NoError(t, e.store().Put(ctx, &models.Record{Key: key, Fields: models.Fields{"name": "local"}}))

	var got [3]*models.Record
	e.store().SetConflictResolver(func(original, local, remote *models.Record) (*models.Record, error) {
		got = [3]*models.Record{original, local, remote}
		return local, nil
	})

	done := e.startSync(Options{})
	e.accept(t)
	_, ok := e.expect(t).(*api.GetChanges)
	require.True(t, ok)
	e.reply(t, &api.SendingChanges{StoreName: "contacts", NrOfRecordsToSync: 1})
	e.reply(t, &api.Update{StoreName: "contacts", Key: key, Diff: []byte(`{"name":"remote"}`), Version: 2, Timestamp: 7})

	msg := e.expect(t)
	upd, ok := msg.(*api.Update)
	require.True(t, ok, "expected update, got %T", msg)
	assert.Equal(t, int64(2), upd.Version)
	assert.JSONEq(t, `[{"op":"add","path":"/name","value":"local"}]`, string(upd.Diff))

	require.NotNil(t, got[0])
	assert.Equal(t, models.Fields{"name": "orig"}, got[0].Fields)
	assert.Equal(t, models.Fields{"name": "local"}, got[1].Fields)
	assert.Equal(t, models.Fields{"name": "remote"}, got[2].Fields)

	e.reply(t, &api.OK{StoreName: "contacts", Key: key, NewVersion: 3, Timestamp: 8})

	r := wait(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, 1, r.res.Conflicts)

	rec := load(t, e.db, key)
	require.NotNil(t, rec)
	assert.False(t, rec.ChangedSinceSync)
	assert.Equal(t, int64(3), rec.Version)
	assert.Equal(t, models.Fields{"name": "local"}, rec.Fields)
}

func TestSync_ConflictTakesRemote(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	key := models.StringKey("k")
	insertClean(t, e.db, &models.Record{Key: key, Fields: models.Fields{"name": "orig"}, Version: 1})
	require.NoError(t, e.store().Put(ctx, &models.Record{Key: key, Fields: models.Fields{"name": "local"}}))
	e.store().SetConflictResolver(func(_, _, remote *models.Record) (*models.Record, error) {
		return remote, nil
	})

	done := e.startSync(Options{})
	e.accept(t)
	_, ok := e.expect(t).(*api.GetChanges)
	require.True(t, ok)
	e.reply(t, &api.SendingChanges{StoreName: "contacts", NrOfRecordsToSync: 1})
	e.reply(t, &api.Update{StoreName: "contacts", Key: key, Diff: []byte(`{"name":"remote"}`), Version: 2, Timestamp: 7})

	r := wait(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, 0, r.res.Pushed)

	rec := load(t, e.db, key)
	require.NotNil(t, rec)
	assert.False(t, rec.ChangedSinceSync)
	assert.Equal(t, int64(2), rec.Version)
	assert.Equal(t, models.Fields{"name": "remote"}, rec.Fields)
}

func TestSync_ConflictMerged(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	key := models.StringKey("k")
	insertClean(t, e.db, &models.Record{Key: key, Fields: models.Fields{"name": "orig", "city": "a"}, Version: 1})
	require.NoError(t, e.store().Put(ctx, &models.Record{Key: key, Fields: models.Fields{"name": "local", "city": "a"}}))
	e.store().SetConflictResolver(resolve.MergeFields)

	done := e.startSync(Options{})
	e.accept(t)
	_, ok := e.expect(t).(*api.GetChanges)
	require.True(t, ok)
	e.reply(t, &api.SendingChanges{StoreName: "contacts", NrOfRecordsToSync: 1})
	e.reply(t, &api.Update{StoreName: "contacts", Key: key, Diff: []byte(`[{"op":"add","path":"/city","value":"b"}]`), Version: 2, Timestamp: 7})

	// Слияние отличается от версии сервера и уходит как update поверх нее
	msg := e.expect(t)
	upd, ok := msg.(*api.Update)
	require.True(t, ok, "expected update, got %T", msg)
	assert.Equal(t, int64(2), upd.Version)
	assert.JSONEq(t, `[{"op":"add","path":"/name","value":"local"}]`, string(upd.Diff))

	rec := load(t, e.db, key)
	require.NotNil(t, rec)
	assert.True(t, rec.ChangedSinceSync)
	assert.Equal(t, int64(2), rec.Version)
	assert.Equal(t, models.Fields{"name": "orig", "city": "b"}, rec.RemoteOriginal)
	assert.Equal(t, models.Fields{"name": "local", "city": "b"}, rec.Fields)

	e.reply(t, &api.OK{StoreName: "contacts", Key: key, NewVersion: 3, Timestamp: 8})

	r := wait(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, 1, r.res.Conflicts)
	assert.Equal(t, 1, r.res.Pushed)

	rec = load(t, e.db, key)
	require.NotNil(t, rec)
	assert.False(t, rec.ChangedSinceSync)
	assert.Nil(t, rec.RemoteOriginal)
	assert.Equal(t, int64(3), rec.Version)
	assert.Equal(t, models.Fields{"name": "local", "city": "b"}, rec.Fields)
}

func TestSync_RemoteDeleteConflict(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	key := models.StringKey("k")
	insertClean(t, e.db, &models.Record{Key: key, Fields: models.Fields{"name": "orig"}, Version: 1})
	require.NoError(t, e.store().Put(ctx, &models.Record{Key: key, Fields: models.Fields{"name": "local"}}))
	e.store().SetConflictResolver(func(_, local, _ *models.Record) (*models.Record, error) {
		return local, nil
	})

	done := e.startSync(Options{})
	e.accept(t)
	_, ok := e.expect(t).(*api.GetChanges)
	require.True(t, ok)
	e.reply(t, &api.SendingChanges{StoreName: "contacts", NrOfRecordsToSync: 1})
	e.reply(t, &api.Delete{StoreName: "contacts", Key: key, Version: 2, Timestamp: 7})

	// Запись удалена на сервере, локальная версия создается заново
	msg := e.expect(t)
	create, ok := msg.(*api.Create)
	require.True(t, ok, "expected create, got %T", msg)
	assert.Equal(t, key, create.Key)
	assert.Equal(t, models.Fields{"name": "local"}, create.Record)

	e.reply(t, &api.OK{StoreName: "contacts", Key: key, NewVersion: 0, Timestamp: 8})
	require.NoError(t, wait(t, done).err)

	rec := load(t, e.db, key)
	require.NotNil(t, rec)
	assert.False(t, rec.ChangedSinceSync)
}

func TestSync_NoResolver(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	key := models.StringKey("k")
	insertClean(t, e.db, &models.Record{Key: key, Fields: models.Fields{"name": "orig"}, Version: 1})
	require.NoError(t, e.store().Put(ctx, &models.Record{Key: key, Fields: models.Fields{"name": "local"}}))

	done := e.startSync(Options{})
	e.accept(t)
	_, ok := e.expect(t).(*api.GetChanges)
	require.True(t, ok)
	e.reply(t, &api.SendingChanges{StoreName: "contacts", NrOfRecordsToSync: 1})
	e.reply(t, &api.Update{StoreName: "contacts", Key: key, Diff: []byte(`{"name":"remote"}`), Version: 2, Timestamp: 7})

	r := wait(t, done)
	assert.ErrorIs(t, r.err, ErrNoResolver)
	assert.False(t, e.db.Syncing())

	// Транзакция откатилась, локальная правка не потеряна
	rec := load(t, e.db, key)
	require.NotNil(t, rec)
	assert.True(t, rec.ChangedSinceSync)
	assert.Equal(t, models.Fields{"name": "local"}, rec.Fields)

	syncedTo, err := e.store().SyncedTo(ctx)
	require.NoError(t, err)
	assert.Nil(t, syncedTo)
}

func TestSync_AlreadySyncing(t *testing.T) {
	e := newTestEnv(t)
	done := e.startSync(Options{})
	e.accept(t)
	_, ok := e.expect(t).(*api.GetChanges)
	require.True(t, ok)

	_, err := e.syncer.Sync(context.Background(), nil, Options{})
	assert.ErrorIs(t, err, db.ErrAlreadySyncing)

	e.reply(t, &api.SendingChanges{StoreName: "contacts"})
	require.NoError(t, wait(t, done).err)

	// После завершения блокировка снята
	done = e.startSync(Options{})
	e.accept(t)
	e.serveEmptyPull(t)
	require.NoError(t, wait(t, done).err)
}

func TestSync_UnknownStore(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.syncer.Sync(context.Background(), []string{"missing"}, Options{})
	assert.Error(t, err)
	assert.False(t, e.db.Syncing())
}

func TestSync_DeleteAcknowledged(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	key := models.IntKey(5)
	insertClean(t, e.db, &models.Record{Key: key, Fields: models.Fields{"name": "x"}, Version: 4})
	require.NoError(t, e.store().Delete(ctx, key))

	done := e.startSync(Options{})
	e.accept(t)
	e.serveEmptyPull(t)

	msg := e.expect(t)
	del, ok := msg.(*api.Delete)
	require.True(t, ok, "expected delete, got %T", msg)
	assert.Equal(t, key, del.Key)
	assert.Equal(t, int64(4), del.Version)

	e.reply(t, &api.OK{StoreName: "contacts", Key: key, NewVersion: 5, Timestamp: 3})
	require.NoError(t, wait(t, done).err)

	assert.Nil(t, load(t, e.db, key), "tombstone must be removed")
}

func TestSync_RevertedEditNotSent(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	key := models.StringKey("k")
	insertClean(t, e.db, &models.Record{Key: key, Fields: models.Fields{"n": "1"}, Version: 4})
	require.NoError(t, e.store().Put(ctx, &models.Record{Key: key, Fields: models.Fields{"n": "2"}}))
	require.NoError(t, e.store().Put(ctx, &models.Record{Key: key, Fields: models.Fields{"n": "1"}}))

	done := e.startSync(Options{})
	e.accept(t)
	e.serveEmptyPull(t)

	r := wait(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, 0, r.res.Pushed)

	rec := load(t, e.db, key)
	require.NotNil(t, rec)
	assert.False(t, rec.ChangedSinceSync)
	assert.Nil(t, rec.RemoteOriginal)
	assert.Equal(t, int64(4), rec.Version)
	assert.Equal(t, models.Fields{"n": "1"}, rec.Fields)
}

func TestSync_EmptySyncedRecordSendsUpdate(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	key := models.StringKey("k")
	insertClean(t, e.db, &models.Record{Key: key, Fields: models.Fields{}, Version: 2})
	require.NoError(t, e.store().Put(ctx, &models.Record{Key: key, Fields: models.Fields{"a": float64(1)}}))

	done := e.startSync(Options{})
	e.accept(t)
	e.serveEmptyPull(t)
	msg := e.expect(t)
	upd, ok := msg.(*api.Update)
	require.True(t, ok, "expected update, got %T", msg)
	assert.Equal(t, key, upd.Key)
	assert.Equal(t, int64(2), upd.Version)
	assert.JSONEq(t, `[{"op":"add","path":"/a","value":1}]`, string(upd.Diff))
	e.reply(t, &api.OK{StoreName: "contacts", Key: key, NewVersion: 3, Timestamp: 1})
	require.NoError(t, wait(t, done).err)
}

func TestSync_WriteWhileInFlight(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	key := models.StringKey("k")
	require.NoError(t, e.store().Put(ctx, &models.Record{Key: key, Fields: models.Fields{"n": "1"}}))

	done := e.startSync(Options{})
	e.accept(t)
	e.serveEmptyPull(t)
	_, ok := e.expect(t).(*api.Create)
	require.True(t, ok)

	// Правка во время ожидания ответа сервера
	require.NoError(t, e.store().Put(ctx, &models.Record{Key: key, Fields: models.Fields{"n": "2"}}))

	e.reply(t, &api.OK{StoreName: "contacts", Key: key, NewVersion: 0, Timestamp: 1})
	require.NoError(t, wait(t, done).err)

	rec := load(t, e.db, key)
	require.NotNil(t, rec)
	assert.True(t, rec.ChangedSinceSync)
	assert.Equal(t, models.Fields{"n": "1"}, rec.RemoteOriginal)
	assert.Equal(t, models.Fields{"n": "2"}, rec.Fields)

	// Следующая синхронизация отправляет разницу
	done = e.startSync(Options{})
	e.accept(t)
	e.serveEmptyPull(t)
	msg := e.expect(t)
	upd, ok := msg.(*api.Update)
	require.True(t, ok, "expected update, got %T", msg)
	assert.JSONEq(t, `[{"op":"add","path":"/n","value":"2"}]`, string(upd.Diff))
	e.reply(t, &api.OK{StoreName: "contacts", Key: key, NewVersion: 1, Timestamp: 2})
	require.NoError(t, wait(t, done).err)

	rec = load(t, e.db, key)
	assert.False(t, rec.ChangedSinceSync)
}

func TestSync_DeleteWhileCreateInFlight(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	key := models.StringKey("k")
	require.NoError(t, e.store().Put(ctx, &models.Record{Key: key, Fields: models.Fields{"n": "1"}}))

	done := e.startSync(Options{})
	e.accept(t)
	e.serveEmptyPull(t)
	_, ok := e.expect(t).(*api.Create)
	require.True(t, ok)

	require.NoError(t, e.store().Delete(ctx, key))

	e.reply(t, &api.OK{StoreName: "contacts", Key: key, NewVersion: 0, Timestamp: 1})
	require.NoError(t, wait(t, done).err)

	rec := load(t, e.db, key)
	require.NotNil(t, rec, "tombstone must stay until the delete is sent")
	assert.True(t, rec.Deleted)
	assert.True(t, rec.ChangedSinceSync)
}

func TestSync_WriteTxOpenWhenOKArrives(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	key := models.StringKey("k")
	require.NoError(t, e.store().Put(ctx, &models.Record{Key: key, Fields: models.Fields{"n": "1"}}))

	done := e.startSync(Options{})
	e.accept(t)
	e.serveEmptyPull(t)
	_, ok := e.expect(t).(*api.Create)
	require.True(t, ok)

	entered := make(chan struct{})
	release := make(chan struct{})
	written := make(chan error, 1)
	go func() {
		written <- e.db.Write(ctx, []string{"contacts"}, func(tx *db.Tx) error {
			close(entered)
			<-release
			return tx.Store("contacts").Put(&models.Record{Key: key, Fields: models.Fields{"n": "2"}})
		})
	}()
	select {
	case <-entered:
	case <-time.After(testTimeout):
		t.Fatal("write transaction did not start")
	}

	// ok приходит, пока локальная транзакция еще открыта
	e.reply(t, &api.OK{StoreName: "contacts", Key: key, NewVersion: 0, Timestamp: 1})
	time.Sleep(100 * time.Millisecond)
	close(release)
	require.NoError(t, <-written)
	require.NoError(t, wait(t, done).err)

	rec := load(t, e.db, key)
	require.NotNil(t, rec)
	assert.True(t, rec.ChangedSinceSync, "edit made during the ok must stay dirty")
	assert.Equal(t, models.Fields{"n": "1"}, rec.RemoteOriginal)
	assert.Equal(t, models.Fields{"n": "2"}, rec.Fields)
}

func TestSync_Reject(t *testing.T) {
	tests := []struct {
		name       string
		handler    db.RejectHandler
		wantResend bool
	}{
		{
			name: "resubmit altered record",
			handler: func(_ context.Context, rec *models.Record, _ *api.Reject) (*models.Record, error) {
				out := rec.Clone()
				out.Fields = models.Fields{"name": "fixed"}
				return out, nil
			},
			wantResend: true,
		},
		{
			name: "drop",
			handler: func(context.Context, *models.Record, *api.Reject) (*models.Record, error) {
				return nil, nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			e := newTestEnv(t)
			key := models.StringKey("k")
			require.NoError(t, e.store().Put(ctx, &models.Record{Key: key, Fields: models.Fields{"name": ""}}))
			e.db.SetRejectHandler(tt.handler)

			done := e.startSync(Options{})
			e.accept(t)
			e.serveEmptyPull(t)
			_, ok := e.expect(t).(*api.Create)
			require.True(t, ok)
			e.reply(t, &api.Reject{StoreName: "contacts", Key: key, Description: "name is required"})

			if tt.wantResend {
				msg := e.expect(t)
				create, ok := msg.(*api.Create)
				require.True(t, ok, "expected create, got %T", msg)
				assert.Equal(t, models.Fields{"name": "fixed"}, create.Record)
				e.reply(t, &api.OK{StoreName: "contacts", Key: key, NewVersion: 0, Timestamp: 1})
			}

			r := wait(t, done)
			require.NoError(t, r.err)
			assert.Equal(t, 1, r.res.Rejected)

			rec := load(t, e.db, key)
			require.NotNil(t, rec)
			assert.Equal(t, !tt.wantResend, rec.ChangedSinceSync)
		})
	}
}

func TestSync_RejectWithoutHandler(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	key := models.StringKey("k")
	require.NoError(t, e.store().Put(ctx, &models.Record{Key: key, Fields: models.Fields{"name": ""}}))

	done := e.startSync(Options{})
	e.accept(t)
	e.serveEmptyPull(t)
	_, ok := e.expect(t).(*api.Create)
	require.True(t, ok)
	e.reply(t, &api.Reject{StoreName: "contacts", Key: key, Description: "no"})

	r := wait(t, done)
	assert.ErrorIs(t, r.err, ErrNoRejectHandler)
	assert.False(t, e.db.Syncing())
}

func TestSync_RejectForKeyNotInFlight(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	key := models.StringKey("k")
	require.NoError(t, e.store().Put(ctx, &models.Record{Key: key, Fields: models.Fields{"name": "Ann"}}))
	e.db.SetRejectHandler(resolve.Drop)

	done := e.startSync(Options{})
	e.accept(t)
	e.serveEmptyPull(t)
	_, ok := e.expect(t).(*api.Create)
	require.True(t, ok)

	e.reply(t, &api.Reject{StoreName: "contacts", Key: models.StringKey("other"), Description: "stale"})
	select {
	case <-done:
		t.Fatal("sync finished before the create was answered")
	case <-time.After(100 * time.Millisecond):
	}

	e.reply(t, &api.OK{StoreName: "contacts", Key: key, NewVersion: 0, Timestamp: 1})
	r := wait(t, done)
	require.NoError(t, r.err)
	assert.Equal(t, 1, r.res.Rejected)

	rec := load(t, e.db, key)
	require.NotNil(t, rec)
	assert.False(t, rec.ChangedSinceSync)
}

func TestSync_Continuous(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)

	done := e.startSync(Options{Continuously: true})
	e.accept(t)
	e.serveEmptyPull(t)
	require.NoError(t, wait(t, done).err)

	assert.True(t, e.db.Syncing())
	assert.True(t, e.db.Continuous())
	assert.True(t, e.syncer.Connected())

	// Локальная запись отправляется сразу после коммита
	key := models.StringKey("live")
	require.NoError(t, e.store().Put(ctx, &models.Record{Key: key, Fields: models.Fields{"n": "1"}}))
	msg := e.expect(t)
	create, ok := msg.(*api.Create)
	require.True(t, ok, "expected create, got %T", msg)
	assert.Equal(t, key, create.Key)
	e.reply(t, &api.OK{StoreName: "contacts", Key: key, NewVersion: 0, Timestamp: 5})

	require.Eventually(t, func() bool {
		rec := load(t, e.db, key)
		return rec != nil && !rec.ChangedSinceSync
	}, testTimeout, 10*time.Millisecond)

	// Изменения других клиентов применяются по мере поступления
	e.reply(t, &api.Create{StoreName: "contacts", Key: models.StringKey("other"), Record: models.Fields{"n": "x"}, Timestamp: 6})
	require.Eventually(t, func() bool {
		return load(t, e.db, models.StringKey("other")) != nil
	}, testTimeout, 10*time.Millisecond)

	_, err := e.syncer.Sync(ctx, nil, Options{})
	assert.ErrorIs(t, err, db.ErrAlreadySyncing)

	e.syncer.Disconnect()
	assert.False(t, e.db.Syncing())
	assert.False(t, e.db.Continuous())
	assert.False(t, e.syncer.Connected())
}

func TestSync_ContinuousConnectionLost(t *testing.T) {
	e := newTestEnv(t)

	done := e.startSync(Options{Continuously: true})
	server := e.accept(t)
	e.serveEmptyPull(t)
	require.NoError(t, wait(t, done).err)

	require.NoError(t, server.Close())
	require.Eventually(t, func() bool { return !e.db.Syncing() }, testTimeout, 10*time.Millisecond)
	assert.False(t, e.syncer.Connected())
}

func TestSyncer_Wait(t *testing.T) {
	e := newTestEnv(t)
	assert.NoError(t, e.syncer.Wait(context.Background()), "nothing to wait for")

	done := e.startSync(Options{Continuously: true})
	server := e.accept(t)
	e.serveEmptyPull(t)
	require.NoError(t, wait(t, done).err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, e.syncer.Wait(ctx), context.DeadlineExceeded)

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- e.syncer.Wait(context.Background())
	}()
	// Даем горутине дойти до ожидания
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, server.Close())

	select {
	case err := <-waitErr:
		assert.ErrorIs(t, err, transport.ErrClosed)
	case <-time.After(testTimeout):
		t.Fatal("wait did not return")
	}
}

func TestSync_ContextCancelled(t *testing.T) {
	e := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := e.syncer.Sync(ctx, nil, Options{})
		errCh <- err
	}()
	e.accept(t)
	_, ok := e.expect(t).(*api.GetChanges)
	require.True(t, ok)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(testTimeout):
		t.Fatal("sync did not stop")
	}
	assert.False(t, e.db.Syncing())
}

func TestSyncer_ApplicationMessages(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.syncer.Connect(context.Background()))
	e.accept(t)

	storeMsgs := make(chan *api.Raw, 1)
	dbMsgs := make(chan *api.Raw, 1)
	e.store().Messages().Subscribe(func(m *api.Raw) { storeMsgs <- m })
	e.db.Messages().Subscribe(func(m *api.Raw) { dbMsgs <- m })

	withStore, err := api.NewRaw("chat", map[string]any{"storeName": "contacts", "text": "hi"})
	require.NoError(t, err)
	global, err := api.NewRaw("ping", nil)
	require.NoError(t, err)
	e.reply(t, withStore)
	e.reply(t, global)

	select {
	case m := <-storeMsgs:
		var body struct{ Text string }
		require.NoError(t, m.Unmarshal(&body))
		assert.Equal(t, "hi", body.Text)
	case <-time.After(testTimeout):
		t.Fatal("store message not delivered")
	}
	select {
	case m := <-dbMsgs:
		assert.Equal(t, api.Type("ping"), m.Type)
	case <-time.After(testTimeout):
		t.Fatal("database message not delivered")
	}

	// Отправка произвольного сообщения
	out, err := api.NewRaw("chat", map[string]any{"text": "back"})
	require.NoError(t, err)
	require.NoError(t, e.syncer.Send(context.Background(), out))
	raw, ok := e.expect(t).(*api.Raw)
	require.True(t, ok)
	assert.Equal(t, api.Type("chat"), raw.Type)
}

func TestSyncer_SendNotConnected(t *testing.T) {
	e := newTestEnv(t)
	err := e.syncer.Send(context.Background(), &api.Reset{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSyncer_ResetRemote(t *testing.T) {
	e := newTestEnv(t)

	errCh := make(chan error, 1)
	go func() { errCh <- e.syncer.ResetRemote(context.Background()) }()

	e.accept(t)
	_, ok := e.expect(t).(*api.Reset)
	require.True(t, ok)
	e.reply(t, &api.Reset{})

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("reset did not finish")
	}
}

func TestTokenHandshake(t *testing.T) {
	tests := []struct {
		name    string
		resp    *api.AuthResponse
		wantErr error
	}{
		{name: "accepted", resp: &api.AuthResponse{OK: true, Privileges: "readwrite"}},
		{name: "refused", resp: &api.AuthResponse{Error: "bad token"}, wantErr: ErrAuthFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, WithHandshake(TokenHandshake("secret")))

			errCh := make(chan error, 1)
			go func() { errCh <- e.syncer.Connect(context.Background()) }()

			e.accept(t)
			msg := e.expect(t)
			auth, ok := msg.(*api.Authenticate)
			require.True(t, ok)
			assert.Equal(t, "secret", auth.Token)
			e.reply(t, tt.resp)

			select {
			case err := <-errCh:
				if tt.wantErr != nil {
					assert.True(t, errors.Is(err, tt.wantErr))
					assert.False(t, e.syncer.Connected())
					return
				}
				require.NoError(t, err)
				assert.True(t, e.syncer.Connected())
			case <-time.After(testTimeout):
				t.Fatal("handshake did not finish")
			}
		})
	}
}

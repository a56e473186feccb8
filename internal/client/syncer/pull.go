package syncer

import (
	"context"
	"fmt"

	"github.com/iudanet/synceddb/internal/client/db"
	"github.com/iudanet/synceddb/internal/diff"
	"github.com/iudanet/synceddb/internal/models"
	"github.com/iudanet/synceddb/pkg/api"
)

// pull requests the changes of every store since its synced-to timestamp and
// waits until all announced changes are applied. The stores stay subscribed
// to live changes for the lifetime of the connection.
func (c *connection) pull(ctx context.Context, stores []string) error {
	requests := make([]*api.GetChanges, 0, len(stores))
	err := c.db().Read(ctx, stores, func(tx *db.Tx) error {
		for _, name := range stores {
			since, err := tx.Store(name).SyncedTo()
			if err != nil {
				return err
			}
			requests = append(requests, &api.GetChanges{StoreName: name, Since: since})
		}
		return nil
	})
	if err != nil {
		return err
	}

	done := make(chan struct{})
	c.changesLeft.OnZero(func() { close(done) })
	c.changesLeft.Add(len(requests))

	for _, req := range requests {
		c.subscribe(req.StoreName)
		c.mu.Lock()
		c.requested = append(c.requested, req.StoreName)
		c.mu.Unlock()
		if err := c.send(ctx, req); err != nil {
			return err
		}
	}
	return c.wait(ctx, done)
}

func (c *connection) handleSendingChanges(m *api.SendingChanges) {
	store, ok := c.answered(m.StoreName)
	if !ok {
		c.syncer.logger.Warn("Ignoring unrequested sending-changes", "store", m.StoreName, "count", m.NrOfRecordsToSync)
		return
	}
	c.syncer.logger.Debug("Server is sending changes", "store", store, "count", m.NrOfRecordsToSync)

	if m.NrOfRecordsToSync > 0 {
		c.mu.Lock()
		c.streaming[store] += m.NrOfRecordsToSync
		c.mu.Unlock()
	}

	c.db().SyncInitiated().Emit(db.SyncInitiated{
		StoreName:         store,
		NrOfRecordsToSync: m.NrOfRecordsToSync,
	})
	// Запрос get-changes уже учтён, поэтому n-1
	c.changesLeft.Add(m.NrOfRecordsToSync - 1)
}

// answered matches a sending-changes reply to an outstanding get-changes
// request. Replies come in request order, so one without a store name
// belongs to the oldest request.
func (c *connection) answered(store string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, name := range c.requested {
		if store == "" || name == store {
			c.requested = append(c.requested[:i], c.requested[i+1:]...)
			return name, true
		}
	}
	return "", false
}

// streamed counts down a change that belongs to an announced batch.
// Live broadcasts are not part of any batch.
func (c *connection) streamed(store string) {
	c.mu.Lock()
	n := c.streaming[store]
	if n > 0 {
		c.streaming[store] = n - 1
	}
	c.mu.Unlock()

	if n > 0 {
		c.changesLeft.Add(-1)
	}
}

func (c *connection) handleCreate(m *api.Create) error {
	defer c.streamed(m.StoreName)
	if m.Key.IsZero() {
		c.syncer.logger.Warn("Ignoring remote create without key", "store", m.StoreName)
		return nil
	}

	remote := &models.Record{Key: m.Key, Fields: m.Record.Clone(), Version: m.Version}
	if remote.Fields == nil {
		remote.Fields = models.Fields{}
	}

	return c.applyRemote(m.StoreName, m.Key, m.Timestamp, func(st *db.TxStore, local *models.Record) error {
		if local == nil || !local.ChangedSinceSync {
			return st.Insert(remote, models.OriginRemote)
		}
		return c.resolve(st, local, remote)
	})
}

func (c *connection) handleUpdate(m *api.Update) error {
	defer c.streamed(m.StoreName)

	return c.applyRemote(m.StoreName, m.Key, m.Timestamp, func(st *db.TxStore, local *models.Record) error {
		if local == nil {
			c.syncer.logger.Debug("Skipping update of unknown record", "store", m.StoreName, "key", m.Key)
			return nil
		}

		if !local.ChangedSinceSync {
			fields, err := diff.Apply(local.Fields, m.Diff)
			if err != nil {
				return fmt.Errorf("failed to apply diff to %s/%s: %w", m.StoreName, m.Key, err)
			}
			local.Fields = fields
			local.Version = m.Version
			return st.Insert(local, models.OriginRemote)
		}

		// Изменение сервера накладываем на последнее общее состояние
		fields, err := diff.Apply(local.RemoteOriginal, m.Diff)
		if err != nil {
			return fmt.Errorf("failed to apply diff to %s/%s: %w", m.StoreName, m.Key, err)
		}
		return c.resolve(st, local, &models.Record{Key: m.Key, Fields: fields, Version: m.Version})
	})
}

func (c *connection) handleDelete(m *api.Delete) error {
	defer c.streamed(m.StoreName)

	return c.applyRemote(m.StoreName, m.Key, m.Timestamp, func(st *db.TxStore, local *models.Record) error {
		switch {
		case local == nil:
			return nil
		case !local.ChangedSinceSync, local.Deleted:
			return st.Remove(m.Key, models.OriginRemote)
		default:
			return c.resolve(st, local, &models.Record{Key: m.Key, Version: m.Version, Deleted: true})
		}
	})
}

// applyRemote runs apply on the current local record of key (nil if absent)
// and advances the store's synced-to timestamp in the same transaction
func (c *connection) applyRemote(store string, key models.Key, ts int64, apply func(st *db.TxStore, local *models.Record) error) error {
	if !c.db().HasStore(store) {
		c.syncer.logger.Warn("Ignoring change for unknown store", "store", store)
		return nil
	}

	err := c.db().Write(c.ctx, []string{store}, func(tx *db.Tx) error {
		st := tx.Store(store)
		local, err := st.Load(key)
		if err != nil && !db.IsNotFound(err) {
			return err
		}
		if err := apply(st, local); err != nil {
			return err
		}
		if ts > 0 {
			return st.AdvanceSyncedTo(ts)
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.pulled.Add(1)
	return nil
}

// resolve settles a remote change against a record with unsynced local changes
func (c *connection) resolve(st *db.TxStore, local, remote *models.Record) error {
	resolver := c.db().Store(st.Name()).ConflictResolver()
	if resolver == nil {
		return fmt.Errorf("%w: %s/%s", ErrNoResolver, st.Name(), local.Key)
	}

	original := &models.Record{Key: local.Key, Fields: local.RemoteOriginal.Clone(), Version: local.Version}
	if original.Fields == nil {
		original.Fields = models.Fields{}
	}

	resolved, err := resolver(original, local.Clone(), remote.Clone())
	if err != nil {
		return fmt.Errorf("conflict resolver failed for %s/%s: %w", st.Name(), local.Key, err)
	}
	if resolved == nil {
		return fmt.Errorf("conflict resolver returned no record for %s/%s", st.Name(), local.Key)
	}

	c.conflicts.Add(1)
	c.syncer.logger.Info("Resolved conflict", "store", st.Name(), "key", local.Key)

	// Запись в полёте изменена, ответ сервера не должен считать её синхронной
	c.NoteLocalWrite(st.Name(), local.Key)

	out := &models.Record{Key: local.Key, Version: remote.Version}
	switch {
	case resolved.Deleted && remote.Deleted:
		return st.Remove(local.Key, models.OriginRemote)
	case resolved.Deleted:
		out.Deleted = true
		out.ChangedSinceSync = true
		out.RemoteOriginal = remote.Fields.Clone()
		return st.Insert(out, models.OriginLocal)
	case remote.Deleted:
		// На сервере записи больше нет, следующая отправка создаст её заново
		out.Fields = resolved.Fields.Clone()
		out.ChangedSinceSync = true
		return st.Insert(out, models.OriginLocal)
	case resolved.Fields.Equal(remote.Fields):
		out.Fields = resolved.Fields.Clone()
		return st.Insert(out, models.OriginRemote)
	default:
		out.Fields = resolved.Fields.Clone()
		out.ChangedSinceSync = true
		out.RemoteOriginal = remote.Fields.Clone()
		if out.RemoteOriginal == nil {
			out.RemoteOriginal = models.Fields{}
		}
		return st.Insert(out, models.OriginLocal)
	}
}

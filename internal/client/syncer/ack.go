package syncer

import (
	"fmt"

	"github.com/iudanet/synceddb/internal/client/db"
	"github.com/iudanet/synceddb/internal/models"
	"github.com/iudanet/synceddb/pkg/api"
)

// handleOK settles an acknowledged change. A record written locally while its
// change was in flight stays dirty, rebased on what the server accepted.
func (c *connection) handleOK(m *api.OK) error {
	if !c.db().HasStore(m.StoreName) {
		if c.untrack(m.StoreName, m.Key) != nil {
			c.recordsToSync.Add(-1)
		}
		c.syncer.logger.Warn("Ignoring ok for unknown store", "store", m.StoreName, "key", m.Key)
		return nil
	}

	key := m.Key
	if m.NewKey != nil && !m.NewKey.IsZero() {
		key = *m.NewKey
	}

	var (
		sent   *sentRecord
		synced *models.Record
		repush bool
	)
	err := c.db().Write(c.ctx, []string{m.StoreName}, func(tx *db.Tx) error {
		// Снимаем запись с учета под блокировкой записи базы: локальная
		// правка либо уже отметила changedSince, либо начнется после нас
		sent = c.untrack(m.StoreName, m.Key)
		if sent == nil {
			return nil
		}
		st := tx.Store(m.StoreName)

		rec, err := st.Load(m.Key)
		if db.IsNotFound(err) {
			// Запись успели удалить, подтверждать нечего
			return c.advanceSyncedTo(st, m.Timestamp)
		}
		if err != nil {
			return err
		}

		switch {
		case sent.changedSince:
			rec.Version = m.NewVersion
			rec.ChangedSinceSync = true
			if sent.record.Deleted {
				rec.RemoteOriginal = nil
			} else {
				rec.RemoteOriginal = sent.record.Fields.Clone()
				if rec.RemoteOriginal == nil {
					rec.RemoteOriginal = models.Fields{}
				}
			}
			if err := moveRecord(st, rec, m.Key, key); err != nil {
				return err
			}
			repush = true
		case rec.Deleted:
			if err := st.Remove(m.Key, models.OriginInternal); err != nil {
				return err
			}
		default:
			rec.Version = m.NewVersion
			rec.ChangedSinceSync = false
			rec.RemoteOriginal = nil
			if err := moveRecord(st, rec, m.Key, key); err != nil {
				return err
			}
		}
		synced = rec
		return c.advanceSyncedTo(st, m.Timestamp)
	})
	if err != nil {
		return fmt.Errorf("failed to apply ok for %s/%s: %w", m.StoreName, m.Key, err)
	}
	if sent == nil {
		c.syncer.logger.Warn("Ignoring ok for a change that is not in flight", "store", m.StoreName, "key", m.Key)
		return nil
	}

	if synced != nil {
		ev := db.SyncedEvent{Key: m.Key, NewKey: m.NewKey, Record: synced}
		c.db().Store(m.StoreName).Synced().Emit(ev)
	}

	c.recordsToSync.Add(-1)

	if repush && c.db().Continuous() {
		return c.pushKey(m.StoreName, key)
	}
	return nil
}

// advanceSyncedTo moves the store's timestamp to an acknowledged change.
// Without a subscription, changes of other clients before ts may still be
// unseen, so the timestamp stays where it is.
func (c *connection) advanceSyncedTo(st *db.TxStore, ts int64) error {
	if ts <= 0 || !c.isSubscribed(st.Name()) {
		return nil
	}
	return st.AdvanceSyncedTo(ts)
}

// moveRecord writes rec under key to, removing it from key from if the
// server assigned a new key
func moveRecord(st *db.TxStore, rec *models.Record, from, to models.Key) error {
	if from != to {
		if err := st.Remove(from, models.OriginInternal); err != nil {
			return err
		}
	}
	rec.Key = to
	return st.Insert(rec, models.OriginInternal)
}

// handleReject hands a refused change to the reject handler. A returned
// record is stored and resent; nil drops the change.
func (c *connection) handleReject(m *api.Reject) error {
	if m.Key.IsZero() {
		return ErrMalformedReject
	}

	handler := c.db().RejectHandlerFor(m.StoreName)
	if handler == nil {
		return fmt.Errorf("%w: %s/%s: %s", ErrNoRejectHandler, m.StoreName, m.Key, m.Description)
	}

	c.rejected.Add(1)
	c.syncer.logger.Warn("Change rejected", "store", m.StoreName, "key", m.Key, "description", m.Description)

	known := c.db().HasStore(m.StoreName)
	var (
		sent    *sentRecord
		current *models.Record
	)
	if known {
		err := c.db().Write(c.ctx, []string{m.StoreName}, func(tx *db.Tx) error {
			sent = c.untrack(m.StoreName, m.Key)
			rec, err := tx.Store(m.StoreName).Load(m.Key)
			if db.IsNotFound(err) {
				return nil
			}
			current = rec
			return err
		})
		if err != nil {
			return err
		}
	} else {
		sent = c.untrack(m.StoreName, m.Key)
	}
	// Отказ на изменение, которое не ожидало ответа, счетчик не трогает
	counted := sent != nil

	resubmit, err := handler(c.ctx, current, m)
	if err != nil {
		return fmt.Errorf("reject handler failed for %s/%s: %w", m.StoreName, m.Key, err)
	}
	if resubmit == nil || !known {
		if counted {
			c.recordsToSync.Add(-1)
		}
		return nil
	}

	return c.resubmit(m.StoreName, m.Key, resubmit, counted)
}

// resubmit stores rec and sends it again. The reply to the resent change
// settles the slot of the rejected one when that was counted.
func (c *connection) resubmit(store string, key models.Key, rec *models.Record, counted bool) error {
	var msg api.Message
	err := c.db().Write(c.ctx, []string{store}, func(tx *db.Tx) error {
		st := tx.Store(store)
		if rec.Deleted {
			if err := st.Delete(key); err != nil && !db.IsNotFound(err) {
				return err
			}
		} else {
			put := rec.Clone()
			put.Key = key
			if err := st.Put(put); err != nil {
				return err
			}
		}

		stored, err := st.Load(key)
		if db.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if !c.track(store, stored) {
			return nil
		}
		msg, err = changeMessage(store, stored)
		if err != nil {
			c.untrack(store, key)
			return err
		}
		if unchanged(msg) {
			c.untrack(store, key)
			msg = nil
			return markClean(st, stored)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to resubmit %s/%s: %w", store, key, err)
	}

	switch {
	case msg == nil && counted:
		c.recordsToSync.Add(-1)
		return nil
	case msg == nil:
		return nil
	case !counted:
		c.recordsToSync.Add(1)
	}
	return c.send(c.ctx, msg)
}

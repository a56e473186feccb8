package syncer

import (
	"context"
	"fmt"

	"github.com/iudanet/synceddb/internal/client/db"
	"github.com/iudanet/synceddb/internal/diff"
	"github.com/iudanet/synceddb/internal/models"
	"github.com/iudanet/synceddb/pkg/api"
)

type outbound struct {
	msg   api.Message
	store string
	key   models.Key
}

// push sends every dirty record of stores and waits until the server has
// answered each of them
func (c *connection) push(ctx context.Context, stores []string) error {
	var batch []outbound
	err := c.db().Write(ctx, stores, func(tx *db.Tx) error {
		batch = batch[:0]
		for _, name := range stores {
			recs, err := tx.Store(name).Dirty()
			if err != nil {
				return err
			}
			for _, rec := range recs {
				if !c.track(name, rec) {
					continue
				}
				msg, err := changeMessage(name, rec)
				if err != nil {
					c.untrack(name, rec.Key)
					return err
				}
				if unchanged(msg) {
					c.untrack(name, rec.Key)
					if err := markClean(tx.Store(name), rec); err != nil {
						return err
					}
					continue
				}
				batch = append(batch, outbound{msg: msg, store: name, key: rec.Key})
			}
		}
		return nil
	})
	if err != nil {
		for _, out := range batch {
			c.untrack(out.store, out.key)
		}
		return err
	}

	c.syncer.logger.Debug("Pushing local changes", "count", len(batch))

	done := make(chan struct{})
	c.recordsToSync.OnZero(func() { close(done) })
	c.recordsToSync.Add(len(batch))

	for _, out := range batch {
		if err := c.send(ctx, out.msg); err != nil {
			return err
		}
		c.pushed.Add(1)
	}
	return c.wait(ctx, done)
}

// pushKey sends a single dirty record unless a change of it is already in flight
func (c *connection) pushKey(store string, key models.Key) error {
	var msg api.Message
	err := c.db().Write(c.ctx, []string{store}, func(tx *db.Tx) error {
		msg = nil
		rec, err := tx.Store(store).Load(key)
		if db.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if !rec.ChangedSinceSync || !c.track(store, rec) {
			return nil
		}
		msg, err = changeMessage(store, rec)
		if err != nil {
			c.untrack(store, key)
			return err
		}
		if unchanged(msg) {
			c.untrack(store, key)
			msg = nil
			return markClean(tx.Store(store), rec)
		}
		return nil
	})
	if err != nil || msg == nil {
		return err
	}

	c.recordsToSync.Add(1)
	if err := c.send(c.ctx, msg); err != nil {
		return err
	}
	c.pushed.Add(1)
	return nil
}

// changeMessage builds the message that brings the server up to date with rec
func changeMessage(store string, rec *models.Record) (api.Message, error) {
	switch {
	case rec.Deleted:
		return &api.Delete{StoreName: store, Key: rec.Key, Version: rec.Version}, nil
	case rec.RemoteOriginal != nil:
		patch, err := diff.Compute(rec.RemoteOriginal, rec.Fields)
		if err != nil {
			return nil, fmt.Errorf("failed to diff %s/%s: %w", store, rec.Key, err)
		}
		return &api.Update{StoreName: store, Key: rec.Key, Diff: patch, Version: rec.Version}, nil
	default:
		record := rec.Fields.Clone()
		if record == nil {
			record = models.Fields{}
		}
		return &api.Create{StoreName: store, Key: rec.Key, Record: record}, nil
	}
}

// unchanged reports whether msg is an update with an empty diff
func unchanged(msg api.Message) bool {
	upd, ok := msg.(*api.Update)
	return ok && diff.IsEmpty(upd.Diff)
}

// markClean settles a record whose content is back to its last synced state
// without a round trip to the server
func markClean(st *db.TxStore, rec *models.Record) error {
	clean := rec.Clone()
	clean.ChangedSinceSync = false
	clean.RemoteOriginal = nil
	return st.Insert(clean, models.OriginInternal)
}

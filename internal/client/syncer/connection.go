package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/iudanet/synceddb/internal/client/db"
	"github.com/iudanet/synceddb/internal/client/transport"
	"github.com/iudanet/synceddb/internal/countdown"
	"github.com/iudanet/synceddb/internal/models"
	"github.com/iudanet/synceddb/pkg/api"
)

type flightKey struct {
	store string
	key   models.Key
}

// sentRecord is the state of a record at the time its change was sent
type sentRecord struct {
	record       *models.Record
	changedSince bool
}

// connection is one open transport together with the state of the sync
// session running over it
type connection struct {
	ctx           context.Context
	err           error
	conn          transport.Conn
	syncer        *Syncer
	cancel        context.CancelFunc
	recordsToSync *countdown.Countdown
	changesLeft   *countdown.Countdown
	done          chan struct{}
	inflight      map[flightKey]*sentRecord
	subscribed    map[string]bool
	streaming     map[string]int
	requested     []string
	resetWaiters  []chan struct{}
	pushed        atomic.Int64
	pulled        atomic.Int64
	conflicts     atomic.Int64
	rejected      atomic.Int64
	mu            sync.Mutex
	closed        bool
	ownsLock      bool
}

func newConnection(s *Syncer, conn transport.Conn) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &connection{
		ctx:           ctx,
		cancel:        cancel,
		conn:          conn,
		syncer:        s,
		recordsToSync: countdown.New(0),
		changesLeft:   countdown.New(0),
		done:          make(chan struct{}),
		inflight:      make(map[flightKey]*sentRecord),
		subscribed:    make(map[string]bool),
		streaming:     make(map[string]int),
	}
}

func (c *connection) db() *db.Database {
	return c.syncer.db
}

func (c *connection) send(ctx context.Context, msg api.Message) error {
	if err := c.conn.Send(ctx, msg); err != nil {
		c.close(err)
		return err
	}
	return nil
}

// readLoop dispatches inbound messages in arrival order until the connection
// closes or a handler fails
func (c *connection) readLoop() {
	for {
		msg, err := c.conn.Receive(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.syncer.logger.Warn("Connection to sync server lost", "error", err)
			c.close(err)
			return
		}
		if err := c.dispatch(msg); err != nil {
			c.syncer.logger.Error("Failed to handle message", "type", msg.MessageType(), "error", err)
			c.close(err)
			return
		}
	}
}

func (c *connection) dispatch(msg api.Message) error {
	if err := api.Validate(msg); err != nil {
		if m, ok := msg.(*api.Reject); ok && m.Key.IsZero() {
			return ErrMalformedReject
		}
		return err
	}

	switch m := msg.(type) {
	case *api.Create:
		return c.handleCreate(m)
	case *api.Update:
		return c.handleUpdate(m)
	case *api.Delete:
		return c.handleDelete(m)
	case *api.OK:
		return c.handleOK(m)
	case *api.Reject:
		return c.handleReject(m)
	case *api.SendingChanges:
		c.handleSendingChanges(m)
	case *api.Reset:
		c.handleReset()
	case *api.Raw:
		c.handleRaw(m)
	default:
		c.syncer.logger.Debug("Ignoring message", "type", msg.MessageType())
	}
	return nil
}

func (c *connection) handleRaw(m *api.Raw) {
	if m.StoreName != "" {
		if st := c.db().Store(m.StoreName); st != nil {
			st.Messages().Emit(m)
			return
		}
	}
	c.db().Messages().Emit(m)
}

func (c *connection) awaitReset() <-chan struct{} {
	ch := make(chan struct{})
	c.mu.Lock()
	c.resetWaiters = append(c.resetWaiters, ch)
	c.mu.Unlock()
	return ch
}

func (c *connection) handleReset() {
	c.mu.Lock()
	waiters := c.resetWaiters
	c.resetWaiters = nil
	c.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// wait blocks until done is closed, the connection fails or ctx ends
func (c *connection) wait(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-c.done:
		// Фаза могла завершиться одновременно с закрытием
		select {
		case <-done:
			return nil
		default:
		}
		return c.closeErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NoteLocalWrite implements db.Session
func (c *connection) NoteLocalWrite(store string, key models.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sent, ok := c.inflight[flightKey{store, key}]; ok {
		sent.changedSince = true
	}
}

// InFlight implements db.Session
func (c *connection) InFlight(store string, key models.Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[flightKey{store, key}]
	return ok
}

// PushChange implements db.Session
func (c *connection) PushChange(ev models.ChangeEvent) {
	if ev.Record == nil {
		return
	}
	if err := c.pushKey(ev.Store, ev.Record.Key); err != nil {
		c.syncer.logger.Error("Failed to push change", "store", ev.Store, "key", ev.Record.Key, "error", err)
	}
}

// track registers rec as sent unless a change of the same key is already in
// flight
func (c *connection) track(store string, rec *models.Record) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := flightKey{store, rec.Key}
	if _, ok := c.inflight[k]; ok {
		return false
	}
	c.inflight[k] = &sentRecord{record: rec.Clone()}
	return true
}

func (c *connection) untrack(store string, key models.Key) *sentRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := flightKey{store, key}
	sent := c.inflight[k]
	delete(c.inflight, k)
	return sent
}

func (c *connection) subscribe(store string) {
	c.mu.Lock()
	c.subscribed[store] = true
	c.mu.Unlock()
}

func (c *connection) isSubscribed(store string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed[store]
}

func (c *connection) resetStats() {
	c.pushed.Store(0)
	c.pulled.Store(0)
	c.conflicts.Store(0)
	c.rejected.Store(0)
}

func (c *connection) stats() *Result {
	return &Result{
		Pushed:    int(c.pushed.Load()),
		Pulled:    int(c.pulled.Load()),
		Conflicts: int(c.conflicts.Load()),
		Rejected:  int(c.rejected.Load()),
	}
}

// adoptSyncLock hands the database sync lock over to the connection.
// It fails if the connection is already closed.
func (c *connection) adoptSyncLock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.ownsLock = true
	return true
}

func (c *connection) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return transport.ErrClosed
}

// close tears the connection down. Records in flight stay dirty.
func (c *connection) close(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if cause != nil && !errors.Is(cause, context.Canceled) {
		c.err = cause
	}
	ownsLock := c.ownsLock
	c.ownsLock = false
	c.inflight = make(map[flightKey]*sentRecord)
	c.mu.Unlock()

	c.cancel()
	c.conn.Close()
	close(c.done)

	c.syncer.forget(c)
	c.db().Detach(c)
	if ownsLock {
		c.db().UnlockSync()
	}
}

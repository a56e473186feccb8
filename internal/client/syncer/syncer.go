// Package syncer runs sync sessions between a local database and a sync server:
// it pulls remote changes, pushes local ones and keeps both in step while a
// continuous session is open.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/iudanet/synceddb/internal/client/db"
	"github.com/iudanet/synceddb/internal/client/transport"
	"github.com/iudanet/synceddb/pkg/api"
)

// Options controls a sync session
type Options struct {
	// Continuously keeps the connection open after the initial exchange and
	// pushes every later local change as soon as it is committed
	Continuously bool
}

// Result summarises a sync session
type Result struct {
	Pushed    int
	Pulled    int
	Conflicts int
	Rejected  int
}

// Option configures a Syncer
type Option func(*Syncer)

// WithHandshake runs fn on every new connection before any sync traffic
func WithHandshake(fn func(ctx context.Context, conn transport.Conn) error) Option {
	return func(s *Syncer) {
		s.handshake = fn
	}
}

// Syncer manages the connection and sync sessions of one database
type Syncer struct {
	db        *db.Database
	dial      transport.Dialer
	handshake func(ctx context.Context, conn transport.Conn) error
	logger    *slog.Logger
	conn      *connection
	mu        sync.Mutex
}

// New creates a Syncer for database using dial to reach the server
func New(database *db.Database, dial transport.Dialer, logger *slog.Logger, opts ...Option) *Syncer {
	s := &Syncer{
		db:     database,
		dial:   dial,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect opens the connection if it is not open yet
func (s *Syncer) Connect(ctx context.Context) error {
	_, err := s.connect(ctx)
	return err
}

// Connected reports whether a connection is open
func (s *Syncer) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Disconnect closes the connection. A continuous session ends with it and
// the records it had in flight stay dirty for the next session.
func (s *Syncer) Disconnect() {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c != nil {
		c.close(nil)
	}
}

// Wait blocks until the open connection closes or ctx is done and returns
// the fault that closed the connection, if any
func (s *Syncer) Wait(ctx context.Context) error {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send writes an application message on the open connection
func (s *Syncer) Send(ctx context.Context, msg api.Message) error {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}
	return c.send(ctx, msg)
}

// Sync pulls the changes of stores (all stores if empty) and then pushes
// local changes. Only one session runs at a time; a concurrent call fails
// with db.ErrAlreadySyncing.
func (s *Syncer) Sync(ctx context.Context, stores []string, opts Options) (*Result, error) {
	return s.session(ctx, stores, opts, true, true)
}

// PushToRemote sends the local changes of stores without pulling
func (s *Syncer) PushToRemote(ctx context.Context, stores ...string) (*Result, error) {
	return s.session(ctx, stores, Options{}, false, true)
}

// PullFromRemote applies the server changes of stores without pushing
func (s *Syncer) PullFromRemote(ctx context.Context, stores ...string) (*Result, error) {
	return s.session(ctx, stores, Options{}, true, false)
}

// ResetRemote asks the server to drop its change log and waits for the reply
func (s *Syncer) ResetRemote(ctx context.Context) error {
	c, err := s.connect(ctx)
	if err != nil {
		return err
	}

	done := c.awaitReset()
	if err := c.send(ctx, &api.Reset{}); err != nil {
		return err
	}
	if err := c.wait(ctx, done); err != nil {
		return fmt.Errorf("failed to reset server: %w", err)
	}
	s.logger.Info("Server change log reset")
	return nil
}

func (s *Syncer) session(ctx context.Context, stores []string, opts Options, pull, push bool) (*Result, error) {
	if len(stores) == 0 {
		stores = s.db.StoreNames()
	}
	for _, name := range stores {
		if !s.db.HasStore(name) {
			return nil, fmt.Errorf("unknown store %q", name)
		}
	}

	if err := s.db.TryLockSync(); err != nil {
		return nil, err
	}

	c, err := s.connect(ctx)
	if err != nil {
		s.db.UnlockSync()
		return nil, err
	}

	s.logger.Info("Starting synchronization", "stores", stores, "continuous", opts.Continuously)

	c.resetStats()
	s.db.Attach(c, false)

	err = s.exchange(ctx, c, stores, pull, push)
	res := c.stats()
	if err != nil {
		s.logger.Error("Synchronization failed", "error", err)
		c.close(err)
		s.db.UnlockSync()
		return res, err
	}

	if opts.Continuously {
		// Соединение и блокировка переходят к сессии до её закрытия
		if !c.adoptSyncLock() {
			s.db.UnlockSync()
			return res, c.closeErr()
		}
		s.db.Attach(c, true)
		s.logger.Info("Continuous synchronization started", "pushed", res.Pushed, "pulled", res.Pulled)
		return res, nil
	}

	c.close(nil)
	s.db.UnlockSync()

	s.logger.Info("Synchronization completed",
		"pushed", res.Pushed,
		"pulled", res.Pulled,
		"conflicts", res.Conflicts,
		"rejected", res.Rejected,
	)
	return res, nil
}

func (s *Syncer) exchange(ctx context.Context, c *connection, stores []string, pull, push bool) error {
	if pull {
		if err := c.pull(ctx, stores); err != nil {
			return fmt.Errorf("failed to pull changes: %w", err)
		}
	}
	if push {
		if err := c.push(ctx, stores); err != nil {
			return fmt.Errorf("failed to push changes: %w", err)
		}
	}
	return nil
}

func (s *Syncer) connect(ctx context.Context) (*connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return s.conn, nil
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if s.handshake != nil {
		if err := s.handshake(ctx, conn); err != nil {
			conn.Close()
			return nil, err
		}
	}

	c := newConnection(s, conn)
	s.conn = c
	go c.readLoop()

	s.logger.Debug("Connected to sync server")
	return c, nil
}

func (s *Syncer) forget(c *connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == c {
		s.conn = nil
	}
}

// Package hub serves sync clients over WebSocket. One goroutine dispatches
// every inbound message, so handlers see a single global order of messages
// and need no locking of session state.
package hub

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/iudanet/synceddb/internal/server/storage"
	"github.com/iudanet/synceddb/pkg/api"
)

// HandlerFunc handles one inbound message
type HandlerFunc func(ctx context.Context, req *Request) error

// ConnectFunc is called when a peer connects, before any of its messages
type ConnectFunc func(ctx context.Context, s *Session) error

// Options configures the hub
type Options struct {
	CheckOrigin func(r *http.Request) bool
	// SessionInit runs for every upgraded request before the peer is registered
	SessionInit    func(r *http.Request, s *Session)
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64
	SendBuffer     int
}

func (o *Options) setDefaults() {
	if o.WriteWait == 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait == 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod == 0 {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.MaxMessageSize == 0 {
		o.MaxMessageSize = 1 << 20
	}
	if o.SendBuffer == 0 {
		o.SendBuffer = 1024
	}
	if o.CheckOrigin == nil {
		o.CheckOrigin = func(*http.Request) bool { return true }
	}
}

type inbound struct {
	peer *peer
	msg  api.Message
}

// Hub tracks connected peers and dispatches their messages
type Hub struct {
	changes    storage.ChangeLog
	logger     *slog.Logger
	handlers   map[api.Type]HandlerFunc
	onConnect  ConnectFunc
	peers      map[string]*peer
	register   chan *peer
	unregister chan *peer
	incoming   chan inbound
	quit       chan struct{}
	upgrader   websocket.Upgrader
	opts       Options
	mu         sync.RWMutex
}

// New creates a hub over a change log. Handlers must be registered before Run.
func New(changes storage.ChangeLog, logger *slog.Logger, opts Options) *Hub {
	opts.setDefaults()
	return &Hub{
		changes:    changes,
		logger:     logger,
		handlers:   make(map[api.Type]HandlerFunc),
		peers:      make(map[string]*peer),
		register:   make(chan *peer),
		unregister: make(chan *peer),
		incoming:   make(chan inbound),
		quit:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		opts: opts,
	}
}

// Handle sets the handler for a message type, replacing any previous one
func (h *Hub) Handle(t api.Type, fn HandlerFunc) {
	h.handlers[t] = fn
}

// Handler returns the handler for a message type
func (h *Hub) Handler(t api.Type) HandlerFunc {
	return h.handlers[t]
}

// OnConnect sets the connect hook
func (h *Hub) OnConnect(fn ConnectFunc) {
	h.onConnect = fn
}

// Connections returns the number of connected peers
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Run dispatches messages until ctx is cancelled, then closes every peer
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.quit)
		h.mu.Lock()
		peers := h.peers
		h.peers = make(map[string]*peer)
		h.mu.Unlock()
		for _, p := range peers {
			p.close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case p := <-h.register:
			h.add(ctx, p)
		case p := <-h.unregister:
			h.drop(p)
		case in := <-h.incoming:
			h.dispatch(ctx, in)
		}
	}
}

// ServeHTTP upgrades the request to a WebSocket connection
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade connection", "error", err, "remote", r.RemoteAddr)
		return
	}

	p := newPeer(h, conn, uuid.NewString(), r.RemoteAddr)
	if h.opts.SessionInit != nil {
		h.opts.SessionInit(r, p.session)
	}

	select {
	case h.register <- p:
	case <-h.quit:
		conn.Close()
		return
	}

	go p.writePump()
	go p.readPump()
}

func (h *Hub) add(ctx context.Context, p *peer) {
	h.mu.Lock()
	h.peers[p.session.ID] = p
	h.mu.Unlock()

	h.logger.Info("Client connected", "session", p.session.ID, "remote", p.session.Remote)

	if h.onConnect != nil {
		if err := h.onConnect(ctx, p.session); err != nil {
			h.logger.Warn("Connect hook refused client", "session", p.session.ID, "error", err)
			h.drop(p)
		}
	}
}

func (h *Hub) drop(p *peer) {
	h.mu.Lock()
	_, ok := h.peers[p.session.ID]
	delete(h.peers, p.session.ID)
	h.mu.Unlock()

	p.close()
	if ok {
		h.logger.Info("Client disconnected", "session", p.session.ID)
	}
}

func (h *Hub) dispatch(ctx context.Context, in inbound) {
	t := in.msg.MessageType()
	fn := h.handlers[t]
	if fn == nil {
		h.logger.Warn("No handler for message", "type", t, "session", in.peer.session.ID)
		return
	}

	req := &Request{Session: in.peer.session, Message: in.msg, Changes: h.changes, hub: h}
	if err := fn(ctx, req); err != nil {
		h.logger.Error("Handler failed", "type", t, "session", in.peer.session.ID, "error", err)
	}
}

// broadcast queues data for every peer subscribed to store except from
func (h *Hub) broadcast(from *Session, store string, data []byte) {
	h.mu.RLock()
	var targets []*peer
	for _, p := range h.peers {
		if p.session != from && p.session.Subscribed(store) {
			targets = append(targets, p)
		}
	}
	h.mu.RUnlock()

	for _, p := range targets {
		if !p.trySend(data) {
			h.logger.Warn("Send buffer full, dropping client", "session", p.session.ID)
			h.drop(p)
		}
	}
}

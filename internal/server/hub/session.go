package hub

import (
	"context"
	"errors"

	"github.com/iudanet/synceddb/internal/server/storage"
	"github.com/iudanet/synceddb/pkg/api"
)

// ErrPeerGone is returned when sending to a disconnected peer
var ErrPeerGone = errors.New("peer disconnected")

// Session is the server-side state of one connection. It is only touched
// from the hub goroutine.
type Session struct {
	values     map[string]any
	subscribed map[string]bool
	peer       *peer
	ID         string
	Remote     string
}

// Set stores a connection-scoped value
func (s *Session) Set(key string, v any) {
	s.values[key] = v
}

// Get returns a connection-scoped value
func (s *Session) Get(key string) (any, bool) {
	v, ok := s.values[key]
	return v, ok
}

// Subscribe marks that the peer wants live changes of store
func (s *Session) Subscribe(store string) {
	s.subscribed[store] = true
}

// Subscribed reports whether the peer requested changes of store
func (s *Session) Subscribed(store string) bool {
	return s.subscribed[store]
}

// Send queues msg for the peer, waiting for buffer space
func (s *Session) Send(ctx context.Context, msg api.Message) error {
	data, err := api.Encode(msg)
	if err != nil {
		return err
	}
	return s.peer.send(ctx, data)
}

// Close disconnects the peer. Safe to call from any goroutine.
func (s *Session) Close() {
	s.peer.close()
}

// Request is one inbound message together with its context
type Request struct {
	Message api.Message
	Changes storage.ChangeLog
	Session *Session
	hub     *Hub
}

// Reply sends msg to the peer that sent the request
func (r *Request) Reply(ctx context.Context, msg api.Message) error {
	return r.Session.Send(ctx, msg)
}

// Broadcast sends msg to every other peer subscribed to store
func (r *Request) Broadcast(store string, msg api.Message) error {
	data, err := api.Encode(msg)
	if err != nil {
		return err
	}
	r.hub.broadcast(r.Session, store, data)
	return nil
}

// Package transport carries wire messages between a sync client and the server.
package transport

import (
	"context"
	"errors"

	"github.com/iudanet/synceddb/pkg/api"
)

//go:generate moq -out conn_mock.go . Conn

// ErrClosed is returned by operations on a closed connection
var ErrClosed = errors.New("connection closed")

// Conn is an ordered, message-framed duplex connection
type Conn interface {
	// Send writes one message. Safe for concurrent use.
	Send(ctx context.Context, msg api.Message) error

	// Receive blocks until the next message arrives. It must be called from
	// a single goroutine.
	Receive(ctx context.Context) (api.Message, error)

	// Close closes the connection; pending Receive calls return ErrClosed
	Close() error
}

// Dialer opens a new connection
type Dialer func(ctx context.Context) (Conn, error)

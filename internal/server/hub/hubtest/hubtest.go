// Package hubtest runs a hub behind an httptest server for tests
package hubtest

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iudanet/synceddb/internal/client/transport"
	"github.com/iudanet/synceddb/internal/server/hub"
	"github.com/iudanet/synceddb/internal/server/storage"
	"github.com/iudanet/synceddb/pkg/api"
)

// Timeout bounds every receive in tests
const Timeout = 5 * time.Second

// Server is a running hub
type Server struct {
	Hub     *hub.Hub
	Changes storage.ChangeLog
	stop    context.CancelFunc
	URL     string
}

// Stop stops the hub, closing every connected peer. The HTTP server keeps
// accepting upgrades that are never served.
func (s *Server) Stop() {
	s.stop()
}

// Start serves a hub over changes. register installs handlers before Run;
// wrap, if set, wraps the WebSocket handler.
func Start(t *testing.T, changes storage.ChangeLog, opts hub.Options, register func(h *hub.Hub), wrap func(http.Handler) http.Handler) *Server {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := hub.New(changes, logger, opts)
	if register != nil {
		register(h)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	var handler http.Handler = h
	if wrap != nil {
		handler = wrap(handler)
	}
	srv := httptest.NewServer(handler)

	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	return &Server{
		Hub:     h,
		Changes: changes,
		stop:    cancel,
		URL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

// Dial connects a client to the server
func (s *Server) Dial(t *testing.T, header http.Header) *transport.WSConn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()

	conn, err := transport.Dial(ctx, s.URL, transport.Options{
		Header: header,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// Send sends msg or fails the test
func Send(t *testing.T, conn transport.Conn, msg api.Message) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()
	require.NoError(t, conn.Send(ctx, msg))
}

// Receive waits for the next message or fails the test
func Receive(t *testing.T, conn transport.Conn) api.Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()

	msg, err := conn.Receive(ctx)
	require.NoError(t, err)
	return msg
}

// ReceiveAs waits for the next message and asserts its type
func ReceiveAs[T api.Message](t *testing.T, conn transport.Conn) T {
	t.Helper()

	msg := Receive(t, conn)
	typed, ok := msg.(T)
	require.Truef(t, ok, "expected %T, got %T (%+v)", *new(T), msg, msg)
	return typed
}

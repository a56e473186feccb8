package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iudanet/synceddb/pkg/api"
)

// Options configures a WebSocket connection
type Options struct {
	Header           http.Header
	Logger           *slog.Logger
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	PongWait         time.Duration
	PingPeriod       time.Duration
}

func (o *Options) setDefaults() {
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteWait == 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait == 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingPeriod == 0 {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// WSConn is a Conn over a gorilla/websocket connection.
// Each message is one text frame holding one JSON object.
type WSConn struct {
	conn      *websocket.Conn
	logger    *slog.Logger
	done      chan struct{}
	opts      Options
	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Dial connects to a sync server, e.g. ws://localhost:8080/ws
func Dial(ctx context.Context, url string, opts Options) (*WSConn, error) {
	opts.setDefaults()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	c := &WSConn{
		conn:   conn,
		logger: opts.Logger,
		done:   make(chan struct{}),
		opts:   opts,
	}

	conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(opts.PongWait))
	})

	go c.pingLoop()

	return c, nil
}

// NewDialer returns a Dialer for url
func NewDialer(url string, opts Options) Dialer {
	return func(ctx context.Context) (Conn, error) {
		return Dial(ctx, url, opts)
	}
}

// Send writes msg as one text frame
func (c *WSConn) Send(ctx context.Context, msg api.Message) error {
	data, err := api.Encode(msg)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.opts.WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return c.wrapErr(err)
	}
	return nil
}

// Receive reads the next message. Cancelling ctx interrupts the read and
// leaves the connection unusable.
func (c *WSConn) Receive(ctx context.Context) (api.Message, error) {
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, c.wrapErr(err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		// Любое входящее сообщение продлевает срок жизни соединения
		c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		msg, err := api.Decode(data)
		if err != nil {
			c.logger.Warn("Dropping undecodable message", "error", err)
			continue
		}
		return msg, nil
	}
}

// Close sends a close frame and closes the connection
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *WSConn) pingLoop() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("Ping failed", "error", err)
				return
			}
		}
	}
}

func (c *WSConn) wrapErr(err error) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return fmt.Errorf("%w: %s", ErrClosed, closeErr.Error())
	}
	return err
}

package hub

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iudanet/synceddb/pkg/api"
)

type peer struct {
	hub       *Hub
	conn      *websocket.Conn
	session   *Session
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newPeer(h *Hub, conn *websocket.Conn, id, remote string) *peer {
	p := &peer{
		hub:  h,
		conn: conn,
		out:  make(chan []byte, h.opts.SendBuffer),
		done: make(chan struct{}),
	}
	p.session = &Session{
		ID:         id,
		Remote:     remote,
		values:     make(map[string]any),
		subscribed: make(map[string]bool),
		peer:       p,
	}
	return p
}

func (p *peer) send(ctx context.Context, data []byte) error {
	select {
	case p.out <- data:
		return nil
	case <-p.done:
		return ErrPeerGone
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *peer) trySend(data []byte) bool {
	select {
	case <-p.done:
		return true
	default:
	}
	select {
	case p.out <- data:
		return true
	default:
		return false
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}

func (p *peer) readPump() {
	h := p.hub
	defer func() {
		select {
		case h.unregister <- p:
		case <-h.quit:
		}
		p.close()
	}()

	p.conn.SetReadLimit(h.opts.MaxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("WebSocket read failed", "session", p.session.ID, "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		p.conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))

		msg, err := api.Decode(data)
		if err != nil {
			h.logger.Warn("Malformed message", "session", p.session.ID, "error", err)
			if reply, encErr := api.Encode(&api.Reject{Description: "malformed message: " + err.Error()}); encErr == nil {
				p.trySend(reply)
			}
			continue
		}

		select {
		case h.incoming <- inbound{peer: p, msg: msg}:
		case <-p.done:
			return
		case <-h.quit:
			return
		}
	}
}

// writePump writes one message per frame and keeps the connection alive
func (p *peer) writePump() {
	h := p.hub
	ticker := time.NewTicker(h.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case data := <-p.out:
			p.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.close()
				return
			}

		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.close()
				return
			}

		case <-p.done:
			// Дописываем то, что уже в очереди, затем закрываем
			for {
				select {
				case data := <-p.out:
					p.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteWait))
					if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
						return
					}
				default:
					p.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(h.opts.WriteWait))
					return
				}
			}
		}
	}
}

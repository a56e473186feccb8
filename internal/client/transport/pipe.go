package transport

import (
	"context"
	"sync"

	"github.com/iudanet/synceddb/pkg/api"
)

const pipeBuffer = 1024

// Pipe returns two connected in-memory Conns. Messages pass through the wire
// codec, so both ends see exactly what a network peer would.
func Pipe() (Conn, Conn) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	aDone := make(chan struct{})
	bDone := make(chan struct{})

	a := &pipeConn{send: ab, recv: ba, done: aDone, peerDone: bDone}
	b := &pipeConn{send: ba, recv: ab, done: bDone, peerDone: aDone}
	return a, b
}

type pipeConn struct {
	send      chan<- []byte
	recv      <-chan []byte
	done      chan struct{}
	peerDone  <-chan struct{}
	closeOnce sync.Once
}

func (p *pipeConn) Send(ctx context.Context, msg api.Message) error {
	data, err := api.Encode(msg)
	if err != nil {
		return err
	}

	select {
	case <-p.done:
		return ErrClosed
	case <-p.peerDone:
		return ErrClosed
	default:
	}

	select {
	case p.send <- data:
		return nil
	case <-p.done:
		return ErrClosed
	case <-p.peerDone:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Receive(ctx context.Context) (api.Message, error) {
	select {
	case data := <-p.recv:
		return api.Decode(data)
	case <-p.done:
		return nil, ErrClosed
	case <-p.peerDone:
		// Дочитываем то, что пир успел отправить до закрытия
		select {
		case data := <-p.recv:
			return api.Decode(data)
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

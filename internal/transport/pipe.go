package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
)

const pipeBuffer = 1024

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }

// PipeListener is an in-memory Listener and Dialer. Each Dial produces a
// connected pair; the far end is handed to Accept. The drop filters
// simulate a lossy link: a message for which a filter returns true is
// silently discarded.
type PipeListener struct {
	// DropToServer filters client-to-server messages. Set before Dial.
	DropToServer func(msg []byte) bool
	// DropToClient filters server-to-client messages. Set before Dial.
	DropToClient func(msg []byte) bool

	accept chan *pipeConn
	done   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	conns map[*pipeConn]struct{}
	seq   int
}

var (
	_ Listener = (*PipeListener)(nil)
	_ Dialer   = (*PipeListener)(nil)
	_ Conn     = (*pipeConn)(nil)
)

// NewPipeListener returns an open pipe listener.
func NewPipeListener() *PipeListener {
	return &PipeListener{
		accept: make(chan *pipeConn, 16),
		done:   make(chan struct{}),
		conns:  make(map[*pipeConn]struct{}),
	}
}

// Dial connects a new client. addr is ignored.
func (l *PipeListener) Dial(ctx context.Context, _ string) (Conn, error) {
	select {
	case <-l.done:
		return nil, ErrClosed
	default:
	}

	l.mu.Lock()
	if l.conns == nil {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	l.seq++
	client := newPipeConn(pipeAddr(fmt.Sprintf("pipe-client-%d", l.seq)), l.DropToServer)
	server := newPipeConn(pipeAddr(fmt.Sprintf("pipe-server-%d", l.seq)), l.DropToClient)
	client.peer, server.peer = server, client
	l.conns[client] = struct{}{}
	l.conns[server] = struct{}{}
	l.mu.Unlock()

	select {
	case l.accept <- server:
		return client, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *PipeListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *PipeListener) Addr() net.Addr { return pipeAddr("pipe") }

// Close stops accepting and closes every connection it produced.
func (l *PipeListener) Close() error {
	l.once.Do(func() { close(l.done) })

	l.mu.Lock()
	conns := make([]*pipeConn, 0, len(l.conns))
	for c := range l.conns {
		conns = append(conns, c)
	}
	l.conns = nil
	l.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return nil
}

type pipeConn struct {
	addr pipeAddr
	peer *pipeConn
	drop func([]byte) bool

	in   chan []byte
	done chan struct{}
	once sync.Once
}

func newPipeConn(addr pipeAddr, drop func([]byte) bool) *pipeConn {
	return &pipeConn{
		addr: addr,
		drop: drop,
		in:   make(chan []byte, pipeBuffer),
		done: make(chan struct{}),
	}
}

func (c *pipeConn) Send(ctx context.Context, msg []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	case <-c.peer.done:
		return ErrClosed
	default:
	}
	if c.drop != nil && c.drop(msg) {
		return nil
	}
	cp := append([]byte(nil), msg...)
	select {
	case c.peer.in <- cp:
		return nil
	case <-c.peer.done:
		return ErrClosed
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.done:
		return nil, ErrClosed
	case <-c.peer.done:
		// Deliver what the peer sent before it closed.
		select {
		case msg := <-c.in:
			return msg, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctxErr(ctx)
	}
}

func (c *pipeConn) RemoteAddr() net.Addr { return c.peer.addr }

func (c *pipeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

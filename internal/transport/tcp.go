package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// TCPListener accepts framed TCP connections.
type TCPListener struct {
	ln *net.TCPListener
}

var _ Listener = (*TCPListener)(nil)

// ListenTCP listens on addr, e.g. ":7000".
func ListenTCP(addr string) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", addr, err)
	}
	return &TCPListener{ln: ln.(*net.TCPListener)}, nil
}

// Accept waits for the next connection or for ctx to end.
func (l *TCPListener) Accept(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_ = l.ln.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() {
		_ = l.ln.SetDeadline(time.Now())
	})
	defer stop()

	c, err := l.ln.AcceptTCP()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("accept tcp: %w", err)
	}
	_ = c.SetNoDelay(true)
	return NewStreamConn(c, c.LocalAddr(), c.RemoteAddr()), nil
}

func (l *TCPListener) Addr() net.Addr { return l.ln.Addr() }

func (l *TCPListener) Close() error { return l.ln.Close() }

// TCPDialer dials framed TCP connections.
type TCPDialer struct {
	// Timeout bounds connection setup. Zero leaves it to ctx.
	Timeout time.Duration
}

var _ Dialer = TCPDialer{}

func (d TCPDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	nd := net.Dialer{Timeout: d.Timeout}
	c, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial tcp %s: %w", addr, err)
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return NewStreamConn(c, c.LocalAddr(), c.RemoteAddr()), nil
}

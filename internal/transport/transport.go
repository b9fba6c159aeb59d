// Package transport carries whole protocol messages between a client and
// the server. Every implementation preserves message boundaries and order;
// loss is allowed only on the in-memory pipe used by tests.
package transport

import (
	"context"
	"errors"
	"net"
)

var (
	// ErrTimeout is returned by Receive when its context deadline passes.
	ErrTimeout = errors.New("transport: receive timeout")
	// ErrClosed is returned once either side has closed the connection.
	ErrClosed = errors.New("transport: connection closed")
	// ErrFrameTooLarge is returned for a message longer than the protocol allows.
	ErrFrameTooLarge = errors.New("transport: frame too large")
)

// Conn is a message-oriented connection. Send and Receive may be called
// from different goroutines, but neither is safe for concurrent use with
// itself.
type Conn interface {
	Send(ctx context.Context, msg []byte) error
	// Receive blocks for the next message. A context that expires yields
	// an error wrapping ErrTimeout and leaves the connection usable.
	Receive(ctx context.Context) ([]byte, error)
	RemoteAddr() net.Addr
	Close() error
}

// Listener accepts connections for the server.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Close() error
}

// Dialer opens client connections.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// IsTimeout reports whether err is a receive timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

func ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}

// Package transferquic carries transfer sessions over QUIC. Each client
// connection opens one bidirectional stream, framed like TCP.
package transferquic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/sheerbytes/chunkftp/internal/quictransport"
	"github.com/sheerbytes/chunkftp/internal/transport"
)

var (
	_ transport.Listener = (*Listener)(nil)
	_ transport.Dialer   = (*Dialer)(nil)
)

// Listener accepts QUIC connections and their first stream.
type Listener struct {
	mu       sync.Mutex
	listener *quic.Listener
	logger   *slog.Logger
	closed   bool
}

// Listen starts a QUIC listener on addr.
func Listen(addr string, logger *slog.Logger) (*Listener, error) {
	ln, err := quictransport.Listen(addr, logger, nil)
	if err != nil {
		return nil, err
	}
	return NewListener(ln, logger), nil
}

// NewListener wraps an existing quic-go listener.
func NewListener(listener *quic.Listener, logger *slog.Logger) *Listener {
	return &Listener{listener: listener, logger: logger}
}

// Accept waits for a connection and its session stream.
func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, transport.ErrClosed
	}
	listener := l.listener
	l.mu.Unlock()

	conn, err := listener.Accept(ctx)
	if err != nil {
		if errors.Is(err, quic.ErrServerClosed) {
			return nil, transport.ErrClosed
		}
		return nil, fmt.Errorf("accept QUIC connection: %w", err)
	}
	l.logger.Debug("QUIC connection accepted", "remote_addr", conn.RemoteAddr())

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("accept QUIC stream: %w", err)
	}
	return wrap(conn, stream), nil
}

func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.listener.Close(); err != nil {
		return fmt.Errorf("close QUIC listener: %w", err)
	}
	return nil
}

// Dialer opens one QUIC connection and stream per Dial.
type Dialer struct {
	Logger *slog.Logger
	Config *quic.Config
}

func (d *Dialer) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := quictransport.Dial(ctx, addr, logger, d.Config)
	if err != nil {
		return nil, fmt.Errorf("dial QUIC %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("open QUIC stream: %w", err)
	}
	logger.Debug("QUIC stream opened", "stream_id", stream.StreamID())
	return wrap(conn, stream), nil
}

// sessionStream closes the whole connection along with its only stream.
type sessionStream struct {
	*quic.Stream
	conn *quic.Conn
	once sync.Once
}

func (s *sessionStream) Close() error {
	var err error
	s.once.Do(func() {
		s.Stream.CancelRead(0)
		err = s.Stream.Close()
		if cerr := s.conn.CloseWithError(0, ""); err == nil {
			err = cerr
		}
	})
	return err
}

func wrap(conn *quic.Conn, stream *quic.Stream) *transport.StreamConn {
	return transport.NewStreamConn(&sessionStream{Stream: stream, conn: conn}, conn.LocalAddr(), conn.RemoteAddr())
}

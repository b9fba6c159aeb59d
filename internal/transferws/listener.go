package transferws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/chunkftp/internal/transport"
	"github.com/sheerbytes/chunkftp/pkg/protocol"
)

// Listener upgrades HTTP requests on Path and hands the resulting
// connections to Accept.
type Listener struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader
	accept   chan *Conn
	done     chan struct{}
	once     sync.Once

	ln  net.Listener
	srv *http.Server
}

var _ transport.Listener = (*Listener)(nil)

// Listen serves WebSocket upgrades on addr.
func Listen(addr string, logger *slog.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen websocket %s: %w", addr, err)
	}
	l := NewListener(logger)
	l.ln = ln
	mux := http.NewServeMux()
	mux.Handle(Path, l)
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("websocket server stopped", "error", err)
		}
	}()
	return l, nil
}

// NewListener returns a Listener that is also an http.Handler, for mounting
// on an existing server.
func NewListener(logger *slog.Logger) *Listener {
	return &Listener{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  protocol.MaxMessageSize,
			WriteBufferSize: protocol.MaxMessageSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		accept: make(chan *Conn, 16),
		done:   make(chan struct{}),
	}
}

// ServeHTTP upgrades one request.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-l.done:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	c := newConn(ws, l.logger)
	select {
	case l.accept <- c:
	case <-l.done:
		c.Close()
	case <-r.Context().Done():
		c.Close()
	}
}

func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case <-l.done:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr returns the bound address, or nil for a handler-only Listener.
func (l *Listener) Addr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		if l.srv != nil {
			err = l.srv.Close()
		}
	})
	return err
}

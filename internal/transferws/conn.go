// Package transferws carries transfer sessions over WebSocket binary
// messages, for ground networks that only pass HTTP.
package transferws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/chunkftp/internal/transport"
	"github.com/sheerbytes/chunkftp/pkg/protocol"
)

// Path is the HTTP path the server upgrades on.
const Path = "/ftp"

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = 60 * time.Second
)

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// Conn is a transport.Conn over one WebSocket. One WebSocket message
// carries one protocol message.
type Conn struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	in   chan []byte
	done chan struct{}
	once sync.Once

	errMu   sync.Mutex
	readErr error
}

var _ transport.Conn = (*Conn)(nil)

func newConn(ws *websocket.Conn, logger *slog.Logger) *Conn {
	ws.SetReadLimit(protocol.MaxMessageSize)
	c := &Conn{
		conn:   ws,
		logger: logger,
		in:     make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	return c
}

// Dial connects to a server. addr is either host:port or a full ws:// URL.
func Dial(ctx context.Context, addr string, logger *slog.Logger) (*Conn, error) {
	u, err := dialURL(addr)
	if err != nil {
		return nil, err
	}

	ws, resp, err := dialer.DialContext(ctx, u, http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}
	return newConn(ws, logger), nil
}

func dialURL(addr string) (string, error) {
	if u, err := url.Parse(addr); err == nil && (u.Scheme == "ws" || u.Scheme == "wss") {
		if u.Path == "" {
			u.Path = Path
		}
		return u.String(), nil
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", fmt.Errorf("websocket address %q: %w", addr, err)
	}
	return (&url.URL{Scheme: "ws", Host: addr, Path: Path}).String(), nil
}

// Dialer adapts Dial to transport.Dialer.
type Dialer struct {
	Logger *slog.Logger
}

var _ transport.Dialer = (*Dialer)(nil)

func (d *Dialer) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return Dial(ctx, addr, logger)
}

func (c *Conn) readLoop() {
	defer close(c.in)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			c.errMu.Lock()
			c.readErr = err
			c.errMu.Unlock()
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if messageType != websocket.BinaryMessage {
			continue
		}
		select {
		case c.in <- message:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Send writes msg as one binary message.
func (c *Conn) Send(ctx context.Context, msg []byte) error {
	if len(msg) > protocol.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", transport.ErrFrameTooLarge, len(msg))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
			return transport.ErrClosed
		}
		return fmt.Errorf("websocket send: %w", err)
	}
	return nil
}

// Receive returns the next binary message.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-c.in:
		if !ok {
			c.errMu.Lock()
			err := c.readErr
			c.errMu.Unlock()
			var ce *websocket.CloseError
			if err == nil || errors.As(err, &ce) || errors.Is(err, net.ErrClosed) {
				return nil, transport.ErrClosed
			}
			return nil, fmt.Errorf("%w: %w", transport.ErrClosed, err)
		}
		return msg, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, transport.ErrTimeout
		}
		return nil, ctx.Err()
	case <-c.done:
		return nil, transport.ErrClosed
	}
}

func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Close sends a close frame and tears down the socket.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
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

// Package client drives transfers against a remote server: upload,
// download, and the listing, move and remove operations. The local side of
// a transfer goes through a backend handle, so a download resumes from its
// sidecar exactly as a server-side upload does.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sheerbytes/chunkftp/internal/backend"
	"github.com/sheerbytes/chunkftp/internal/logging"
	"github.com/sheerbytes/chunkftp/internal/progress"
	"github.com/sheerbytes/chunkftp/internal/transport"
	"github.com/sheerbytes/chunkftp/pkg/protocol"
)

const (
	// DefaultChunkSize suits a narrow ground link.
	DefaultChunkSize = 1024
	// DefaultTimeout bounds each receive.
	DefaultTimeout = 5 * time.Second
	// DefaultMaxStalls is the number of consecutive status rounds without
	// progress tolerated before a transfer gives up.
	DefaultMaxStalls = 5
)

var (
	// ErrCRCMismatch means the transferred artifact does not match its
	// source checksum.
	ErrCRCMismatch = errors.New("crc mismatch")
	// ErrStalled means repeated status rounds made no progress.
	ErrStalled = errors.New("transfer stalled")
	// ErrBadReply means the server sent a malformed or unexpected message.
	ErrBadReply = errors.New("bad reply")
)

// RemoteError carries a non-OK result from the server.
type RemoteError struct {
	Op     string
	Result protocol.Result
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Result)
}

func (e *RemoteError) Unwrap() error { return e.Result }

// Options configures a Client.
type Options struct {
	Dialer transport.Dialer
	Addr   string
	// Local stores the client side of transfers.
	Local  backend.Backend
	Logger *slog.Logger

	ChunkSize uint32
	Timeout   time.Duration
	MaxStalls int
	// Meter, when set, is started at the beginning of every transfer and
	// fed as chunks complete.
	Meter *progress.Meter
}

// Client runs operations against one server. Each operation uses its own
// connection, so a Client may run several at once.
type Client struct {
	dialer    transport.Dialer
	addr      string
	local     backend.Backend
	logger    *slog.Logger
	chunkSize uint32
	timeout   time.Duration
	maxStalls int
	meter     *progress.Meter
}

// New returns a Client.
func New(opts Options) *Client {
	c := &Client{
		dialer:    opts.Dialer,
		addr:      opts.Addr,
		local:     opts.Local,
		logger:    opts.Logger,
		chunkSize: opts.ChunkSize,
		timeout:   opts.Timeout,
		maxStalls: opts.MaxStalls,
		meter:     opts.Meter,
	}
	if c.logger == nil {
		c.logger = logging.Discard()
	}
	if c.chunkSize == 0 {
		c.chunkSize = DefaultChunkSize
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.maxStalls <= 0 {
		c.maxStalls = DefaultMaxStalls
	}
	if c.meter == nil {
		c.meter = progress.NewMeter()
	}
	return c
}

// Remote names an artifact on the server.
type Remote struct {
	Backend uint8
	Path    string
	// MemAddr and MemSize address RAM blobs when Path is empty. MemAddr is
	// also the placement hint for uploads.
	MemAddr uint32
	MemSize uint32
}

// conn is one connection's send/receive state.
type conn struct {
	transport.Conn
	timeout time.Duration
	out     []byte
}

func (c *Client) dial(ctx context.Context) (*conn, error) {
	tc, err := c.dialer.Dial(ctx, c.addr)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", c.addr, err)
	}
	return &conn{Conn: tc, timeout: c.timeout}, nil
}

func (c *conn) send(ctx context.Context, m protocol.Message) error {
	var err error
	c.out, err = protocol.AppendMessage(c.out[:0], m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	sctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.Send(sctx, c.out); err != nil {
		return fmt.Errorf("send %s: %w", m.Type(), err)
	}
	return nil
}

func (c *conn) receive(ctx context.Context) (protocol.Message, error) {
	rctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	b, err := c.Receive(rctx)
	if err != nil {
		return nil, err
	}
	m, err := protocol.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadReply, err)
	}
	return m, nil
}

// finish sends the terminal Done or Abort of a transfer and waits for the
// server to hang up, which it does once the message has been applied.
// Stray messages still in flight are discarded.
func (c *conn) finish(ctx context.Context, m protocol.Message) error {
	if err := c.send(ctx, m); err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	for {
		if _, err := c.Receive(wctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if transport.IsTimeout(err) {
				return fmt.Errorf("waiting for server to confirm %s: %w", m.Type(), err)
			}
			return nil
		}
	}
}

// expect receives the next message and requires it to be a T.
func expect[T protocol.Message](ctx context.Context, c *conn) (T, error) {
	var zero T
	m, err := c.receive(ctx)
	if err != nil {
		return zero, fmt.Errorf("waiting for %s: %w", zero.Type(), err)
	}
	t, ok := m.(T)
	if !ok {
		return zero, fmt.Errorf("%w: got %s, want %s", ErrBadReply, m.Type(), zero.Type())
	}
	return t, nil
}

func checkRemote(op string, r protocol.Result) error {
	if r == protocol.ResultOK {
		return nil
	}
	return &RemoteError{Op: op, Result: r}
}

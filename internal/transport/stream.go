package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sheerbytes/chunkftp/pkg/protocol"
)

const frameHeaderLen = 4

// StreamConn frames messages over a reliable byte stream with a big-endian
// u32 length prefix. A background reader owns the read side, so a Receive
// that times out never leaves a half-read frame behind.
type StreamConn struct {
	rwc    io.ReadWriteCloser
	local  net.Addr
	remote net.Addr

	wmu  sync.Mutex
	wbuf []byte

	in   chan []byte
	done chan struct{}
	once sync.Once

	errMu   sync.Mutex
	readErr error
}

var _ Conn = (*StreamConn)(nil)

type writeDeadliner interface {
	SetWriteDeadline(time.Time) error
}

// NewStreamConn wraps rwc and starts its reader.
func NewStreamConn(rwc io.ReadWriteCloser, local, remote net.Addr) *StreamConn {
	c := &StreamConn{
		rwc:    rwc,
		local:  local,
		remote: remote,
		in:     make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *StreamConn) readLoop() {
	defer close(c.in)
	var hdr [frameHeaderLen]byte
	for {
		if _, err := io.ReadFull(c.rwc, hdr[:]); err != nil {
			c.setReadErr(err)
			return
		}
		n := binary.BigEndian.Uint32(hdr[:])
		if n > protocol.MaxMessageSize {
			c.setReadErr(fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n))
			return
		}
		msg := make([]byte, n)
		if _, err := io.ReadFull(c.rwc, msg); err != nil {
			c.setReadErr(err)
			return
		}
		select {
		case c.in <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *StreamConn) setReadErr(err error) {
	c.errMu.Lock()
	c.readErr = err
	c.errMu.Unlock()
}

func (c *StreamConn) closedErr() error {
	c.errMu.Lock()
	err := c.readErr
	c.errMu.Unlock()
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("%w: %w", ErrClosed, err)
}

// Send writes one framed message.
func (c *StreamConn) Send(ctx context.Context, msg []byte) error {
	if len(msg) > protocol.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(msg))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if wd, ok := c.rwc.(writeDeadliner); ok {
		deadline, _ := ctx.Deadline()
		_ = wd.SetWriteDeadline(deadline)
	}
	c.wbuf = binary.BigEndian.AppendUint32(c.wbuf[:0], uint32(len(msg)))
	c.wbuf = append(c.wbuf, msg...)
	if _, err := c.rwc.Write(c.wbuf); err != nil {
		if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
			return ErrClosed
		}
		return fmt.Errorf("transport send: %w", err)
	}
	return nil
}

// Receive returns the next message.
func (c *StreamConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-c.in:
		if !ok {
			return nil, c.closedErr()
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctxErr(ctx)
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *StreamConn) LocalAddr() net.Addr  { return c.local }
func (c *StreamConn) RemoteAddr() net.Addr { return c.remote }

// Close closes the underlying stream and stops the reader.
func (c *StreamConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.rwc.Close()
	})
	return err
}

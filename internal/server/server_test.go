package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/chunkftp/internal/backend"
	"github.com/sheerbytes/chunkftp/internal/backend/ram"
	"github.com/sheerbytes/chunkftp/internal/transfer"
	"github.com/sheerbytes/chunkftp/internal/transport"
	"github.com/sheerbytes/chunkftp/pkg/protocol"
)

type panicBackend struct{}

func (panicBackend) Name() string                  { return "panic" }
func (panicBackend) Open() (backend.Handle, error) { panic("boom") }

type rawConn struct {
	t    *testing.T
	ctx  context.Context
	conn transport.Conn
}

func (c *rawConn) send(m protocol.Message) {
	c.t.Helper()
	b, err := protocol.Encode(m)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.Send(c.ctx, b))
}

func (c *rawConn) recv() protocol.Message {
	c.t.Helper()
	b, err := c.conn.Receive(c.ctx)
	require.NoError(c.t, err)
	m, err := protocol.Decode(b)
	require.NoError(c.t, err)
	return m
}

// closed asserts the server hung up without sending anything.
func (c *rawConn) closed() {
	c.t.Helper()
	b, err := c.conn.Receive(c.ctx)
	assert.Nil(c.t, b)
	assert.True(c.t, errors.Is(err, transport.ErrClosed), "want close, got %v", err)
}

func start(t *testing.T, readTimeout time.Duration) (*transport.PipeListener, *ram.Backend, func()) {
	t.Helper()
	return startWith(t, readTimeout, nil)
}

func startWith(t *testing.T, readTimeout time.Duration, register func(*backend.Registry, *ram.Backend)) (*transport.PipeListener, *ram.Backend, func()) {
	t.Helper()
	reg := backend.NewRegistry()
	store := ram.New(ram.Options{})
	require.NoError(t, reg.Register(backend.IDRAM, store))
	require.NoError(t, reg.Register(7, panicBackend{}))
	if register != nil {
		register(reg, store)
	}

	ln := transport.NewPipeListener()
	srv := New(Options{
		Registry:    reg,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		ReadTimeout: readTimeout,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	stop := func() {
		cancel()
		require.NoError(t, <-done)
		ln.Close()
	}
	return ln, store, stop
}

func dial(t *testing.T, ln *transport.PipeListener) *rawConn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	c, err := ln.Dial(ctx, "")
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return &rawConn{t: t, ctx: ctx, conn: c}
}

func TestDataWhileIdleClosesWithoutReply(t *testing.T) {
	ln, _, stop := start(t, time.Second)
	defer stop()

	c := dial(t, ln)
	c.send(protocol.Data{Chunk: 0, Bytes: []byte{1}})
	c.closed()
}

func TestWrongStateDuringUploadIsFatal(t *testing.T) {
	ln, _, stop := start(t, time.Second)
	defer stop()

	c := dial(t, ln)
	c.send(protocol.UploadRequest{ChunkSize: 100, Size: 250, Backend: backend.IDRAM, Path: "/a"})
	require.Equal(t, protocol.UploadReply{Result: protocol.ResultOK}, c.recv())
	c.send(protocol.StatusReply{Total: 3})
	c.closed()
}

func TestOutOfRangeChunkIsFatal(t *testing.T) {
	ln, _, stop := start(t, time.Second)
	defer stop()

	c := dial(t, ln)
	c.send(protocol.UploadRequest{ChunkSize: 100, Size: 250, Backend: backend.IDRAM, Path: "/a"})
	require.Equal(t, protocol.UploadReply{Result: protocol.ResultOK}, c.recv())
	c.send(protocol.Data{Chunk: 3, Bytes: make([]byte, 50)})
	c.closed()
}

func TestStatusScenario(t *testing.T) {
	ln, store, stop := start(t, time.Second)
	defer stop()

	c := dial(t, ln)
	data := make([]byte, 250)
	for i := range data {
		data[i] = byte(i)
	}
	c.send(protocol.UploadRequest{ChunkSize: 100, Size: 250, CRC32: transfer.Checksum(data), Backend: backend.IDRAM, Path: "/s"})
	require.Equal(t, protocol.UploadReply{Result: protocol.ResultOK}, c.recv())
	c.send(protocol.Data{Chunk: 0, Bytes: data[:100]})
	c.send(protocol.Data{Chunk: 2, Bytes: data[200:]})
	c.send(protocol.StatusRequest{})
	assert.Equal(t, protocol.StatusReply{
		Result:   protocol.ResultOK,
		Complete: 2,
		Total:    3,
		Runs:     []protocol.Run{{Next: 1, Count: 1}},
	}, c.recv())

	c.send(protocol.Data{Chunk: 1, Bytes: data[100:200]})
	c.send(protocol.CrcRequest{})
	assert.Equal(t, protocol.CrcReply{Result: protocol.ResultOK, CRC32: transfer.Checksum(data)}, c.recv())
	c.send(protocol.Done{})
	// Done has no reply; the hang-up says it has been applied.
	c.closed()

	c2 := dial(t, ln)
	c2.send(protocol.DownloadRequest{ChunkSize: 64, Backend: backend.IDRAM, Path: "/s"})
	assert.Equal(t, protocol.DownloadReply{Result: protocol.ResultOK, Size: 250, CRC32: transfer.Checksum(data)}, c2.recv())
	c2.send(protocol.StatusReply{Complete: 2, Total: 4, Runs: []protocol.Run{{Next: 1, Count: 1}, {Next: 3, Count: 1}}})
	assert.Equal(t, protocol.Data{Chunk: 1, Bytes: data[64:128]}, c2.recv())
	assert.Equal(t, protocol.Data{Chunk: 3, Bytes: data[192:]}, c2.recv())
	c2.send(protocol.Done{})
	c2.closed()

	assert.Equal(t, uint64(250), store.Used())
}

func TestFileOpsKeepConnectionOpen(t *testing.T) {
	ln, store, stop := start(t, time.Second)
	defer stop()

	h, err := store.Open()
	require.NoError(t, err)
	require.NoError(t, h.Upload("/m", 0, 1, 1))
	require.NoError(t, h.WriteChunk(0, []byte{7}))
	require.NoError(t, h.StatusSet(0))
	require.NoError(t, h.Done())

	c := dial(t, ln)
	c.send(protocol.MoveRequest{Backend: backend.IDRAM, From: "/m", To: "/n"})
	assert.Equal(t, protocol.MoveReply{Result: protocol.ResultOK}, c.recv())
	c.send(protocol.RemoveRequest{Backend: backend.IDRAM, Path: "/n"})
	assert.Equal(t, protocol.RemoveReply{Result: protocol.ResultOK}, c.recv())
}

// failingBackend wraps the RAM backend with chunk I/O that always fails.
type failingBackend struct {
	inner    *ram.Backend
	released atomic.Int32
}

func (b *failingBackend) Name() string { return "failing" }

func (b *failingBackend) Open() (backend.Handle, error) {
	h, err := b.inner.Open()
	if err != nil {
		return nil, err
	}
	return &failingHandle{Handle: h, b: b}, nil
}

type failingHandle struct {
	backend.Handle
	b *failingBackend
}

func (h *failingHandle) WriteChunk(uint32, []byte) error {
	return fmt.Errorf("write: %w", protocol.ResultIO)
}

func (h *failingHandle) ReadChunk(uint32, []byte) error {
	return fmt.Errorf("read: %w", protocol.ResultIO)
}

func (h *failingHandle) Release() error {
	h.b.released.Add(1)
	return h.Handle.Release()
}

func TestStorageErrorEndsSessionWithoutReply(t *testing.T) {
	fb := &failingBackend{}
	ln, store, stop := startWith(t, time.Second, func(reg *backend.Registry, store *ram.Backend) {
		// The failing backend shares the RAM store so downloads find /r.
		fb.inner = store
		require.NoError(t, reg.Register(5, fb))
	})
	defer stop()

	h, err := store.Open()
	require.NoError(t, err)
	require.NoError(t, h.Upload("/r", 0, 10, 10))
	require.NoError(t, h.WriteChunk(0, make([]byte, 10)))
	require.NoError(t, h.StatusSet(0))
	require.NoError(t, h.Done())

	c := dial(t, ln)
	c.send(protocol.UploadRequest{ChunkSize: 10, Size: 20, Backend: 5, Path: "/w"})
	require.Equal(t, protocol.UploadReply{Result: protocol.ResultOK}, c.recv())
	c.send(protocol.Data{Chunk: 0, Bytes: make([]byte, 10)})
	c.closed()

	c2 := dial(t, ln)
	c2.send(protocol.DownloadRequest{ChunkSize: 10, Backend: 5, Path: "/r"})
	require.Equal(t, protocol.ResultOK, c2.recv().(protocol.DownloadReply).Result)
	c2.send(protocol.StatusReply{Complete: 0, Total: 1, Runs: []protocol.Run{{Next: 0, Count: 1}}})
	c2.closed()

	require.Eventually(t, func() bool { return fb.released.Load() == 2 }, time.Second, 10*time.Millisecond)
}

func TestDownloadRejectsInconsistentStatus(t *testing.T) {
	ln, store, stop := start(t, time.Second)
	defer stop()

	h, err := store.Open()
	require.NoError(t, err)
	require.NoError(t, h.Upload("/d", 0, 10, 10))
	require.NoError(t, h.WriteChunk(0, make([]byte, 10)))
	require.NoError(t, h.StatusSet(0))
	require.NoError(t, h.Done())

	c := dial(t, ln)
	c.send(protocol.DownloadRequest{ChunkSize: 10, Backend: backend.IDRAM, Path: "/d"})
	require.Equal(t, protocol.ResultOK, c.recv().(protocol.DownloadReply).Result)
	c.send(protocol.StatusReply{Complete: 0, Total: 1, Runs: []protocol.Run{{Next: 4, Count: 1}}})
	c.closed()
}

func TestRejectedRequestsReply(t *testing.T) {
	ln, _, stop := start(t, time.Second)
	defer stop()

	c := dial(t, ln)
	c.send(protocol.UploadRequest{ChunkSize: 100, Size: 1, Backend: 99, Path: "/x"})
	assert.Equal(t, protocol.UploadReply{Result: protocol.ResultNotFound}, c.recv())

	c.send(protocol.UploadRequest{ChunkSize: 0, Size: 1, Backend: backend.IDRAM, Path: "/x"})
	assert.Equal(t, protocol.UploadReply{Result: protocol.ResultInvalid}, c.recv())

	c.send(protocol.DownloadRequest{ChunkSize: 100, Backend: backend.IDRAM, Path: "/none"})
	assert.Equal(t, protocol.DownloadReply{Result: protocol.ResultNotFound}, c.recv())

	c.send(protocol.RemoveRequest{Backend: backend.IDRAM, Path: "/none"})
	assert.Equal(t, protocol.RemoveReply{Result: protocol.ResultNotFound}, c.recv())

	c.send(protocol.ListRequest{Backend: backend.IDRAM, Path: "/"})
	assert.Equal(t, protocol.ListReply{Result: protocol.ResultOK, Entries: 0}, c.recv())
}

func TestTimeoutKeepsPartialUpload(t *testing.T) {
	ln, _, stop := start(t, 50*time.Millisecond)
	defer stop()

	c := dial(t, ln)
	c.send(protocol.UploadRequest{ChunkSize: 10, Size: 30, Backend: backend.IDRAM, Path: "/t"})
	require.Equal(t, protocol.UploadReply{Result: protocol.ResultOK}, c.recv())
	c.send(protocol.Data{Chunk: 1, Bytes: make([]byte, 10)})
	c.closed()

	c2 := dial(t, ln)
	c2.send(protocol.UploadRequest{ChunkSize: 10, Size: 30, Backend: backend.IDRAM, Path: "/t"})
	require.Equal(t, protocol.UploadReply{Result: protocol.ResultOK}, c2.recv())
	c2.send(protocol.StatusRequest{})
	st := c2.recv().(protocol.StatusReply)
	assert.Equal(t, uint32(1), st.Complete)
	assert.Equal(t, []protocol.Run{{Next: 0, Count: 1}, {Next: 2, Count: 1}}, st.Runs)
}

func TestPanicEndsOnlyThatConnection(t *testing.T) {
	ln, _, stop := start(t, time.Second)
	defer stop()

	c := dial(t, ln)
	c.send(protocol.ListRequest{Backend: 7, Path: "/"})
	c.closed()

	c2 := dial(t, ln)
	c2.send(protocol.ListRequest{Backend: backend.IDRAM, Path: "/"})
	assert.Equal(t, protocol.ListReply{Result: protocol.ResultOK}, c2.recv())
}

func TestServeStopsOnCancel(t *testing.T) {
	_, _, stop := start(t, time.Second)
	stop()
}

package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheerbytes/chunkftp/internal/backend"
	"github.com/sheerbytes/chunkftp/internal/backend/disk"
	"github.com/sheerbytes/chunkftp/internal/backend/ram"
	"github.com/sheerbytes/chunkftp/internal/progress"
	"github.com/sheerbytes/chunkftp/internal/server"
	"github.com/sheerbytes/chunkftp/internal/transfer"
	"github.com/sheerbytes/chunkftp/internal/transport"
	"github.com/sheerbytes/chunkftp/pkg/protocol"
)

const chunkSize = 100

type harness struct {
	t      *testing.T
	ln     *transport.PipeListener
	reg    *backend.Registry
	remote *disk.Backend
	ram    *ram.Backend
	local  *disk.Backend

	toServer atomic.Int32 // Data messages that reached the filter
	toClient atomic.Int32
}

type harnessOpts struct {
	dropToServer func(n int32) bool
	dropToClient func(n int32) bool
	register     func(*backend.Registry)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func isData(msg []byte) bool {
	return len(msg) > 0 && protocol.Type(msg[0]) == protocol.TypeData
}

func newHarness(t *testing.T, o harnessOpts) *harness {
	t.Helper()
	h := &harness{t: t, ln: transport.NewPipeListener(), reg: backend.NewRegistry()}

	var err error
	h.remote, err = disk.New(disk.Options{Name: "fat", Root: t.TempDir()})
	require.NoError(t, err)
	h.local, err = disk.New(disk.Options{Name: "local", Root: t.TempDir()})
	require.NoError(t, err)
	h.ram = ram.New(ram.Options{})
	require.NoError(t, h.reg.Register(backend.IDRAM, h.ram))
	require.NoError(t, h.reg.Register(backend.IDFAT, h.remote))
	if o.register != nil {
		o.register(h.reg)
	}

	h.ln.DropToServer = func(msg []byte) bool {
		if !isData(msg) {
			return false
		}
		n := h.toServer.Add(1)
		return o.dropToServer != nil && o.dropToServer(n)
	}
	h.ln.DropToClient = func(msg []byte) bool {
		if !isData(msg) {
			return false
		}
		n := h.toClient.Add(1)
		return o.dropToClient != nil && o.dropToClient(n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := server.New(server.Options{Registry: h.reg, Logger: discard(), ReadTimeout: time.Second})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, h.ln)
	}()
	t.Cleanup(func() {
		cancel()
		h.ln.Close()
		<-done
	})
	return h
}

func (h *harness) client(meter *progress.Meter) *Client {
	return New(Options{
		Dialer:    h.ln,
		Local:     h.local,
		Logger:    discard(),
		ChunkSize: chunkSize,
		Timeout:   100 * time.Millisecond,
		MaxStalls: 3,
		Meter:     meter,
	})
}

func (h *harness) writeLocal(name string, data []byte) {
	h.t.Helper()
	require.NoError(h.t, os.WriteFile(h.local.Resolve(name), data, 0644))
}

func (h *harness) readLocal(name string) []byte {
	h.t.Helper()
	b, err := os.ReadFile(h.local.Resolve(name))
	require.NoError(h.t, err)
	return b
}

func (h *harness) readRemote(name string) []byte {
	h.t.Helper()
	b, err := os.ReadFile(h.remote.Resolve(name))
	require.NoError(h.t, err)
	return b
}

func randomBytes(n int, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func noSidecar(t *testing.T, path string) {
	t.Helper()
	_, err := os.Stat(transfer.SidecarPath(path))
	assert.True(t, errors.Is(err, os.ErrNotExist), "sidecar left behind for %s", path)
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestRoundTripSizes(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.client(nil)
	ctx := ctxT(t)

	for _, size := range []int{0, chunkSize - 1, chunkSize, chunkSize + 1, 10 * chunkSize, 10*chunkSize + 1} {
		data := randomBytes(size, int64(size))
		name := "f.bin"
		h.writeLocal(name, data)

		remote := Remote{Backend: backend.IDFAT, Path: "rt/f.bin"}
		require.NoError(t, c.Upload(ctx, name, remote), "size %d", size)
		assert.Equal(t, data, h.readRemote("rt/f.bin"), "size %d", size)
		noSidecar(t, h.remote.Resolve("rt/f.bin"))

		require.NoError(t, c.Download(ctx, remote, "back.bin"), "size %d", size)
		assert.Equal(t, data, h.readLocal("back.bin"), "size %d", size)
		noSidecar(t, h.local.Resolve("back.bin"))

		require.NoError(t, c.Remove(ctx, backend.IDFAT, "rt/f.bin"))
		require.NoError(t, os.Remove(h.local.Resolve("back.bin")))
	}
}

func TestUploadRecoversFromLoss(t *testing.T) {
	h := newHarness(t, harnessOpts{
		dropToServer: func(n int32) bool { return n%3 == 0 },
	})
	meter := progress.NewMeter()
	c := h.client(meter)

	data := randomBytes(25*chunkSize+7, 1)
	h.writeLocal("lossy.bin", data)
	require.NoError(t, c.Upload(ctxT(t), "lossy.bin", Remote{Backend: backend.IDFAT, Path: "lossy.bin"}))
	assert.Equal(t, data, h.readRemote("lossy.bin"))
	assert.Greater(t, int(h.toServer.Load()), 26, "lost chunks must be resent")

	stats := meter.Snapshot()
	assert.Equal(t, uint32(26), stats.ChunksDone)
	assert.Equal(t, uint32(26), stats.Chunks)
}

func TestDownloadRecoversFromLoss(t *testing.T) {
	h := newHarness(t, harnessOpts{
		dropToClient: func(n int32) bool { return n <= 12 && n%2 == 1 },
	})
	c := h.client(nil)

	data := randomBytes(12*chunkSize, 2)
	require.NoError(t, os.WriteFile(h.remote.Resolve("dl.bin"), data, 0644))
	require.NoError(t, c.Download(ctxT(t), Remote{Backend: backend.IDFAT, Path: "dl.bin"}, "dl.bin"))
	assert.Equal(t, data, h.readLocal("dl.bin"))
	assert.Greater(t, int(h.toClient.Load()), 12)
}

// interruptUpload plays the start of an upload by hand, delivers the given
// chunks, waits until the server has stored them and then drops the link.
func interruptUpload(t *testing.T, h *harness, path string, data []byte, chunks []uint32) {
	t.Helper()
	ctx := ctxT(t)
	conn, err := h.ln.Dial(ctx, "")
	require.NoError(t, err)
	defer conn.Close()

	send := func(m protocol.Message) {
		b, err := protocol.Encode(m)
		require.NoError(t, err)
		require.NoError(t, conn.Send(ctx, b))
	}
	recv := func() protocol.Message {
		b, err := conn.Receive(ctx)
		require.NoError(t, err)
		m, err := protocol.Decode(b)
		require.NoError(t, err)
		return m
	}

	send(protocol.UploadRequest{ChunkSize: chunkSize, Size: uint32(len(data)), CRC32: transfer.Checksum(data), Backend: backend.IDFAT, Path: path})
	require.Equal(t, protocol.UploadReply{Result: protocol.ResultOK}, recv())
	for _, i := range chunks {
		n := transfer.ChunkLen(uint32(len(data)), chunkSize, i)
		send(protocol.Data{Chunk: i, Bytes: data[i*chunkSize : i*chunkSize+n]})
	}
	send(protocol.StatusRequest{})
	st, ok := recv().(protocol.StatusReply)
	require.True(t, ok)
	require.Equal(t, uint32(len(chunks)), st.Complete)
}

func TestUploadResumeIsIdempotent(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.client(nil)
	data := randomBytes(10*chunkSize+1, 3)
	h.writeLocal("resume.bin", data)

	interruptUpload(t, h, "resume.bin", data, []uint32{0, 1, 2, 3, 7})
	before := h.toServer.Load()

	meter := progress.NewMeter()
	c.meter = meter
	require.NoError(t, c.Upload(ctxT(t), "resume.bin", Remote{Backend: backend.IDFAT, Path: "resume.bin"}))
	assert.Equal(t, data, h.readRemote("resume.bin"))
	assert.Equal(t, int32(6), h.toServer.Load()-before, "only missing chunks are resent")
	assert.Equal(t, uint32(5), meter.Snapshot().Resumed)
	noSidecar(t, h.remote.Resolve("resume.bin"))
}

func TestDownloadResumesLocalArtifact(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.client(nil)
	data := randomBytes(8*chunkSize-3, 4)
	require.NoError(t, os.WriteFile(h.remote.Resolve("src.bin"), data, 0644))

	lh, err := h.local.Open()
	require.NoError(t, err)
	require.NoError(t, lh.Upload("dst.bin", 0, uint32(len(data)), chunkSize))
	for _, i := range []uint32{1, 2, 5} {
		require.NoError(t, lh.WriteChunk(i, data[i*chunkSize:(i+1)*chunkSize]))
		require.NoError(t, lh.StatusSet(i))
	}
	require.NoError(t, lh.Timeout())

	require.NoError(t, c.Download(ctxT(t), Remote{Backend: backend.IDFAT, Path: "src.bin"}, "dst.bin"))
	assert.Equal(t, data, h.readLocal("dst.bin"))
	assert.Equal(t, int32(5), h.toClient.Load())
}

type corruptCRC struct{ backend.Backend }

func (b corruptCRC) Open() (backend.Handle, error) {
	h, err := b.Backend.Open()
	return corruptHandle{h}, err
}

type corruptHandle struct{ backend.Handle }

func (h corruptHandle) CRC() (uint32, error) {
	crc, err := h.Handle.CRC()
	return ^crc, err
}

func TestUploadCRCMismatchAbortsRemote(t *testing.T) {
	const badID = 9
	h := newHarness(t, harnessOpts{register: func(r *backend.Registry) {
		fat, err := r.Lookup(backend.IDFAT)
		require.NoError(t, err)
		require.NoError(t, r.Register(badID, corruptCRC{fat}))
	}})
	c := h.client(nil)
	h.writeLocal("x.bin", randomBytes(350, 5))

	err := c.Upload(ctxT(t), "x.bin", Remote{Backend: badID, Path: "x.bin"})
	require.ErrorIs(t, err, ErrCRCMismatch)
	assert.Eventually(t, func() bool {
		_, err := os.Stat(h.remote.Resolve("x.bin"))
		return errors.Is(err, os.ErrNotExist)
	}, 2*time.Second, 10*time.Millisecond, "aborted upload must be discarded")
}

func TestStalledUploadGivesUp(t *testing.T) {
	h := newHarness(t, harnessOpts{dropToServer: func(int32) bool { return true }})
	c := h.client(nil)
	h.writeLocal("s.bin", randomBytes(300, 6))

	err := c.Upload(ctxT(t), "s.bin", Remote{Backend: backend.IDFAT, Path: "s.bin"})
	require.ErrorIs(t, err, ErrStalled)
}

func TestStalledDownloadKeepsPartial(t *testing.T) {
	h := newHarness(t, harnessOpts{dropToClient: func(n int32) bool { return n > 2 }})
	c := h.client(nil)
	data := randomBytes(500, 7)
	require.NoError(t, os.WriteFile(h.remote.Resolve("p.bin"), data, 0644))

	err := c.Download(ctxT(t), Remote{Backend: backend.IDFAT, Path: "p.bin"}, "p.bin")
	require.ErrorIs(t, err, ErrStalled)
	_, err = os.Stat(transfer.SidecarPath(h.local.Resolve("p.bin")))
	assert.NoError(t, err, "partial download keeps its sidecar")
}

func TestRemoteErrors(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.client(nil)
	ctx := ctxT(t)

	err := c.Download(ctx, Remote{Backend: backend.IDFAT, Path: "missing.bin"}, "m.bin")
	var re *RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "download", re.Op)
	assert.Equal(t, protocol.ResultNotFound, re.Result)
	assert.ErrorIs(t, err, protocol.ResultNotFound)

	h.writeLocal("a.bin", []byte("abc"))
	err = c.Upload(ctx, "a.bin", Remote{Backend: 42, Path: "a.bin"})
	assert.ErrorIs(t, err, protocol.ResultNotFound)

	err = c.Upload(ctx, "a.bin", Remote{Backend: backend.IDFAT, Path: string(bytes.Repeat([]byte("p"), protocol.PathLength+1))})
	assert.Equal(t, protocol.ResultInvalid, protocol.ResultOf(err))

	err = c.Upload(ctx, "nope.bin", Remote{Backend: backend.IDFAT, Path: "x"})
	assert.Equal(t, protocol.ResultNotFound, protocol.ResultOf(err))
}

func TestRAMListMoveRemove(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.client(nil)
	ctx := ctxT(t)

	h.writeLocal("a", randomBytes(150, 8))
	h.writeLocal("b", randomBytes(20, 9))
	require.NoError(t, c.Upload(ctx, "a", Remote{Backend: backend.IDRAM, Path: "/img/a"}))
	require.NoError(t, c.Upload(ctx, "b", Remote{Backend: backend.IDRAM, Path: "/img/b"}))

	entries, err := c.List(ctx, backend.IDRAM, "/img")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, protocol.ListEntry{Index: 0, Kind: protocol.EntryFile, Size: 150, Path: "a"}, entries[0])
	assert.Equal(t, protocol.ListEntry{Index: 1, Kind: protocol.EntryFile, Size: 20, Path: "b"}, entries[1])

	require.NoError(t, c.Move(ctx, backend.IDRAM, "/img/a", "/img/c"))
	err = c.Move(ctx, backend.IDRAM, "/img/b", "/img/c")
	assert.ErrorIs(t, err, protocol.ResultExists)
	require.NoError(t, c.Remove(ctx, backend.IDRAM, "/img/b"))

	entries, err = c.List(ctx, backend.IDRAM, "/img")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "c", entries[0].Path)

	_, err = c.List(ctx, backend.IDRAM, "/nothing")
	assert.ErrorIs(t, err, protocol.ResultNotFound)
}

func TestRAMAddressedBlob(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.client(nil)
	ctx := ctxT(t)
	data := randomBytes(333, 10)
	h.writeLocal("mem.bin", data)

	require.NoError(t, c.Upload(ctx, "mem.bin", Remote{Backend: backend.IDRAM, MemAddr: 0x20000000}))
	require.NoError(t, c.Download(ctx, Remote{Backend: backend.IDRAM, MemAddr: 0x20000000, MemSize: 200}, "head.bin"))
	assert.Equal(t, data[:200], h.readLocal("head.bin"))
}

func TestEmptyUploadChecksumIsZero(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := ctxT(t)
	tc, err := h.ln.Dial(ctx, "")
	require.NoError(t, err)
	defer tc.Close()
	cn := &conn{Conn: tc, timeout: time.Second}

	require.NoError(t, cn.send(ctx, protocol.UploadRequest{ChunkSize: chunkSize, Backend: backend.IDFAT, Path: "empty"}))
	rep, err := expect[protocol.UploadReply](ctx, cn)
	require.NoError(t, err)
	require.Equal(t, protocol.ResultOK, rep.Result)

	require.NoError(t, cn.send(ctx, protocol.StatusRequest{}))
	st, err := expect[protocol.StatusReply](ctx, cn)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusReply{Result: protocol.ResultOK}, st)

	require.NoError(t, cn.send(ctx, protocol.CrcRequest{}))
	cr, err := expect[protocol.CrcReply](ctx, cn)
	require.NoError(t, err)
	assert.Equal(t, protocol.CrcReply{Result: protocol.ResultOK, CRC32: 0}, cr)
}

func TestDownloadWithDifferentChunkSize(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := ctxT(t)
	up := h.client(nil)
	down := New(Options{Dialer: h.ln, Local: h.local, Logger: discard(), ChunkSize: 64, Timeout: 100 * time.Millisecond})
	data := randomBytes(250, 64)
	h.writeLocal("geom.bin", data)

	for _, id := range []uint8{backend.IDRAM, backend.IDFAT} {
		remote := Remote{Backend: id, Path: "geom.bin"}
		require.NoError(t, up.Upload(ctx, "geom.bin", remote), "backend %d", id)
		require.NoError(t, down.Download(ctx, remote, "geom.out"), "backend %d", id)
		assert.Equal(t, data, h.readLocal("geom.out"), "backend %d", id)
		require.NoError(t, os.Remove(h.local.Resolve("geom.out")))
	}
}

func TestBackToBackTransfersSeeFinishedState(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	c := h.client(nil)
	ctx := ctxT(t)

	for i := 0; i < 20; i++ {
		data := randomBytes(150+i, int64(i))
		h.writeLocal("b2b.bin", data)
		remote := Remote{Backend: backend.IDRAM, Path: "b2b.bin"}
		require.NoError(t, c.Upload(ctx, "b2b.bin", remote), "round %d", i)
		require.NoError(t, c.Download(ctx, remote, "b2b.out"), "round %d", i)
		require.Equal(t, data, h.readLocal("b2b.out"), "round %d", i)
	}
}

func TestFinishWaitsForHangUp(t *testing.T) {
	ln := transport.NewPipeListener()
	defer ln.Close()
	ctx := ctxT(t)

	tc, err := ln.Dial(ctx, "")
	require.NoError(t, err)
	peer, err := ln.Accept(ctx)
	require.NoError(t, err)

	go func() {
		b, err := peer.Receive(ctx)
		if err == nil && protocol.Type(b[0]) == protocol.TypeDone {
			peer.Close()
		}
	}()
	cn := &conn{Conn: tc, timeout: time.Second}
	require.NoError(t, cn.finish(ctx, protocol.Done{}))

	// A peer that never hangs up leaves the completion unconfirmed.
	tc2, err := ln.Dial(ctx, "")
	require.NoError(t, err)
	peer2, err := ln.Accept(ctx)
	require.NoError(t, err)
	defer peer2.Close()
	cn2 := &conn{Conn: tc2, timeout: 50 * time.Millisecond}
	err = cn2.finish(ctx, protocol.Done{})
	require.Error(t, err)
	assert.True(t, transport.IsTimeout(err), "got %v", err)
}

type failingCloseHandle struct {
	backend.Handle
}

func (failingCloseHandle) Timeout() error { return errors.New("flush failed") }

func TestKeepPartialReportsCloseError(t *testing.T) {
	err := keepPartial(failingCloseHandle{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flush failed")

	joined := errors.Join(errors.New("download x: timeout"), err)
	assert.Contains(t, joined.Error(), "download x")
	assert.Contains(t, joined.Error(), "close partial download")
}

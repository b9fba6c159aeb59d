// Package ram implements the storage contract in process memory. Blobs are
// keyed by path, or by memory address when the request path is empty, and
// are lost when the process exits.
package ram

import (
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/sheerbytes/chunkftp/internal/backend"
	"github.com/sheerbytes/chunkftp/internal/logging"
	"github.com/sheerbytes/chunkftp/internal/transfer"
	"github.com/sheerbytes/chunkftp/pkg/protocol"
)

// Options configures a RAM backend.
type Options struct {
	Name string
	// Capacity bounds the total bytes held across all blobs. Zero means
	// unbounded.
	Capacity uint64
	Logger   *slog.Logger
}

// Backend is an in-memory storage medium.
type Backend struct {
	name     string
	capacity uint64
	logger   *slog.Logger

	mu    sync.Mutex
	blobs map[string]*blob
	used  uint64
}

type blob struct {
	data      []byte
	chunkSize uint32
	// partial is nil once the upload completed.
	partial *transfer.Bitmap
}

var _ backend.Backend = (*Backend)(nil)

// New returns an empty RAM backend.
func New(opts Options) *Backend {
	name := opts.Name
	if name == "" {
		name = "ram"
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Backend{
		name:     name,
		capacity: opts.Capacity,
		logger:   logger.With("backend", name),
		blobs:    make(map[string]*blob),
	}
}

func (b *Backend) Name() string { return b.name }

func (b *Backend) Open() (backend.Handle, error) {
	return &handle{b: b}, nil
}

// Used returns the bytes currently held.
func (b *Backend) Used() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Key returns the blob key for a request: the cleaned path, or the memory
// address when the path is empty.
func Key(p string, addr uint32) string {
	if p == "" {
		return fmt.Sprintf("@%08x", addr)
	}
	return path.Clean("/" + p)
}

type handle struct {
	b *Backend

	key      string
	blob     *blob
	writable bool
	size     uint32
	// chunkSize is the geometry of the current session, which for a
	// download need not match the one the blob was uploaded with.
	chunkSize uint32

	entries []backend.Entry
}

var _ backend.Handle = (*handle)(nil)

func (h *handle) Upload(p string, memHint, size, chunkSize uint32) error {
	if h.blob != nil {
		return fmt.Errorf("upload %s: handle busy: %w", p, protocol.ResultInvalid)
	}
	if chunkSize == 0 {
		return fmt.Errorf("upload %s: zero chunk size: %w", p, protocol.ResultInvalid)
	}
	key := Key(p, memHint)
	if key == "/" {
		return fmt.Errorf("upload %q: %w", p, protocol.ResultInvalid)
	}

	b := h.b
	b.mu.Lock()
	defer b.mu.Unlock()

	old, ok := b.blobs[key]
	if ok && old.partial != nil && uint32(len(old.data)) == size && old.chunkSize == chunkSize {
		h.bind(key, old, true, chunkSize)
		b.logger.Debug("resuming upload", "key", key, "complete", old.partial.CompleteCount())
		return nil
	}

	var freed uint64
	if ok {
		freed = uint64(len(old.data))
	}
	if b.capacity > 0 && b.used-freed+uint64(size) > b.capacity {
		return fmt.Errorf("upload %s: %d bytes: %w", key, size, protocol.ResultNoSpace)
	}
	nb := &blob{
		data:      make([]byte, size),
		chunkSize: chunkSize,
		partial:   transfer.NewBitmap(transfer.ChunkCount(size, chunkSize)),
	}
	b.blobs[key] = nb
	b.used = b.used - freed + uint64(size)
	h.bind(key, nb, true, chunkSize)
	return nil
}

func (h *handle) Download(p string, memAddr, memSize, chunkSize uint32) (uint32, uint32, error) {
	if h.blob != nil {
		return 0, 0, fmt.Errorf("download %s: handle busy: %w", p, protocol.ResultInvalid)
	}
	if chunkSize == 0 {
		return 0, 0, fmt.Errorf("download %s: zero chunk size: %w", p, protocol.ResultInvalid)
	}
	key := Key(p, memAddr)

	b := h.b
	b.mu.Lock()
	defer b.mu.Unlock()

	bl, ok := b.blobs[key]
	if !ok {
		return 0, 0, fmt.Errorf("download %s: %w", key, fs.ErrNotExist)
	}
	if bl.partial != nil {
		return 0, 0, fmt.Errorf("download %s: upload incomplete: %w", key, protocol.ResultInvalid)
	}
	h.bind(key, bl, false, chunkSize)
	if memSize > 0 && memSize < h.size {
		h.size = memSize
	}
	return h.size, transfer.Checksum(bl.data[:h.size]), nil
}

func (h *handle) bind(key string, bl *blob, writable bool, chunkSize uint32) {
	h.key = key
	h.blob = bl
	h.writable = writable
	h.chunkSize = chunkSize
	h.size = uint32(len(bl.data))
}

func (h *handle) span(index uint32, n int) (int, error) {
	if h.blob == nil {
		return 0, fmt.Errorf("no open artifact: %w", protocol.ResultInvalid)
	}
	cs := h.chunkSize
	if index >= transfer.ChunkCount(h.size, cs) || uint32(n) != transfer.ChunkLen(h.size, cs, index) {
		return 0, fmt.Errorf("chunk %d: %d bytes: %w", index, n, protocol.ResultInvalid)
	}
	return int(index) * int(cs), nil
}

func (h *handle) WriteChunk(index uint32, data []byte) error {
	if !h.writable {
		return fmt.Errorf("write chunk %d: %w", index, protocol.ResultInvalid)
	}
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	off, err := h.span(index, len(data))
	if err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	copy(h.blob.data[off:], data)
	return nil
}

func (h *handle) ReadChunk(index uint32, buf []byte) error {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	off, err := h.span(index, len(buf))
	if err != nil {
		return fmt.Errorf("read chunk: %w", err)
	}
	copy(buf, h.blob.data[off:])
	return nil
}

func (h *handle) StatusGet(index uint32) bool {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	if h.blob == nil || h.blob.partial == nil {
		return false
	}
	return h.blob.partial.Complete(index)
}

func (h *handle) StatusSet(index uint32) error {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	if h.blob == nil || h.blob.partial == nil || index >= h.blob.partial.Len() {
		return fmt.Errorf("status set %d: %w", index, protocol.ResultInvalid)
	}
	h.blob.partial.Mark(index)
	return nil
}

func (h *handle) CRC() (uint32, error) {
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	if h.blob == nil {
		return 0, fmt.Errorf("crc: no open artifact: %w", protocol.ResultInvalid)
	}
	return transfer.Checksum(h.blob.data[:h.size]), nil
}

// List is flat: it returns the blobs whose parent is the cleaned path.
// Address-keyed blobs appear at the root.
func (h *handle) List(p string) (int, error) {
	dir := path.Clean("/" + p)

	h.b.mu.Lock()
	defer h.b.mu.Unlock()

	var entries []backend.Entry
	dirs := map[string]bool{}
	for key, bl := range h.b.blobs {
		if strings.HasPrefix(key, "@") {
			if dir == "/" {
				entries = append(entries, blobEntry(key, bl))
			}
			continue
		}
		rel, ok := strings.CutPrefix(key, strings.TrimSuffix(dir, "/")+"/")
		if !ok {
			continue
		}
		if name, _, nested := strings.Cut(rel, "/"); nested {
			dirs[name] = true
			continue
		}
		entries = append(entries, blobEntry(rel, bl))
	}
	for name := range dirs {
		entries = append(entries, backend.Entry{Name: name, Kind: protocol.EntryDir})
	}
	if len(entries) == 0 && dir != "/" {
		return 0, fmt.Errorf("list %s: %w", dir, fs.ErrNotExist)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	if len(entries) > math.MaxUint16 {
		entries = entries[:math.MaxUint16]
	}
	h.entries = entries
	return len(entries), nil
}

func blobEntry(name string, bl *blob) backend.Entry {
	return backend.Entry{Name: name, Kind: protocol.EntryFile, Size: uint32(len(bl.data))}
}

func (h *handle) Entry() (backend.Entry, error) {
	if len(h.entries) == 0 {
		h.entries = nil
		return backend.Entry{}, io.EOF
	}
	e := h.entries[0]
	h.entries = h.entries[1:]
	return e, nil
}

func (h *handle) Remove(p string) error {
	key := Key(p, 0)
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	bl, ok := h.b.blobs[key]
	if !ok {
		return fmt.Errorf("remove %s: %w", key, fs.ErrNotExist)
	}
	delete(h.b.blobs, key)
	h.b.used -= uint64(len(bl.data))
	return nil
}

func (h *handle) Move(from, to string) error {
	src, dst := Key(from, 0), Key(to, 0)
	h.b.mu.Lock()
	defer h.b.mu.Unlock()
	bl, ok := h.b.blobs[src]
	if !ok {
		return fmt.Errorf("move %s: %w", src, fs.ErrNotExist)
	}
	if _, ok := h.b.blobs[dst]; ok {
		return fmt.Errorf("move %s to %s: %w", src, dst, fs.ErrExist)
	}
	delete(h.b.blobs, src)
	h.b.blobs[dst] = bl
	return nil
}

func (h *handle) Abort() error {
	if !h.writable {
		return h.Release()
	}
	h.b.mu.Lock()
	if h.b.blobs[h.key] == h.blob {
		delete(h.b.blobs, h.key)
		h.b.used -= uint64(len(h.blob.data))
	}
	h.b.mu.Unlock()
	return h.Release()
}

func (h *handle) Done() error {
	if h.writable {
		h.b.mu.Lock()
		h.blob.partial = nil
		h.b.mu.Unlock()
	}
	return h.Release()
}

// Timeout keeps the partial bitmap with the blob; it survives until the
// process exits.
func (h *handle) Timeout() error {
	return h.Release()
}

func (h *handle) Release() error {
	h.key = ""
	h.blob = nil
	h.writable = false
	h.size = 0
	h.chunkSize = 0
	h.entries = nil
	return nil
}

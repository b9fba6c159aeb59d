// Package disk implements the storage contract on a directory tree of the
// host filesystem. The SD card (FAT) and flash filesystems of the board are
// both mounted this way; each gets its own Backend and Medium.
package disk

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path"
	"path/filepath"

	"github.com/sheerbytes/chunkftp/internal/backend"
	"github.com/sheerbytes/chunkftp/internal/logging"
	"github.com/sheerbytes/chunkftp/internal/transfer"
	"github.com/sheerbytes/chunkftp/pkg/protocol"
)

// Options configures a disk backend.
type Options struct {
	// Name identifies the backend in logs, e.g. "fat" or "flash".
	Name string
	// Root is the directory every request path is resolved under.
	Root string
	// Medium serialises I/O on the underlying device. Backends sharing a
	// device share a Medium; nil allocates a private one.
	Medium *backend.Medium
	Logger *slog.Logger
}

// Backend is a disk-backed storage medium.
type Backend struct {
	name   string
	root   string
	medium *backend.Medium
	logger *slog.Logger
}

var _ backend.Backend = (*Backend)(nil)

// New creates the root directory if needed and returns the backend.
func New(opts Options) (*Backend, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("disk backend %q: root is required", opts.Name)
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("disk backend %q: %w", opts.Name, err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("disk backend %q: create root: %w", opts.Name, err)
	}
	name := opts.Name
	if name == "" {
		name = "disk"
	}
	medium := opts.Medium
	if medium == nil {
		medium = &backend.Medium{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Backend{
		name:   name,
		root:   root,
		medium: medium,
		logger: logger.With("backend", name),
	}, nil
}

// Name returns the backend name.
func (b *Backend) Name() string { return b.name }

// Root returns the absolute root directory.
func (b *Backend) Root() string { return b.root }

// Open returns a fresh session handle.
func (b *Backend) Open() (backend.Handle, error) {
	return &handle{b: b}, nil
}

// Resolve maps a request path onto the host filesystem. The path is
// cleaned as if rooted, so ".." can never climb above Root.
func (b *Backend) Resolve(p string) string {
	clean := path.Clean("/" + filepath.ToSlash(p))
	return filepath.Join(b.root, filepath.FromSlash(clean))
}

type handle struct {
	b *Backend

	path      string
	file      *os.File
	sidecar   *transfer.Sidecar
	writable  bool
	size      uint32
	chunkSize uint32
	chunks    uint32

	entries []os.DirEntry
}

var _ backend.Handle = (*handle)(nil)

func (h *handle) Upload(p string, _ uint32, size, chunkSize uint32) error {
	if h.file != nil {
		return fmt.Errorf("upload %s: handle busy: %w", p, protocol.ResultInvalid)
	}
	if chunkSize == 0 {
		return fmt.Errorf("upload %s: zero chunk size: %w", p, protocol.ResultInvalid)
	}
	full := h.b.Resolve(p)
	if full == h.b.root {
		return fmt.Errorf("upload %q: %w", p, protocol.ResultInvalid)
	}
	chunks := transfer.ChunkCount(size, chunkSize)

	err := h.b.medium.Do(func() error {
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return err
		}
		_, statErr := os.Stat(full)
		fresh := errors.Is(statErr, fs.ErrNotExist)

		f, err := os.OpenFile(full, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return err
		}
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return err
		}
		var sc *transfer.Sidecar
		if fresh {
			// A sidecar without its data file describes bytes that are gone.
			sc, err = transfer.CreateSidecar(transfer.SidecarPath(full), chunks)
		} else {
			sc, err = transfer.OpenSidecar(transfer.SidecarPath(full), chunks)
		}
		if err != nil {
			f.Close()
			return err
		}
		h.file = f
		h.sidecar = sc
		return nil
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", p, err)
	}

	h.path = full
	h.writable = true
	h.size = size
	h.chunkSize = chunkSize
	h.chunks = chunks
	if h.sidecar.Resumed() {
		h.b.logger.Debug("resuming upload", "path", p, "complete", h.sidecar.Bitmap().CompleteCount(), "chunks", chunks)
	}
	return nil
}

func (h *handle) Download(p string, _, _ uint32, chunkSize uint32) (uint32, uint32, error) {
	if h.file != nil {
		return 0, 0, fmt.Errorf("download %s: handle busy: %w", p, protocol.ResultInvalid)
	}
	if chunkSize == 0 {
		return 0, 0, fmt.Errorf("download %s: zero chunk size: %w", p, protocol.ResultInvalid)
	}
	full := h.b.Resolve(p)

	var size, crc uint32
	err := h.b.medium.Do(func() error {
		f, err := os.Open(full)
		if err != nil {
			return err
		}
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return err
		}
		if fi.IsDir() {
			f.Close()
			return protocol.ResultInvalid
		}
		if fi.Size() > math.MaxUint32 {
			f.Close()
			return protocol.ResultFileTooLarge
		}
		size = uint32(fi.Size())
		crc, err = transfer.ChecksumReader(io.NewSectionReader(f, 0, int64(size)))
		if err != nil {
			f.Close()
			return err
		}
		h.file = f
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("download %s: %w", p, err)
	}

	h.path = full
	h.writable = false
	h.size = size
	h.chunkSize = chunkSize
	h.chunks = transfer.ChunkCount(size, chunkSize)
	return size, crc, nil
}

func (h *handle) chunkOffset(index uint32, n int) (int64, error) {
	if h.file == nil {
		return 0, fmt.Errorf("no open artifact: %w", protocol.ResultInvalid)
	}
	if index >= h.chunks {
		return 0, fmt.Errorf("chunk %d of %d: %w", index, h.chunks, protocol.ResultInvalid)
	}
	if uint32(n) != transfer.ChunkLen(h.size, h.chunkSize, index) {
		return 0, fmt.Errorf("chunk %d: %d bytes: %w", index, n, protocol.ResultInvalid)
	}
	return int64(index) * int64(h.chunkSize), nil
}

func (h *handle) WriteChunk(index uint32, data []byte) error {
	if !h.writable {
		return fmt.Errorf("write chunk %d: %w", index, protocol.ResultInvalid)
	}
	off, err := h.chunkOffset(index, len(data))
	if err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	err = h.b.medium.Do(func() error {
		_, err := h.file.WriteAt(data, off)
		return err
	})
	if err != nil {
		return fmt.Errorf("write chunk %d: %w: %w", index, protocol.ResultIO, err)
	}
	return nil
}

func (h *handle) ReadChunk(index uint32, buf []byte) error {
	off, err := h.chunkOffset(index, len(buf))
	if err != nil {
		return fmt.Errorf("read chunk: %w", err)
	}
	err = h.b.medium.Do(func() error {
		n, err := h.file.ReadAt(buf, off)
		if n == len(buf) {
			return nil
		}
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("read chunk %d: %w: %w", index, protocol.ResultIO, err)
	}
	return nil
}

func (h *handle) StatusGet(index uint32) bool {
	if h.sidecar == nil {
		return false
	}
	return h.sidecar.Bitmap().Complete(index)
}

// StatusSet flushes the data file before the marker so an acknowledged
// chunk is on the medium.
func (h *handle) StatusSet(index uint32) error {
	if h.sidecar == nil {
		return fmt.Errorf("status set %d: %w", index, protocol.ResultInvalid)
	}
	err := h.b.medium.Do(func() error {
		if err := h.file.Sync(); err != nil {
			return err
		}
		return h.sidecar.MarkComplete(index)
	})
	if err != nil {
		return fmt.Errorf("status set %d: %w: %w", index, protocol.ResultIO, err)
	}
	return nil
}

func (h *handle) CRC() (uint32, error) {
	if h.file == nil {
		return 0, fmt.Errorf("crc: no open artifact: %w", protocol.ResultInvalid)
	}
	var crc uint32
	err := h.b.medium.Do(func() error {
		var err error
		crc, err = transfer.ChecksumReader(io.NewSectionReader(h.file, 0, int64(h.size)))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("crc: %w: %w", protocol.ResultIO, err)
	}
	return crc, nil
}

func (h *handle) List(p string) (int, error) {
	full := h.b.Resolve(p)
	var entries []os.DirEntry
	err := h.b.medium.Do(func() error {
		var err error
		entries, err = os.ReadDir(full)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", p, err)
	}
	if len(entries) > math.MaxUint16 {
		entries = entries[:math.MaxUint16]
	}
	h.entries = entries
	return len(entries), nil
}

func (h *handle) Entry() (backend.Entry, error) {
	if len(h.entries) == 0 {
		h.entries = nil
		return backend.Entry{}, io.EOF
	}
	de := h.entries[0]
	h.entries = h.entries[1:]

	e := backend.Entry{Name: de.Name(), Kind: protocol.EntryFile}
	if de.IsDir() {
		e.Kind = protocol.EntryDir
		return e, nil
	}
	var info fs.FileInfo
	err := h.b.medium.Do(func() error {
		var err error
		info, err = de.Info()
		return err
	})
	if err != nil {
		return backend.Entry{}, fmt.Errorf("entry %s: %w", de.Name(), err)
	}
	if info.Size() > math.MaxUint32 {
		e.Size = math.MaxUint32
	} else {
		e.Size = uint32(info.Size())
	}
	return e, nil
}

func (h *handle) Remove(p string) error {
	full := h.b.Resolve(p)
	if full == h.b.root {
		return fmt.Errorf("remove %q: %w", p, protocol.ResultInvalid)
	}
	err := h.b.medium.Do(func() error {
		if err := os.Remove(full); err != nil {
			return err
		}
		return removeIfExists(transfer.SidecarPath(full))
	})
	if err != nil {
		return fmt.Errorf("remove %s: %w", p, err)
	}
	return nil
}

func (h *handle) Move(from, to string) error {
	src := h.b.Resolve(from)
	dst := h.b.Resolve(to)
	if src == h.b.root || dst == h.b.root {
		return fmt.Errorf("move %q to %q: %w", from, to, protocol.ResultInvalid)
	}
	err := h.b.medium.Do(func() error {
		if _, err := os.Stat(src); err != nil {
			return err
		}
		if _, err := os.Lstat(dst); err == nil {
			return fs.ErrExist
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return err
		}
		if err := os.Rename(src, dst); err != nil {
			return err
		}
		sc := transfer.SidecarPath(src)
		if _, err := os.Stat(sc); err == nil {
			return os.Rename(sc, transfer.SidecarPath(dst))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("move %s to %s: %w", from, to, err)
	}
	return nil
}

func (h *handle) Abort() error {
	if !h.writable {
		return h.Release()
	}
	h.writable = false
	return h.b.medium.Do(func() error {
		err := errors.Join(h.closeFile(), h.sidecar.Remove())
		h.sidecar = nil
		return errors.Join(err, removeIfExists(h.path))
	})
}

func (h *handle) Done() error {
	if !h.writable {
		return h.Release()
	}
	h.writable = false
	return h.b.medium.Do(func() error {
		var syncErr error
		if h.file != nil {
			syncErr = h.file.Sync()
		}
		err := errors.Join(syncErr, h.closeFile(), h.sidecar.Remove())
		h.sidecar = nil
		return err
	})
}

func (h *handle) Timeout() error {
	return h.Release()
}

func (h *handle) Release() error {
	h.entries = nil
	if h.file == nil && h.sidecar == nil {
		return nil
	}
	return h.b.medium.Do(func() error {
		err := errors.Join(h.closeFile(), h.sidecar.Close())
		h.sidecar = nil
		return err
	})
}

func (h *handle) closeFile() error {
	if h.file == nil {
		return nil
	}
	err := h.file.Close()
	h.file = nil
	return err
}

func removeIfExists(p string) error {
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Package backend defines the storage contract the transfer engine runs
// against. A Backend is a storage medium; each session opens its own Handle
// and must Release it on every exit path.
package backend

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sheerbytes/chunkftp/pkg/protocol"
)

// ErrNotSupported is returned by handles for operations their medium lacks.
var ErrNotSupported = fmt.Errorf("backend: %w", protocol.ResultNotSupported)

// Backend is one storage medium.
type Backend interface {
	// Name identifies the backend in logs.
	Name() string
	// Open allocates the per-session state for one transfer.
	Open() (Handle, error)
}

// Handle is the private, per-session view of a backend. It is used by a
// single goroutine. Release closes whatever is still open without deleting
// anything and is safe to call more than once.
type Handle interface {
	// Upload prepares path to receive size bytes in chunkSize pieces. An
	// existing sidecar for the same geometry seeds the bitmap.
	Upload(path string, memHint, size, chunkSize uint32) error
	// Download opens an existing artifact and returns its size and CRC32.
	Download(path string, memAddr, memSize, chunkSize uint32) (size, crc uint32, err error)

	// WriteChunk writes exactly len(data) bytes at index*chunkSize.
	WriteChunk(index uint32, data []byte) error
	// ReadChunk fills buf from index*chunkSize.
	ReadChunk(index uint32, buf []byte) error

	// StatusGet reports whether chunk index is complete.
	StatusGet(index uint32) bool
	// StatusSet marks chunk index complete, durably where the medium allows.
	StatusSet(index uint32) error

	// CRC recomputes the CRC32 of the whole artifact from offset zero.
	CRC() (uint32, error)

	// List opens a one-shot directory iterator and returns its length.
	List(path string) (int, error)
	// Entry returns the next entry, or io.EOF once the listing is exhausted.
	Entry() (Entry, error)

	Remove(path string) error
	Move(from, to string) error

	// Abort discards the artifact and its sidecar.
	Abort() error
	// Done keeps the artifact and discards its sidecar.
	Done() error
	// Timeout closes everything and leaves partial state for a resume.
	Timeout() error

	Release() error
}

// Entry is one item of a directory listing.
type Entry struct {
	Name string
	Kind protocol.EntryKind
	Size uint32
}

// Medium serialises access to one physical storage device. It is held for
// a single I/O call, never across a chunk exchange.
type Medium struct {
	mu sync.Mutex
}

// Do runs fn with the medium held.
func (m *Medium) Do(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn()
}

// IsNotSupported reports whether err means the backend lacks an operation.
func IsNotSupported(err error) bool {
	return errors.Is(err, protocol.ResultNotSupported)
}

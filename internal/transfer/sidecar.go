package transfer

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	// SidecarSuffix is appended to an artifact path to name its sidecar.
	SidecarSuffix = ".map"

	markComplete = '+'
	markMissing  = '-'
)

// Sidecar is the persistent half of a chunk bitmap: a file holding one
// marker byte per chunk at offset == chunk index.
type Sidecar struct {
	Path    string
	Chunks  uint32
	file    *os.File
	bitmap  *Bitmap
	resumed bool
}

// SidecarPath returns the sidecar path for an artifact.
func SidecarPath(artifact string) string {
	return artifact + SidecarSuffix
}

// OpenSidecar opens the sidecar at path for a transfer of chunks chunks.
// A readable sidecar of the right length seeds the bitmap; anything else
// is replaced by an all-missing sidecar.
func OpenSidecar(path string, chunks uint32) (*Sidecar, error) {
	if data, err := os.ReadFile(path); err == nil {
		if bm, ok := parseSidecar(data, chunks); ok {
			f, err := os.OpenFile(path, os.O_RDWR, 0644)
			if err != nil {
				return nil, fmt.Errorf("open sidecar: %w", err)
			}
			return &Sidecar{Path: path, Chunks: chunks, file: f, bitmap: bm, resumed: true}, nil
		}
	}
	return CreateSidecar(path, chunks)
}

// CreateSidecar writes a fresh all-missing sidecar, replacing any existing one.
func CreateSidecar(path string, chunks uint32) (*Sidecar, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create sidecar dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("create sidecar: %w", err)
	}
	if chunks > 0 {
		if _, err := f.Write(bytes.Repeat([]byte{markMissing}, int(chunks))); err != nil {
			f.Close()
			return nil, fmt.Errorf("write sidecar: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("sync sidecar: %w", err)
	}
	return &Sidecar{Path: path, Chunks: chunks, file: f, bitmap: NewBitmap(chunks)}, nil
}

func parseSidecar(data []byte, chunks uint32) (*Bitmap, bool) {
	if uint64(len(data)) != uint64(chunks) {
		return nil, false
	}
	bm := NewBitmap(chunks)
	for i, c := range data {
		switch c {
		case markComplete:
			bm.Mark(uint32(i))
		case markMissing:
		default:
			return nil, false
		}
	}
	return bm, true
}

// Bitmap returns the in-memory bitmap backed by this sidecar.
func (s *Sidecar) Bitmap() *Bitmap {
	return s.bitmap
}

// Resumed reports whether the bitmap was seeded from an existing sidecar.
func (s *Sidecar) Resumed() bool {
	return s.resumed
}

// MarkComplete durably records chunk i as complete before updating the
// in-memory bitmap.
func (s *Sidecar) MarkComplete(i uint32) error {
	if i >= s.Chunks {
		return fmt.Errorf("%w: %d >= %d", ErrChunkIndex, i, s.Chunks)
	}
	if s.file == nil {
		return fmt.Errorf("sidecar %s: %w", s.Path, fs.ErrClosed)
	}
	if s.bitmap.Complete(i) {
		return nil
	}
	if _, err := s.file.WriteAt([]byte{markComplete}, int64(i)); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync sidecar: %w", err)
	}
	s.bitmap.Mark(i)
	return nil
}

// Close releases the sidecar file, leaving it on disk for a later resume.
func (s *Sidecar) Close() error {
	if s == nil || s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Remove closes and deletes the sidecar.
func (s *Sidecar) Remove() error {
	if s == nil {
		return nil
	}
	closeErr := s.Close()
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return closeErr
}

package transfer

import (
	"errors"
	"fmt"

	"github.com/sheerbytes/chunkftp/pkg/protocol"
)

var (
	// ErrProtocol indicates a message that is not valid in the session state.
	ErrProtocol = errors.New("protocol violation")
	// ErrChunkIndex indicates a chunk index at or beyond the chunk count.
	ErrChunkIndex = errors.New("chunk index out of range")
	// ErrChunkLength indicates a Data payload whose length does not match its index.
	ErrChunkLength = errors.New("chunk length mismatch")
	// ErrChunkSize indicates a zero or oversized chunk size.
	ErrChunkSize = errors.New("invalid chunk size")
)

// State is the phase of a transfer session.
type State uint8

const (
	StateIdle State = iota
	StateUploading
	StateDownloading
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateUploading:
		return "uploading"
	case StateDownloading:
		return "downloading"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ChunkCount returns ceil(size / chunkSize). It is zero for an empty file.
func ChunkCount(size, chunkSize uint32) uint32 {
	if chunkSize == 0 {
		return 0
	}
	return uint32((uint64(size) + uint64(chunkSize) - 1) / uint64(chunkSize))
}

// ChunkLen returns the length of chunk i of a size-byte file. Every chunk
// is chunkSize long except possibly the last.
func ChunkLen(size, chunkSize, i uint32) uint32 {
	off := uint64(i) * uint64(chunkSize)
	if off >= uint64(size) {
		return 0
	}
	rem := uint64(size) - off
	if rem > uint64(chunkSize) {
		return chunkSize
	}
	return uint32(rem)
}

// Session is the state of one transfer. It is owned by a single worker
// and never reused: once closed, every check fails.
type Session struct {
	state     State
	Path      string
	Size      uint32
	ChunkSize uint32
	Chunks    uint32
	CRC32     uint32
}

// State returns the current phase.
func (s *Session) State() State {
	return s.state
}

// Begin moves an idle session into Uploading or Downloading and fixes the
// chunk geometry for the rest of its life.
func (s *Session) Begin(state State, path string, size, chunkSize, crc uint32) error {
	if s.state != StateIdle {
		return fmt.Errorf("%w: begin %s while %s", ErrProtocol, state, s.state)
	}
	if state != StateUploading && state != StateDownloading {
		return fmt.Errorf("%w: cannot begin %s", ErrProtocol, state)
	}
	if chunkSize == 0 || chunkSize > protocol.MaxChunkSize {
		return fmt.Errorf("%w: %d", ErrChunkSize, chunkSize)
	}
	s.state = state
	s.Path = path
	s.Size = size
	s.ChunkSize = chunkSize
	s.Chunks = ChunkCount(size, chunkSize)
	s.CRC32 = crc
	return nil
}

// Expect fails with ErrProtocol unless the session is in want.
func (s *Session) Expect(want State, t protocol.Type) error {
	if s.state != want {
		return fmt.Errorf("%w: %s while %s", ErrProtocol, t, s.state)
	}
	return nil
}

// ChunkLen returns the expected length of chunk i.
func (s *Session) ChunkLen(i uint32) (uint32, error) {
	if i >= s.Chunks {
		return 0, fmt.Errorf("%w: %d >= %d", ErrChunkIndex, i, s.Chunks)
	}
	return ChunkLen(s.Size, s.ChunkSize, i), nil
}

// CheckData validates an incoming chunk against the session geometry.
func (s *Session) CheckData(m protocol.Data) error {
	want, err := s.ChunkLen(m.Chunk)
	if err != nil {
		return err
	}
	if uint32(len(m.Bytes)) != want {
		return fmt.Errorf("%w: chunk %d has %d bytes, want %d", ErrChunkLength, m.Chunk, len(m.Bytes), want)
	}
	return nil
}

// Close terminates the session.
func (s *Session) Close() {
	s.state = StateClosed
}

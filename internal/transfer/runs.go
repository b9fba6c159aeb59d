package transfer

import (
	"errors"
	"fmt"
	"math"

	"github.com/sheerbytes/chunkftp/pkg/protocol"
)

// ErrInvalidStatus indicates a StatusReply that does not describe a bitmap
// of the expected size.
var ErrInvalidStatus = errors.New("invalid status reply")

// StatusSummary is the compressed form of a bitmap: counts plus the runs of
// missing chunks that fit in one reply.
type StatusSummary struct {
	Complete uint32
	Total    uint32
	Runs     []protocol.Run
}

// Reply wraps the summary in an OK StatusReply.
func (s StatusSummary) Reply() protocol.StatusReply {
	return protocol.StatusReply{
		Result:   protocol.ResultOK,
		Complete: s.Complete,
		Total:    s.Total,
		Runs:     s.Runs,
	}
}

// Status scans chunks [0, total) once. Missing chunks are folded into runs
// until limit runs are collected; later missing chunks are left for the
// next poll, but complete chunks are always counted. A run never exceeds
// the u16 count field, so very long bands become consecutive runs.
func Status(total uint32, limit int, complete func(uint32) bool) StatusSummary {
	s := StatusSummary{Total: total}
	var next uint32
	var count uint16
	flush := func() {
		if count == 0 {
			return
		}
		if len(s.Runs) < limit {
			s.Runs = append(s.Runs, protocol.Run{Next: next, Count: count})
		}
		count = 0
	}
	for i := uint32(0); i < total; i++ {
		if complete(i) {
			s.Complete++
			flush()
			continue
		}
		if count == 0 {
			next = i
		}
		count++
		if count == math.MaxUint16 {
			flush()
		}
	}
	flush()
	return s
}

// ExpandRuns calls fn for every chunk index the runs cover, in order.
func ExpandRuns(runs []protocol.Run, fn func(uint32) error) error {
	for _, r := range runs {
		for j := uint32(0); j < uint32(r.Count); j++ {
			if err := fn(r.Next + j); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidateStatus checks a peer's StatusReply against the local chunk count:
// runs must be non-empty, increasing, non-overlapping and in range, and the
// counts must be consistent with them.
func ValidateStatus(m protocol.StatusReply, total uint32) error {
	if m.Total != total {
		return fmt.Errorf("%w: total %d, want %d", ErrInvalidStatus, m.Total, total)
	}
	if m.Complete > m.Total {
		return fmt.Errorf("%w: complete %d > total %d", ErrInvalidStatus, m.Complete, m.Total)
	}
	if len(m.Runs) > protocol.StatusChunks {
		return fmt.Errorf("%w: %d runs", ErrInvalidStatus, len(m.Runs))
	}
	var end uint64
	for i, r := range m.Runs {
		if r.Count == 0 {
			return fmt.Errorf("%w: run %d is empty", ErrInvalidStatus, i)
		}
		if i > 0 && uint64(r.Next) < end {
			return fmt.Errorf("%w: run %d overlaps or is out of order", ErrInvalidStatus, i)
		}
		end = uint64(r.Next) + uint64(r.Count)
		if end > uint64(total) {
			return fmt.Errorf("%w: run %d ends at %d beyond %d chunks", ErrInvalidStatus, i, end, total)
		}
	}
	if uint64(m.Complete)+m.Missing() > uint64(m.Total) {
		return fmt.Errorf("%w: complete plus missing exceeds total", ErrInvalidStatus)
	}
	if (m.Complete == m.Total) != (len(m.Runs) == 0) {
		return fmt.Errorf("%w: complete %d of %d with %d runs", ErrInvalidStatus, m.Complete, m.Total, len(m.Runs))
	}
	return nil
}

// Package progress measures transfer progress in chunks and renders it.
// Progress is derived only from chunk counts and wall-clock time; it has
// no effect on the protocol.
package progress

import (
	"sync"
	"time"
)

// Stats is a point-in-time snapshot of progress.
type Stats struct {
	ChunksDone uint32
	Chunks     uint32
	// Resumed counts chunks that were already complete when the transfer
	// started.
	Resumed   uint32
	BytesDone uint64
	Bytes     uint64
	RateBps   float64
	ETA       time.Duration
	Percent   float64
	StartedAt time.Time
}

// Meter tracks completed chunks and computes a smoothed byte rate.
type Meter struct {
	mu        sync.Mutex
	chunks    uint32
	chunkSize uint32
	size      uint32
	done      uint32
	resumed   uint32
	startedAt time.Time
	lastAt    time.Time
	lastDone  uint32
	rateBps   float64
	alpha     float64
	now       func() time.Time
}

// NewMeter returns a meter with a default smoothing factor.
func NewMeter() *Meter {
	return NewMeterWithNow(time.Now)
}

// NewMeterWithNow returns a meter with a custom time source (for tests).
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	return &Meter{alpha: 0.2, now: now}
}

// Start resets the meter for a transfer of size bytes in chunkSize chunks.
func (m *Meter) Start(size, chunkSize uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.size = size
	m.chunkSize = chunkSize
	m.chunks = 0
	if chunkSize > 0 {
		m.chunks = uint32((uint64(size) + uint64(chunkSize) - 1) / uint64(chunkSize))
	}
	m.done = 0
	m.resumed = 0
	m.startedAt = m.now()
	m.lastAt = m.startedAt
	m.lastDone = 0
	m.rateBps = 0
}

// Add records n newly completed chunks.
func (m *Meter) Add(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.done = min(m.done+uint32(n), m.chunks)
	deltaBytes := float64(m.done-m.lastDone) * float64(m.chunkSize)
	deltaTime := now.Sub(m.lastAt).Seconds()
	if deltaTime > 0 {
		inst := deltaBytes / deltaTime
		if m.rateBps == 0 {
			m.rateBps = inst
		} else {
			m.rateBps = m.alpha*inst + (1-m.alpha)*m.rateBps
		}
		m.lastAt = now
		m.lastDone = m.done
	}
}

// Advance records n chunks found complete on resume, without affecting
// the rate.
func (m *Meter) Advance(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done = min(m.done+uint32(n), m.chunks)
	m.resumed += uint32(n)
	m.lastDone = m.done
}

// Snapshot returns the current stats.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{
		ChunksDone: m.done,
		Chunks:     m.chunks,
		Resumed:    m.resumed,
		BytesDone:  min(uint64(m.done)*uint64(m.chunkSize), uint64(m.size)),
		Bytes:      uint64(m.size),
		RateBps:    m.rateBps,
		StartedAt:  m.startedAt,
	}
	switch {
	case m.chunks > 0:
		stats.Percent = float64(m.done) / float64(m.chunks) * 100
	case !m.startedAt.IsZero():
		stats.Percent = 100
	}
	if m.rateBps > 0 && stats.Bytes > stats.BytesDone {
		remaining := float64(stats.Bytes - stats.BytesDone)
		stats.ETA = time.Duration(remaining / m.rateBps * float64(time.Second))
	}
	return stats
}

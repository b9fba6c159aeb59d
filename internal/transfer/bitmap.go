package transfer

// Bitmap is the in-memory record of which chunks of a transfer are
// complete. A cleared bit is a missing chunk.
type Bitmap struct {
	chunks   uint32
	complete uint32
	data     []byte
}

// NewBitmap allocates an all-missing bitmap for the given chunk count.
func NewBitmap(chunks uint32) *Bitmap {
	return &Bitmap{
		chunks: chunks,
		data:   make([]byte, (uint64(chunks)+7)/8),
	}
}

// Len returns the number of chunks tracked.
func (b *Bitmap) Len() uint32 {
	if b == nil {
		return 0
	}
	return b.chunks
}

// Mark records chunk i as complete. It reports whether the chunk was
// previously missing.
func (b *Bitmap) Mark(i uint32) bool {
	if b == nil || i >= b.chunks {
		return false
	}
	mask := byte(1) << (i % 8)
	if b.data[i/8]&mask != 0 {
		return false
	}
	b.data[i/8] |= mask
	b.complete++
	return true
}

// Complete reports whether chunk i is complete.
func (b *Bitmap) Complete(i uint32) bool {
	if b == nil || i >= b.chunks {
		return false
	}
	return b.data[i/8]&(1<<(i%8)) != 0
}

// CompleteCount returns the number of complete chunks.
func (b *Bitmap) CompleteCount() uint32 {
	if b == nil {
		return 0
	}
	return b.complete
}

// Done reports whether every chunk is complete. An empty bitmap is done.
func (b *Bitmap) Done() bool {
	return b.CompleteCount() == b.Len()
}

// Status compresses the bitmap, keeping at most limit runs.
func (b *Bitmap) Status(limit int) StatusSummary {
	return Status(b.Len(), limit, b.Complete)
}

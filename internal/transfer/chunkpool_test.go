package transfer

import "testing"

func TestChunkPoolReuse(t *testing.T) {
	poolA := chunkPoolFor(1024)
	poolB := chunkPoolFor(1024)
	if poolA != poolB {
		t.Fatalf("expected same pool for identical chunk sizes")
	}
	if chunkPoolFor(512) == poolA {
		t.Fatalf("expected distinct pools for distinct chunk sizes")
	}
}

func TestChunkBufferLength(t *testing.T) {
	buf := ChunkBuffer(100)
	if len(buf) != 100 {
		t.Fatalf("expected buffer size 100, got %d", len(buf))
	}
	buf[99] = 1
	ReleaseChunkBuffer(buf[:10])

	again := ChunkBuffer(100)
	if len(again) != 100 {
		t.Fatalf("expected buffer size 100 after release, got %d", len(again))
	}
	ReleaseChunkBuffer(again)

	if ChunkBuffer(0) != nil {
		t.Fatalf("expected nil buffer for zero chunk size")
	}
	ReleaseChunkBuffer(nil)
}

package transfer

import "sync"

var chunkPools sync.Map // map[uint32]*sync.Pool

func chunkPoolFor(chunkSize uint32) *sync.Pool {
	if pool, ok := chunkPools.Load(chunkSize); ok {
		return pool.(*sync.Pool)
	}
	pool := &sync.Pool{
		New: func() any {
			buf := make([]byte, chunkSize)
			return &buf
		},
	}
	actual, _ := chunkPools.LoadOrStore(chunkSize, pool)
	return actual.(*sync.Pool)
}

// ChunkBuffer returns a pooled buffer of exactly chunkSize bytes.
func ChunkBuffer(chunkSize uint32) []byte {
	if chunkSize == 0 {
		return nil
	}
	return (*chunkPoolFor(chunkSize).Get().(*[]byte))[:chunkSize]
}

// ReleaseChunkBuffer returns a buffer obtained from ChunkBuffer.
func ReleaseChunkBuffer(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	buf = buf[:cap(buf)]
	chunkPoolFor(uint32(cap(buf))).Put(&buf)
}

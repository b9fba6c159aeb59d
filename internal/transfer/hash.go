package transfer

import (
	"hash/crc32"
	"io"
)

// The transfer checksum is CRC32 with the IEEE polynomial and the standard
// final XOR, so an empty artifact sums to zero.

// Checksum returns the CRC32 of b.
func Checksum(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

// ChecksumReader returns the CRC32 of everything r yields.
func ChecksumReader(r io.Reader) (uint32, error) {
	h := crc32.NewIEEE()
	if _, err := io.Copy(h, r); err != nil {
		return 0, err
	}
	return h.Sum32(), nil
}

package protocol

import (
	"encoding/binary"
	"hash/crc32"
)

// checksum computes the layout's checksum over data, encoded in the
// layout's byte order.
func (l FrameLayout) checksum(data []byte) []byte {
	switch l.Checksum {
	case ChecksumSum8:
		var s byte
		for _, b := range data {
			s += b
		}
		return []byte{s}
	case ChecksumXor8:
		var x byte
		for _, b := range data {
			x ^= b
		}
		return []byte{x}
	case ChecksumCRC32:
		out := make([]byte, 4)
		sum := crc32.ChecksumIEEE(data)
		if l.ByteOrder == BigEndian {
			binary.BigEndian.PutUint32(out, sum)
		} else {
			binary.LittleEndian.PutUint32(out, sum)
		}
		return out
	default:
		return nil
	}
}

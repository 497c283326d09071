package util

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// Frames carry a payload with its checksum and a one-byte flag:
// uvarint(payload length) | crc32 LE (4) | flag (1) | payload

var crc32Table = crc32.MakeTable(crc32.IEEE)

var (
	// ErrShortFrame means the buffer ends inside a frame
	ErrShortFrame = errors.New("frame is truncated")

	// ErrChecksumMismatch means the stored checksum does not match the payload
	ErrChecksumMismatch = errors.New("frame checksum mismatch")
)

// ComputeChecksum computes a CRC32 (IEEE) checksum
func ComputeChecksum(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// ValidateChecksum reports whether data matches expected
func ValidateChecksum(data []byte, expected uint32) bool {
	return ComputeChecksum(data) == expected
}

// AppendFrame appends a framed payload to dst
func AppendFrame(dst []byte, flag byte, payload []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(payload)))
	dst = binary.LittleEndian.AppendUint32(dst, ComputeChecksum(payload))
	dst = append(dst, flag)
	return append(dst, payload...)
}

// FrameSize returns the framed length of a payload of n bytes
func FrameSize(n int) int {
	var tmp [binary.MaxVarintLen64]byte
	return binary.PutUvarint(tmp[:], uint64(n)) + 5 + n
}

// ParseFrame validates the frame at the start of b and returns its flag,
// its payload and the number of bytes consumed
func ParseFrame(b []byte) (byte, []byte, int, error) {
	n, hdr := binary.Uvarint(b)
	if hdr <= 0 {
		return 0, nil, 0, ErrShortFrame
	}
	end := hdr + 5 + int(n)
	if int(n) < 0 || len(b) < end {
		return 0, nil, 0, ErrShortFrame
	}
	sum := binary.LittleEndian.Uint32(b[hdr:])
	flag := b[hdr+4]
	payload := b[hdr+5 : end]
	if !ValidateChecksum(payload, sum) {
		return 0, nil, 0, ErrChecksumMismatch
	}
	return flag, payload, end, nil
}

package blobkv

import (
	"encoding/binary"
	"fmt"
)

// On-disk layout constants.
const (
	// magic is the 16-byte preamble every file starts with. It ends in a
	// newline so `head -c16` on a terminal doesn't mangle the prompt.
	magic = "rust-persist-01\n"

	headerSize     = 20 // len(magic) + 4-byte capacity
	slotRecordSize = 20 // u64 hash + u32 size_and_flags + u64 position
	blobHeaderSize = 8  // u32 key_len + u32 value_len

	// compressedFlagBit is the flag bit claimed by adapters/zstdvalue: bit
	// 28 of size_and_flags.
	compressedFlagBit = uint32(1) << 28

	// sizeMask extracts the blob payload/extent length from size_and_flags
	// (low 28 bits, capping a single extent at 256 MiB); the remaining high
	// bits are flags and must be preserved verbatim on rewrite even if this
	// package doesn't interpret them.
	sizeMask = uint32(0x0FFF_FFFF)
)

func init() {
	if len(magic) != 16 {
		panic("blobkv: magic constant must be exactly 16 bytes")
	}
}

// header mirrors bytes 0..20 of the file.
type header struct {
	capacity uint32
}

func encodeHeader(h header) [headerSize]byte {
	var buf [headerSize]byte
	copy(buf[0:16], magic)
	binary.LittleEndian.PutUint32(buf[16:20], h.capacity)
	return buf
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < headerSize {
		return header{}, fmt.Errorf("decode header: %w: truncated (%d bytes)", ErrBadFormat, len(buf))
	}
	if string(buf[0:16]) != magic {
		return header{}, fmt.Errorf("decode header: %w: magic mismatch", ErrBadFormat)
	}
	return header{capacity: binary.LittleEndian.Uint32(buf[16:20])}, nil
}

// slotRecord mirrors one 20-byte index slot.
type slotRecord struct {
	hash          uint64
	sizeAndFlags  uint32
	position      uint64
}

// empty reports whether the slot is unoccupied: position == 0 && size == 0.
// The first legal blob position is always >= headerSize+slotRecordSize*C, so
// 0 is an unambiguous sentinel.
func (s slotRecord) empty() bool {
	return s.position == 0 && (s.sizeAndFlags&sizeMask) == 0
}

// extentCapacity returns the extent capacity recorded for this slot (not the
// payload length — the extent may be larger to allow in-place growth).
func (s slotRecord) extentCapacity() uint32 {
	return s.sizeAndFlags & sizeMask
}

func (s slotRecord) flags() uint32 {
	return s.sizeAndFlags &^ sizeMask
}

func makeSizeAndFlags(capacity uint32, flags uint32) (uint32, error) {
	if capacity&^sizeMask != 0 {
		return 0, fmt.Errorf("%w: blob extent capacity %d exceeds 28-bit field", ErrCapacity, capacity)
	}
	return capacity | (flags &^ sizeMask), nil
}

func encodeSlot(s slotRecord, buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], s.hash)
	binary.LittleEndian.PutUint32(buf[8:12], s.sizeAndFlags)
	binary.LittleEndian.PutUint64(buf[12:20], s.position)
}

func decodeSlot(buf []byte) slotRecord {
	return slotRecord{
		hash:         binary.LittleEndian.Uint64(buf[0:8]),
		sizeAndFlags: binary.LittleEndian.Uint32(buf[8:12]),
		position:     binary.LittleEndian.Uint64(buf[12:20]),
	}
}

// slotOffset returns the byte offset of slot i within the file.
func slotOffset(i uint32) int64 {
	return int64(headerSize) + int64(i)*int64(slotRecordSize)
}

// heapStart returns the byte offset where the heap region begins for a file
// with the given index capacity.
func heapStart(capacity uint32) int64 {
	return int64(headerSize) + int64(capacity)*int64(slotRecordSize)
}

// encodeBlobHeader writes the 8-byte {key_len, value_len} prefix of a blob.
func encodeBlobHeader(buf []byte, keyLen, valueLen uint32) {
	binary.LittleEndian.PutUint32(buf[0:4], keyLen)
	binary.LittleEndian.PutUint32(buf[4:8], valueLen)
}

func decodeBlobHeader(buf []byte) (keyLen, valueLen uint32) {
	return binary.LittleEndian.Uint32(buf[0:4]), binary.LittleEndian.Uint32(buf[4:8])
}

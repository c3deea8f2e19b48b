package blobkv

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"github.com/natefinch/atomic"
)

// rescanResult is everything repair reconstructs from a full index scan.
type rescanResult struct {
	heap          *heapState
	occupiedCount uint32
	discardedTail uint32 // number of slots discarded by the truncation repair below
}

type scanCandidate struct {
	slotIndex uint32
	rec       slotRecord
}

// rescan rebuilds the in-memory free/used heap structures from the on-disk
// index: they are the sole source of allocation truth during a session, so
// every Open runs a full scan to reconstruct them.
//
// If the file was truncated after its last write, the trailing occupied
// slot(s) whose extents now run past end-of-file are discarded from the
// index rather than failing outright. Any other invariant violation (a
// non-trailing extent out of bounds, a key hash mismatch, an overlap) is
// unrecoverable and returns ErrCorrupt; the Store must not be used after
// that.
func rescan(m *mapping, slots *slotTable) (*rescanResult, error) {
	heapEnd := uint64(m.len())
	heapRegionStart := uint64(heapStart(slots.capacity))

	var candidates []scanCandidate
	for i := uint32(0); i < slots.capacity; i++ {
		rec := slots.get(i)
		if rec.empty() {
			continue
		}
		candidates = append(candidates, scanCandidate{slotIndex: i, rec: rec})
	}

	sort.Slice(candidates, func(a, b int) bool {
		return candidates[a].rec.position < candidates[b].rec.position
	})

	var discarded uint32
	for len(candidates) > 0 {
		last := candidates[len(candidates)-1]
		extentEnd := last.rec.position + uint64(last.rec.extentCapacity())
		if extentEnd <= heapEnd {
			break
		}

		slots.clearSlot(last.slotIndex)
		candidates = candidates[:len(candidates)-1]
		discarded++
	}

	h := newHeapState()

	var prevEnd = heapRegionStart
	for _, c := range candidates {
		position := c.rec.position
		capacity := c.rec.extentCapacity()

		if position < prevEnd {
			return nil, fmt.Errorf("%w: overlapping extents at position %d", ErrCorrupt, position)
		}
		if position+uint64(capacity) > heapEnd {
			return nil, fmt.Errorf("%w: extent at %d extends past end of file", ErrCorrupt, position)
		}

		if err := validateBlob(m, position, capacity, c.rec.hash); err != nil {
			return nil, err
		}

		if position > prevEnd {
			h.insertFree(extent{position: prevEnd, capacity: uint32(position - prevEnd)})
		}

		h.markUsed(position, capacity)
		prevEnd = position + uint64(capacity)
	}

	if heapEnd > prevEnd {
		h.insertFree(extent{position: prevEnd, capacity: uint32(heapEnd - prevEnd)})
	}

	return &rescanResult{
		heap:          h,
		occupiedCount: uint32(len(candidates)),
		discardedTail: discarded,
	}, nil
}

// Repair reads src off-line (no interprocess lock, no open *Store involved),
// reconstructs it via the same rescan an Open would run, and atomically
// replaces dst with the cleaned result (dst may equal src) using
// natefinch/atomic, so a crash mid-repair never leaves a half-written file.
// It returns the number of trailing slots discarded by the truncation
// repair; a non-zero count means data was lost.
//
// Repair only clears corrupt/truncated index slots from the header+index
// region — it does not rewrite or compact the heap. It reads the whole of
// src into memory and writes the whole of it back out to dst.
func Repair(src, dst string) (discardedTail uint32, err error) {
	data, err := os.ReadFile(src)
	if err != nil {
		return 0, fmt.Errorf("reading %q: %w: %w", src, ErrIo, err)
	}

	if len(data) < headerSize {
		return 0, fmt.Errorf("%w: file shorter than header", ErrBadFormat)
	}

	hdr, err := decodeHeader(data[:headerSize])
	if err != nil {
		return 0, err
	}

	if int64(len(data)) < heapStart(hdr.capacity) {
		return 0, fmt.Errorf("%w: file shorter than header+index for capacity %d", ErrBadFormat, hdr.capacity)
	}

	m := &mapping{data: data}
	slots := &slotTable{m: m, capacity: hdr.capacity}

	result, err := rescan(m, slots)
	if err != nil {
		return 0, err
	}

	if err := atomic.WriteFile(dst, bytes.NewReader(data)); err != nil {
		return 0, fmt.Errorf("writing repaired copy to %q: %w: %w", dst, ErrIo, err)
	}

	return result.discardedTail, nil
}

// validateBlob checks that the blob at position (I2/I3: correct extent
// capacity, key hashes to the slot's recorded hash).
func validateBlob(m *mapping, position uint64, capacity uint32, wantHash uint64) error {
	if capacity < blobHeaderSize {
		return fmt.Errorf("%w: extent at %d smaller than blob header", ErrCorrupt, position)
	}

	header := m.data[position : position+blobHeaderSize]
	keyLen, valueLen := decodeBlobHeader(header)

	needed := uint64(blobHeaderSize) + uint64(keyLen) + uint64(valueLen)
	if needed > uint64(capacity) {
		return fmt.Errorf("%w: blob at %d declares more bytes than its extent holds", ErrCorrupt, position)
	}

	keyStart := position + blobHeaderSize
	key := m.data[keyStart : keyStart+uint64(keyLen)]

	if hashKey(key) != wantHash {
		return fmt.Errorf("%w: key at %d does not hash to its slot's recorded hash", ErrCorrupt, position)
	}

	return nil
}

package blobkv

import (
	"fmt"
	"sort"
)

// Online index grow/shrink and heap compaction. Every operation here runs
// with Store.mu already held by the caller (store.go); none of it is safe
// to call concurrently with itself.

// growIndex doubles the index capacity, capped at maxIndexCapacity.
func (s *Store) growIndex() error {
	oldCapacity := s.slots.capacity
	if oldCapacity >= maxIndexCapacity {
		return nil
	}

	newCapacity := oldCapacity * 2
	if newCapacity > maxIndexCapacity {
		newCapacity = maxIndexCapacity
	}

	return s.resizeIndex(newCapacity)
}

// shrinkIndex halves the index capacity, never going below the store's
// configured initial capacity nor below what the current load factor needs.
func (s *Store) shrinkIndex() error {
	newCapacity := s.slots.capacity / 2
	if newCapacity < s.opts.initialCapacity() {
		newCapacity = s.opts.initialCapacity()
	}
	if newCapacity >= s.slots.capacity {
		return nil
	}
	if newCapacity != 0 && float64(s.count)/float64(newCapacity) > growLoadFactor {
		return nil
	}

	return s.resizeIndex(newCapacity)
}

// resizeIndex relocates the heap region to follow a new index capacity and
// rebuilds both the index (reinserting every live record with its position
// translated) and the in-memory heap bookkeeping (every extent translated by
// the same delta). The heap's internal layout and content are untouched —
// only where it starts in the file changes.
func (s *Store) resizeIndex(newCapacity uint32) error {
	oldCapacity := s.slots.capacity
	oldHeapStart := uint64(heapStart(oldCapacity))
	newHeapStart := uint64(heapStart(newCapacity))
	oldLen := uint64(s.m.len())

	delta := int64(newHeapStart) - int64(oldHeapStart)
	if delta == 0 {
		return nil
	}

	newLen := int64(oldLen) + delta
	if s.opts.MaxFileSize != 0 && delta > 0 && uint64(newLen) > s.opts.MaxFileSize {
		return fmt.Errorf("%w: growing index to capacity %d would exceed MaxFileSize %d", ErrCapacity, newCapacity, s.opts.MaxFileSize)
	}

	type liveRecord struct {
		hash         uint64
		sizeAndFlags uint32
		position     uint64
	}

	var records []liveRecord
	for i := uint32(0); i < oldCapacity; i++ {
		rec := s.slots.get(i)
		if rec.empty() {
			continue
		}
		records = append(records, liveRecord{hash: rec.hash, sizeAndFlags: rec.sizeAndFlags, position: rec.position})
	}

	heapLen := oldLen - oldHeapStart

	if delta > 0 {
		// Grow the mapping first so there's room at the new, higher heap
		// start, then slide the heap region up.
		if err := s.m.resize(newLen); err != nil {
			return err
		}
		if heapLen > 0 {
			copy(s.m.data[newHeapStart:newHeapStart+heapLen], s.m.data[oldHeapStart:oldHeapStart+heapLen])
		}
	} else {
		// Slide the heap region down first, then shrink the mapping to
		// drop the now-unused tail.
		if heapLen > 0 {
			copy(s.m.data[newHeapStart:newHeapStart+heapLen], s.m.data[oldHeapStart:oldHeapStart+heapLen])
		}
		if err := s.m.resize(newLen); err != nil {
			return err
		}
	}

	clear(s.m.data[:newHeapStart])

	hdr := encodeHeader(header{capacity: newCapacity})
	copy(s.m.data[0:headerSize], hdr[:])

	newSlots := &slotTable{m: s.m, capacity: newCapacity}
	for _, r := range records {
		newSlots.insert(slotRecord{
			hash:         r.hash,
			sizeAndFlags: r.sizeAndFlags,
			position:     uint64(int64(r.position) + delta),
		})
	}
	s.slots = newSlots

	newHeap := newHeapState()
	for position, capacity := range s.heap.usedByPos {
		newHeap.markUsed(uint64(int64(position)+delta), capacity)
	}
	for _, e := range s.heap.freeByPos {
		newHeap.insertFree(extent{position: uint64(int64(e.position) + delta), capacity: e.capacity})
	}
	s.heap = newHeap

	return nil
}

// compactNormal runs one left-sliding compaction sweep: every used extent,
// visited from the highest position down, is relocated into the
// lowest-positioned free extent that can hold it and sits earlier in the
// file, if one exists. It then truncates away whatever free space this
// leaves at the tail.
func (s *Store) compactNormal() error {
	s.compactSweep()
	return s.reclaimTailFreeExtent()
}

// compactAggressive repacks every used extent densely against the heap
// start, in ascending position order, eliminating every gap rather than
// only the ones a first-fit sweep happens to fill. It then truncates the
// file to the packed heap end.
func (s *Store) compactAggressive() error {
	slotByPosition := make(map[uint64]uint32, s.count)
	for i := uint32(0); i < s.slots.capacity; i++ {
		rec := s.slots.get(i)
		if rec.empty() {
			continue
		}
		slotByPosition[rec.position] = i
	}

	used := s.heap.usedExtentsAscending()
	heapRegionStart := uint64(heapStart(s.slots.capacity))
	oldLen := uint64(s.m.len())

	cursor := heapRegionStart
	newHeap := newHeapState()

	for _, e := range used {
		if e.position != cursor {
			s.moveBlob(e.position, cursor, e.capacity)

			if slotIndex, ok := slotByPosition[e.position]; ok {
				rec := s.slots.get(slotIndex)
				rec.position = cursor
				s.slots.set(slotIndex, rec)
			}
		}

		newHeap.markUsed(cursor, e.capacity)
		cursor += uint64(e.capacity)
	}

	if oldLen > cursor {
		newHeap.insertFree(extent{position: cursor, capacity: uint32(oldLen - cursor)})
	}

	s.heap = newHeap

	return s.reclaimTailFreeExtent()
}

// reclaimTailFreeExtent drops the free extent at the very end of the heap,
// if any, and truncates the file to match. Free extents between used ones
// are left in place, so file length equals header + index + the sum of used
// extent capacities only when no such gaps remain.
func (s *Store) reclaimTailFreeExtent() error {
	if len(s.heap.freeByPos) == 0 {
		return nil
	}

	curLen := uint64(s.m.len())
	tail := s.heap.freeByPos[len(s.heap.freeByPos)-1]
	if tail.position+uint64(tail.capacity) != curLen {
		return nil
	}

	s.heap.removeFree(tail)
	return s.m.resize(int64(tail.position))
}

type occupiedSlot struct {
	slotIndex uint32
	rec       slotRecord
}

// compactSweep performs a single pass and reports whether it relocated
// anything.
func (s *Store) compactSweep() bool {
	var occupied []occupiedSlot
	for i := uint32(0); i < s.slots.capacity; i++ {
		rec := s.slots.get(i)
		if rec.empty() {
			continue
		}
		occupied = append(occupied, occupiedSlot{slotIndex: i, rec: rec})
	}

	sort.Slice(occupied, func(a, b int) bool {
		return occupied[a].rec.position > occupied[b].rec.position
	})

	moved := false

	for _, o := range occupied {
		capacity := o.rec.extentCapacity()

		target, ok := s.lowestFreeExtentBefore(o.rec.position, capacity)
		if !ok {
			continue
		}

		s.moveBlob(o.rec.position, target.position, capacity)

		s.heap.removeFree(target)
		if leftover := target.capacity - capacity; leftover > 0 {
			s.heap.insertFree(extent{position: target.position + uint64(capacity), capacity: leftover})
		}
		s.heap.markUsed(target.position, capacity)
		s.heap.deallocate(o.rec.position)

		newRec := slotRecord{hash: o.rec.hash, sizeAndFlags: o.rec.sizeAndFlags, position: target.position}
		s.slots.set(o.slotIndex, newRec)

		moved = true
	}

	return moved
}

// lowestFreeExtentBefore returns the lowest-position free extent with
// capacity >= minCapacity and position < before, if any. freeByPos is kept
// sorted by position, so the first match is already the lowest.
func (s *Store) lowestFreeExtentBefore(before uint64, minCapacity uint32) (extent, bool) {
	for _, e := range s.heap.freeByPos {
		if e.position >= before {
			break
		}
		if e.capacity >= minCapacity {
			return e, true
		}
	}
	return extent{}, false
}

func (s *Store) moveBlob(oldPosition, newPosition uint64, length uint32) {
	copy(s.m.data[newPosition:newPosition+uint64(length)], s.m.data[oldPosition:oldPosition+uint64(length)])
}

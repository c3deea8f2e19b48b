package blobkv

import (
	"math"
	"slices"
)

// extent is a contiguous run of heap bytes, either free or used.
type extent struct {
	position uint64
	capacity uint32
}

// heapState is the in-memory free/used extent bookkeeping. It is rebuilt
// from a full index scan on every Open (see repair.go) and is the sole
// source of allocation truth during a session.
//
// Three views are kept over the same extents — maintaining sorted slices
// rather than pulling in a generic ordered-map/BTree dependency, since
// nothing else in this package needs one:
//   - freeBySize: free extents ordered by (capacity, position) — drives
//     best-of-three allocation.
//   - freeByPos: free extents ordered by position — drives coalescing.
//   - usedByPos: position -> capacity for every occupied extent.
type heapState struct {
	freeBySize []extent
	freeByPos  []extent
	usedByPos  map[uint64]uint32
}

func newHeapState() *heapState {
	return &heapState{usedByPos: make(map[uint64]uint32)}
}

func extentLessBySize(a, b extent) int {
	if a.capacity != b.capacity {
		if a.capacity < b.capacity {
			return -1
		}
		return 1
	}
	if a.position != b.position {
		if a.position < b.position {
			return -1
		}
		return 1
	}
	return 0
}

func extentLessByPos(a, b extent) int {
	if a.position != b.position {
		if a.position < b.position {
			return -1
		}
		return 1
	}
	return 0
}

func (h *heapState) insertFree(e extent) {
	i, _ := slices.BinarySearchFunc(h.freeBySize, e, extentLessBySize)
	h.freeBySize = slices.Insert(h.freeBySize, i, e)

	j, _ := slices.BinarySearchFunc(h.freeByPos, e, extentLessByPos)
	h.freeByPos = slices.Insert(h.freeByPos, j, e)
}

func (h *heapState) removeFree(e extent) {
	if i, ok := slices.BinarySearchFunc(h.freeBySize, e, extentLessBySize); ok {
		h.freeBySize = slices.Delete(h.freeBySize, i, i+1)
	}
	if j, ok := slices.BinarySearchFunc(h.freeByPos, e, extentLessByPos); ok {
		h.freeByPos = slices.Delete(h.freeByPos, j, j+1)
	}
}

func (h *heapState) markUsed(position uint64, capacity uint32) {
	h.usedByPos[position] = capacity
}

func (h *heapState) unmarkUsed(position uint64) (uint32, bool) {
	capacity, ok := h.usedByPos[position]
	if ok {
		delete(h.usedByPos, position)
	}
	return capacity, ok
}

// allocCost implements the best-of-three cost function:
// log2(1 + capacity - requested) + log2(1 + position).
func allocCost(capacity, requested uint32, position uint64) float64 {
	return math.Log2(1+float64(capacity-requested)) + math.Log2(1+float64(position))
}

// findBestFit selects a free extent of capacity >= requested using the
// best-of-three strategy: among free extents ordered by (capacity,
// position), consider the first bestOfN whose capacity suffices, and pick
// the one with lowest allocCost. Returns ok=false if no free extent fits.
func (h *heapState) findBestFit(requested uint32) (extent, bool) {
	start, _ := slices.BinarySearchFunc(h.freeBySize, extent{capacity: requested}, extentLessBySize)

	var (
		best    extent
		bestSet bool
		bestVal float64
	)

	considered := 0
	for i := start; i < len(h.freeBySize) && considered < bestOfN; i++ {
		cand := h.freeBySize[i]
		if cand.capacity < requested {
			continue
		}
		considered++

		cost := allocCost(cand.capacity, requested, cand.position)
		if !bestSet || cost < bestVal {
			best, bestVal, bestSet = cand, cost, true
		}
	}

	return best, bestSet
}

// allocate carves a used extent of the requested capacity (rounded up to
// minExtentGranularity by the caller) out of the best-fitting free extent;
// when the leftover would be smaller than minExtentGranularity, the whole
// free extent is used instead. Returns ok=false if no free extent is large
// enough; the caller must extend the heap and retry.
func (h *heapState) allocate(requested uint32) (extent, bool) {
	cand, ok := h.findBestFit(requested)
	if !ok {
		return extent{}, false
	}

	h.removeFree(cand)

	used := extent{position: cand.position, capacity: requested}
	remaining := cand.capacity - requested

	if remaining >= minExtentGranularity {
		h.insertFree(extent{position: cand.position + uint64(requested), capacity: remaining})
	} else {
		// Slack too small to track separately; fold it into the used extent.
		used.capacity = cand.capacity
	}

	h.markUsed(used.position, used.capacity)
	return used, true
}

// deallocate returns a used extent to the free set and coalesces it with
// its immediate position-adjacent free neighbors.
func (h *heapState) deallocate(position uint64) {
	capacity, ok := h.unmarkUsed(position)
	if !ok {
		return
	}

	freed := extent{position: position, capacity: capacity}

	// Coalesce with the following extent, if free and adjacent.
	if j, ok := slices.BinarySearchFunc(h.freeByPos, extent{position: freed.position + uint64(freed.capacity)}, extentLessByPos); ok {
		next := h.freeByPos[j]
		h.removeFree(next)
		freed.capacity += next.capacity
	}

	// Coalesce with the preceding extent, if free and adjacent.
	j, _ := slices.BinarySearchFunc(h.freeByPos, freed, extentLessByPos)
	if j > 0 {
		prev := h.freeByPos[j-1]
		if prev.position+uint64(prev.capacity) == freed.position {
			h.removeFree(prev)
			freed.position = prev.position
			freed.capacity += prev.capacity
		}
	}

	h.insertFree(freed)
}

// usedBytes and freeBytes total the tracked extents; used for reorg trigger
// evaluation (load factor / fragmentation).
func (h *heapState) usedBytes() uint64 {
	var total uint64
	for _, capacity := range h.usedByPos {
		total += uint64(capacity)
	}
	return total
}

func (h *heapState) freeBytesTotal() uint64 {
	var total uint64
	for _, e := range h.freeByPos {
		total += uint64(e.capacity)
	}
	return total
}

// usedExtentsDescending returns used extents ordered by descending
// position, the traversal order normal compaction sweeps use.
func (h *heapState) usedExtentsDescending() []extent {
	extents := make([]extent, 0, len(h.usedByPos))
	for position, capacity := range h.usedByPos {
		extents = append(extents, extent{position: position, capacity: capacity})
	}
	slices.SortFunc(extents, func(a, b extent) int { return -extentLessByPos(a, b) })
	return extents
}

// usedExtentsAscending returns used extents ordered by ascending position.
func (h *heapState) usedExtentsAscending() []extent {
	extents := make([]extent, 0, len(h.usedByPos))
	for position, capacity := range h.usedByPos {
		extents = append(extents, extent{position: position, capacity: capacity})
	}
	slices.SortFunc(extents, extentLessByPos)
	return extents
}

// tailFreeExtent returns the free extent immediately at the heap's end, if
// any — used when extending the heap to decide whether to grow an existing
// tail extent or append a new one.
func (h *heapState) tailFreeExtent(heapEnd uint64) (extent, bool) {
	if len(h.freeByPos) == 0 {
		return extent{}, false
	}
	last := h.freeByPos[len(h.freeByPos)-1]
	if last.position+uint64(last.capacity) == heapEnd {
		return last, true
	}
	return extent{}, false
}

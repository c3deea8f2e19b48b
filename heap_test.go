package blobkv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeapAllocateSplitsExtent(t *testing.T) {
	t.Parallel()

	h := newHeapState()
	h.insertFree(extent{position: 100, capacity: 64})

	used, ok := h.allocate(16)
	require.True(t, ok)
	require.Equal(t, uint64(100), used.position)
	require.Equal(t, uint32(16), used.capacity)

	require.Equal(t, uint64(48), h.freeBytesTotal())
}

func TestHeapAllocateFoldsSmallRemainder(t *testing.T) {
	t.Parallel()

	h := newHeapState()
	h.insertFree(extent{position: 0, capacity: 20})

	// Requesting 16 out of 20 would leave a 4-byte remainder, smaller than
	// minExtentGranularity, so the whole extent should be used instead.
	used, ok := h.allocate(16)
	require.True(t, ok)
	require.Equal(t, uint32(20), used.capacity)
	require.Equal(t, uint64(0), h.freeBytesTotal())
}

func TestHeapAllocateNoFit(t *testing.T) {
	t.Parallel()

	h := newHeapState()
	h.insertFree(extent{position: 0, capacity: 8})

	_, ok := h.allocate(16)
	require.False(t, ok)
}

func TestHeapDeallocateCoalescesNeighbors(t *testing.T) {
	t.Parallel()

	h := newHeapState()
	h.insertFree(extent{position: 0, capacity: 16})
	h.markUsed(16, 16)
	h.insertFree(extent{position: 32, capacity: 16})

	h.deallocate(16)

	require.Len(t, h.freeByPos, 1, "freeing the middle extent must merge with both neighbors")
	require.Equal(t, extent{position: 0, capacity: 48}, h.freeByPos[0])
}

func TestHeapBestOfThreePrefersLowerCost(t *testing.T) {
	t.Parallel()

	h := newHeapState()
	// Three extents all big enough for a 16-byte request: a tight fit far
	// into the file, an equally tight fit early in the file, and a slightly
	// larger early extent.
	h.insertFree(extent{position: 1000, capacity: 16})
	h.insertFree(extent{position: 10, capacity: 16})
	h.insertFree(extent{position: 20, capacity: 17})

	used, ok := h.findBestFit(16)
	require.True(t, ok)

	// allocCost grows with both wasted capacity and position; the exact
	// extent chosen must be one of the candidates considered, and cost-
	// optimal among them.
	bestCost := allocCost(used.capacity, 16, used.position)
	for _, cand := range []extent{{1000, 16}, {10, 16}, {20, 17}} {
		require.LessOrEqual(t, bestCost, allocCost(cand.capacity, 16, cand.position)+1e-9)
	}
}

func TestHeapUsedExtentsOrdering(t *testing.T) {
	t.Parallel()

	h := newHeapState()
	h.markUsed(30, 10)
	h.markUsed(10, 10)
	h.markUsed(20, 10)

	asc := h.usedExtentsAscending()
	require.Equal(t, []uint64{10, 20, 30}, positions(asc))

	desc := h.usedExtentsDescending()
	require.Equal(t, []uint64{30, 20, 10}, positions(desc))
}

func positions(extents []extent) []uint64 {
	out := make([]uint64, len(extents))
	for i, e := range extents {
		out[i] = e.position
	}
	return out
}

package blobkv

// Hardcoded implementation limits.
//
// These exist to keep arithmetic safely away from overflow boundaries and to
// bound resource usage for configurations this package does not fuzz/test.
// Limit violations are treated as programming/configuration errors.
const (
	// defaultInitialCapacity is C0, the index capacity a freshly created file
	// starts with.
	defaultInitialCapacity = uint32(128)

	// minInitialCapacity is the smallest index capacity Open will accept for
	// Options.InitialCapacity.
	minInitialCapacity = uint32(4)

	// maxIndexCapacity bounds the index capacity to keep C*20 safely below
	// the int range on 32-bit builds and to avoid pathological resize chains.
	maxIndexCapacity = uint32(1 << 26)

	// growLoadFactor and shrinkLoadFactor are the automatic reorg triggers.
	growLoadFactor   = 0.90
	shrinkLoadFactor = 0.35

	// compactionUsedRatio triggers a normal compaction when used bytes fall
	// below this fraction of heap bytes.
	compactionUsedRatio = 0.50

	// minExtentGranularity is the minimum unit of heap allocation; requested
	// sizes are rounded up to a multiple of this, and slack below this size
	// is folded into the enclosing extent rather than kept free.
	minExtentGranularity = 8

	// heapGrowGranularity is the minimum amount (bytes) the heap is extended
	// by when no free extent fits an allocation.
	heapGrowGranularity = 1 << 16 // 64 KiB

	// bestOfN is the number of size-ascending candidate free extents
	// considered by the best-of-three allocation strategy.
	bestOfN = 3

	// maxKeySizeBytes and maxValueSizeBytes bound a single blob's key/value
	// lengths. A blob's extent capacity is recorded in the low 28 bits of
	// size_and_flags (see sizeMask in format.go), so key+value+header must
	// stay comfortably under 256 MiB.
	maxKeySizeBytes   = 1 << 20 // 1 MiB
	maxValueSizeBytes = 1 << 26 // 64 MiB
)

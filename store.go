package blobkv

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/blobkv/blobkv/pkg/fs"
)

// Store is the public facade of the package: it composes the index table,
// blob heap, and mapping manager into get/set/delete/clear/iter/optimize.
//
// A Store has single-writer discipline: every exported method takes
// Store.mu, there is no internal goroutine, and every call is synchronous.
// It owns the decision of when to grow/shrink the index and when to compact
// the heap, evaluating those triggers automatically after each mutation.
type Store struct {
	mu sync.Mutex

	opts Options
	file *os.File
	m    *mapping

	slots *slotTable
	heap  *heapState
	count uint32 // occupied slots

	generation atomic.Uint64

	fileID           fileIdentity
	lockedInProcess  bool
	writeLock        *fs.Lock

	closed bool
}

// Open creates or opens the file at opts.Path and returns a ready-to-use
// Store. A second Open of the same path while the first Store is alive
// fails with [ErrLocked].
func Open(opts Options) (*Store, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	flag := os.O_RDWR
	if opts.ReadOnly {
		flag = os.O_RDONLY
	} else {
		flag |= os.O_CREATE
	}

	file, err := os.OpenFile(opts.Path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w: %w", opts.Path, ErrIo, err)
	}

	s := &Store{opts: opts, file: file}

	if err := s.acquireLocks(); err != nil {
		_ = file.Close()
		return nil, err
	}

	if err := s.initMapping(); err != nil {
		s.releaseLocks()
		_ = file.Close()
		return nil, err
	}

	result, err := rescan(s.m, s.slots)
	if err != nil {
		_ = s.m.close()
		s.releaseLocks()
		return nil, err
	}

	s.heap = result.heap
	s.count = result.occupiedCount
	s.generation.Store(1)

	return s, nil
}

func (s *Store) acquireLocks() error {
	if s.opts.ReadOnly || s.opts.DisableLocking {
		return nil
	}

	id, err := getFileIdentity(int(s.file.Fd()))
	if err != nil {
		return err
	}
	s.fileID = id

	if _, ok := acquireProcessLock(id); !ok {
		return ErrLocked
	}
	s.lockedInProcess = true

	lk, err := acquireWriteLock(s.opts.Path)
	if err != nil {
		releaseProcessLock(id)
		s.lockedInProcess = false
		return err
	}
	s.writeLock = lk

	return nil
}

func (s *Store) releaseLocks() {
	releaseWriteLock(s.writeLock)
	s.writeLock = nil

	if s.lockedInProcess {
		releaseProcessLock(s.fileID)
		s.lockedInProcess = false
	}
}

func (s *Store) initMapping() error {
	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("stat: %w: %w", ErrIo, err)
	}

	size := info.Size()

	var capacity uint32
	switch {
	case size == 0 && s.opts.ReadOnly:
		return fmt.Errorf("%w: file is empty", ErrBadFormat)
	case size == 0:
		capacity = s.opts.initialCapacity()
		if err := createEmptyFile(s.file, capacity); err != nil {
			return err
		}
		size = heapStart(capacity)
	default:
		hdrBuf := make([]byte, headerSize)
		if _, err := s.file.ReadAt(hdrBuf, 0); err != nil {
			return fmt.Errorf("read header: %w: %w", ErrBadFormat, err)
		}

		hdr, err := decodeHeader(hdrBuf)
		if err != nil {
			return err
		}

		capacity = hdr.capacity
		if size < heapStart(capacity) {
			return fmt.Errorf("%w: file shorter than header+index for capacity %d", ErrBadFormat, capacity)
		}
	}

	m, err := openMapping(s.file, size, !s.opts.ReadOnly)
	if err != nil {
		return err
	}

	s.m = m
	s.slots = &slotTable{m: m, capacity: capacity}
	return nil
}

func createEmptyFile(file *os.File, capacity uint32) error {
	if err := file.Truncate(heapStart(capacity)); err != nil {
		return fmt.Errorf("truncate new file: %w: %w", ErrIo, err)
	}

	hdr := encodeHeader(header{capacity: capacity})
	if _, err := file.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("write header: %w: %w", ErrIo, err)
	}

	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync new file: %w: %w", ErrIo, err)
	}

	return nil
}

// Close flushes the mapping, releases the file locks, and closes the
// backing file. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var err error
	if s.m != nil {
		err = errors.Join(err, s.m.flush())
		err = errors.Join(err, s.m.close())
	}

	s.releaseLocks()

	return err
}

// Flush commits dirty mapped pages and the file to disk without closing.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	return s.m.flush()
}

// Len returns the number of occupied slots (live keys).
func (s *Store) Len() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	return int(s.count), nil
}

func (s *Store) keyAt(rec slotRecord) []byte {
	position := rec.position
	hdr := s.m.data[position : position+blobHeaderSize]
	keyLen, _ := decodeBlobHeader(hdr)
	start := position + blobHeaderSize
	return s.m.data[start : start+uint64(keyLen)]
}

func (s *Store) valueAt(rec slotRecord) []byte {
	position := rec.position
	hdr := s.m.data[position : position+blobHeaderSize]
	keyLen, valueLen := decodeBlobHeader(hdr)
	start := position + blobHeaderSize + uint64(keyLen)
	return s.m.data[start : start+uint64(valueLen)]
}

func (s *Store) writeBlob(position uint64, key, value []byte) {
	encodeBlobHeader(s.m.data[position:position+blobHeaderSize], uint32(len(key)), uint32(len(value)))
	start := position + blobHeaderSize
	copy(s.m.data[start:], key)
	copy(s.m.data[start+uint64(len(key)):], value)
}

func (s *Store) bumpGeneration() uint64 {
	return s.generation.Add(1)
}

// Get returns a read-only view of key's value. ok is false if the key is
// absent (NotFound is represented as absence, not an error).
func (s *Store) Get(key []byte) (ReadView, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ReadView{}, false, ErrClosed
	}

	rec, _, found := s.slots.lookupKey(key, hashKey(key), s.keyAt)
	if !found {
		return ReadView{}, false, nil
	}

	return ReadView{store: s, generation: s.generation.Load(), data: s.valueAt(rec)}, true, nil
}

// GetMut returns a writable view of key's value. The caller may mutate
// bytes in place up to the view's length, but may not grow the value
// through it — use Set for that.
func (s *Store) GetMut(key []byte) (WriteView, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return WriteView{}, false, ErrClosed
	}
	if s.opts.ReadOnly {
		return WriteView{}, false, fmt.Errorf("%w: store opened read-only", ErrClosed)
	}

	rec, _, found := s.slots.lookupKey(key, hashKey(key), s.keyAt)
	if !found {
		return WriteView{}, false, nil
	}

	gen := s.bumpGeneration()
	return WriteView{store: s, generation: gen, data: s.valueAt(rec)}, true, nil
}

// Set upserts key to value, returning a view of the previous value if one
// existed. The previous view is a private copy rather than a live alias
// into the mapping, since reusing an extent in place overwrites the old
// bytes before the caller could observe them otherwise — see DESIGN.md for
// the reasoning.
func (s *Store) Set(key, value []byte) (ReadView, bool, error) {
	return s.setFlags(key, value, 0)
}

// GetFlags returns the raw flag bits stored alongside key's value, for use
// by adapters layered above Store (collaborator contracts).
func (s *Store) GetFlags(key []byte) (uint32, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, false, ErrClosed
	}

	rec, _, found := s.slots.lookupKey(key, hashKey(key), s.keyAt)
	if !found {
		return 0, false, nil
	}
	return rec.flags(), true, nil
}

// SetFlags behaves like Set but additionally stamps flags into the slot's
// size_and_flags high bits (the compression adapter uses this
// to record per-entry compression). For an existing key, bit 28 follows
// flags, while bits 29-31 already set on the entry are kept.
func (s *Store) SetFlags(key, value []byte, flags uint32) (ReadView, bool, error) {
	return s.setFlags(key, value, flags)
}

func (s *Store) setFlags(key, value []byte, flags uint32) (ReadView, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ReadView{}, false, ErrClosed
	}
	if s.opts.ReadOnly {
		return ReadView{}, false, fmt.Errorf("%w: store opened read-only", ErrClosed)
	}
	if len(key) > maxKeySizeBytes {
		return ReadView{}, false, ErrKeyTooLarge
	}
	if len(value) > maxValueSizeBytes {
		return ReadView{}, false, ErrValueTooLarge
	}

	h := hashKey(key)
	rec, pos, found := s.slots.lookupKey(key, h, s.keyAt)

	var prevCopy []byte
	if found {
		prevCopy = append([]byte(nil), s.valueAt(rec)...)
		// Flag bits this package does not claim survive the rewrite.
		flags |= rec.flags() &^ compressedFlagBit
	}

	needed := uint64(blobHeaderSize) + uint64(len(key)) + uint64(len(value))

	if found && uint64(rec.extentCapacity()) >= needed {
		s.writeBlob(rec.position, key, value)

		sf, err := makeSizeAndFlags(rec.extentCapacity(), flags)
		if err != nil {
			return ReadView{}, false, err
		}
		s.slots.set(pos, slotRecord{hash: h, sizeAndFlags: sf, position: rec.position})

		gen := s.bumpGeneration()
		return ReadView{store: s, generation: gen, data: prevCopy}, found, nil
	}

	if found {
		s.heap.deallocate(rec.position)
	}

	requestedCapacity, err := roundUpCapacity(needed)
	if err != nil {
		return ReadView{}, false, err
	}

	e, err := s.allocateExtent(requestedCapacity)
	if err != nil {
		return ReadView{}, false, err
	}

	s.writeBlob(e.position, key, value)

	sf, err := makeSizeAndFlags(e.capacity, flags)
	if err != nil {
		return ReadView{}, false, err
	}
	newRec := slotRecord{hash: h, sizeAndFlags: sf, position: e.position}

	if found {
		s.slots.set(pos, newRec)
	} else {
		s.slots.insert(newRec)
		s.count++
	}

	gen := s.bumpGeneration()

	if err := s.maybeReorganize(); err != nil {
		return ReadView{}, false, err
	}

	return ReadView{store: s, generation: gen, data: prevCopy}, found, nil
}

// Delete removes key, returning a view of its value if it existed.
func (s *Store) Delete(key []byte) (ReadView, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ReadView{}, false, ErrClosed
	}
	if s.opts.ReadOnly {
		return ReadView{}, false, fmt.Errorf("%w: store opened read-only", ErrClosed)
	}

	rec, pos, found := s.slots.lookupKey(key, hashKey(key), s.keyAt)
	if !found {
		return ReadView{}, false, nil
	}

	prevCopy := append([]byte(nil), s.valueAt(rec)...)

	s.slots.deleteAt(pos)
	s.heap.deallocate(rec.position)
	s.count--

	gen := s.bumpGeneration()

	if err := s.maybeReorganize(); err != nil {
		return ReadView{}, false, err
	}

	return ReadView{store: s, generation: gen, data: prevCopy}, true, nil
}

// Clear empties the index and heap, retaining the current index capacity.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.opts.ReadOnly {
		return fmt.Errorf("%w: store opened read-only", ErrClosed)
	}

	for i := uint32(0); i < s.slots.capacity; i++ {
		s.slots.clearSlot(i)
	}

	heapRegionStart := uint64(heapStart(s.slots.capacity))
	if err := s.m.resize(int64(heapRegionStart)); err != nil {
		return err
	}

	s.heap = newHeapState()
	s.count = 0
	s.bumpGeneration()

	return nil
}

// Entry is one occupied slot, as visited by Each/Filter.
type Entry struct {
	Key   []byte
	Value []byte
}

// Each calls fn for every occupied slot in table order. fn's Key/Value
// slices alias the mapping and are only valid for the duration of the call;
// since Value aliases live, mutable memory, Each also serves as the
// mutable-traversal ("each_mut") form — fn may write through Value in
// place without a separate entry point.
func (s *Store) Each(fn func(Entry) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	for i := uint32(0); i < s.slots.capacity; i++ {
		rec := s.slots.get(i)
		if rec.empty() {
			continue
		}
		if err := fn(Entry{Key: s.keyAt(rec), Value: s.valueAt(rec)}); err != nil {
			return err
		}
	}

	return nil
}

// Filter deletes every entry for which predicate returns false, using
// backward-shift delete. Because a delete can slide a later entry into
// the current slot, the cursor re-examines the current index after each
// delete rather than always advancing.
func (s *Store) Filter(predicate func(Entry) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.opts.ReadOnly {
		return fmt.Errorf("%w: store opened read-only", ErrClosed)
	}

	deleted := false

	for i := uint32(0); i < s.slots.capacity; {
		rec := s.slots.get(i)
		if rec.empty() {
			i++
			continue
		}

		if predicate(Entry{Key: s.keyAt(rec), Value: s.valueAt(rec)}) {
			i++
			continue
		}

		s.slots.deleteAt(i)
		s.heap.deallocate(rec.position)
		s.count--
		deleted = true
		// don't advance i: backward-shift may have moved another occupant here
	}

	if deleted {
		s.bumpGeneration()
		if err := s.maybeReorganize(); err != nil {
			return err
		}
	}

	return nil
}

// Optimize runs heap compaction, then truncates the file down to the new
// heap end. aggressive selects a dense, no-gap repack of every used extent
// against the heap start; otherwise a single first-fit sweep runs, which
// may leave internal gaps that don't reach the end of the heap.
func (s *Store) Optimize(aggressive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.opts.ReadOnly {
		return fmt.Errorf("%w: store opened read-only", ErrClosed)
	}

	var err error
	if aggressive {
		err = s.compactAggressive()
	} else {
		err = s.compactNormal()
	}
	if err != nil {
		return err
	}

	s.bumpGeneration()
	return nil
}

func roundUpCapacity(needed uint64) (uint32, error) {
	rem := needed % minExtentGranularity
	if rem != 0 {
		needed += minExtentGranularity - rem
	}
	if needed > uint64(sizeMask) {
		return 0, fmt.Errorf("%w: blob requires %d bytes, exceeds maximum extent size", ErrCapacity, needed)
	}
	return uint32(needed), nil
}

// allocateExtent finds or creates a free extent of at least requested
// bytes, growing the heap (and the backing file) when nothing fits.
func (s *Store) allocateExtent(requested uint32) (extent, error) {
	for {
		if e, ok := s.heap.allocate(requested); ok {
			return e, nil
		}
		if err := s.growHeap(requested); err != nil {
			return extent{}, err
		}
	}
}

func (s *Store) growHeap(minRequested uint32) error {
	growBy := uint64(heapGrowGranularity)
	if uint64(minRequested) > growBy {
		growBy = uint64(minRequested)
	}
	if rem := growBy % minExtentGranularity; rem != 0 {
		growBy += minExtentGranularity - rem
	}

	curLen := uint64(s.m.len())
	newLen := curLen + growBy

	if s.opts.MaxFileSize != 0 && newLen > s.opts.MaxFileSize {
		return fmt.Errorf("%w: growing heap to %d bytes would exceed MaxFileSize %d", ErrCapacity, newLen, s.opts.MaxFileSize)
	}

	if err := s.m.resize(int64(newLen)); err != nil {
		return err
	}

	if tail, ok := s.heap.tailFreeExtent(curLen); ok {
		s.heap.removeFree(tail)
		s.heap.insertFree(extent{position: tail.position, capacity: tail.capacity + uint32(growBy)})
	} else {
		s.heap.insertFree(extent{position: curLen, capacity: uint32(growBy)})
	}

	return nil
}

// loadFactor returns occupied/capacity.
func (s *Store) loadFactor() float64 {
	return float64(s.count) / float64(s.slots.capacity)
}

// maybeReorganize evaluates the automatic growth/shrink/compaction triggers
// at the end of a mutating op and runs at most one reorganization.
func (s *Store) maybeReorganize() error {
	lf := s.loadFactor()

	switch {
	case lf > growLoadFactor:
		return s.growIndex()
	case lf < shrinkLoadFactor && s.slots.capacity > s.opts.initialCapacity():
		return s.shrinkIndex()
	}

	heapBytes := s.heap.usedBytes() + s.heap.freeBytesTotal()
	if heapBytes > 0 && float64(s.heap.usedBytes())/float64(heapBytes) < compactionUsedRatio {
		return s.compactNormal()
	}

	return nil
}

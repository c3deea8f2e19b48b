package blobkv

// ReadView is a read-only view of a value, returned by Store.Get, Set, and
// Delete. Get's view aliases the backing mapping with no copy; Set/Delete
// return a view of the value as it was *before* the call, which is always a
// private copy (see DESIGN.md's Open Question decision on Set's in-place
// reuse branch).
//
// A ReadView is valid only until the next mutating Store call; after that
// every accessor returns ErrViewInvalidated instead of touching potentially
// stale or relocated mapped memory.
type ReadView struct {
	store      *Store
	generation uint64
	data       []byte
}

// Bytes returns the view's underlying bytes. The returned slice must not be
// retained past the view's validity window; copy it if you need to.
func (v ReadView) Bytes() ([]byte, error) {
	if err := v.store.checkGeneration(v.generation); err != nil {
		return nil, err
	}
	return v.data, nil
}

// Len returns the view's byte length without validating the generation,
// since length is immutable for the life of a view.
func (v ReadView) Len() int {
	return len(v.data)
}

// WriteView is a writable reference into the store's memory mapping,
// returned by Store.GetMut. Callers may mutate bytes in place up to the
// view's length, but may not grow the value through the view: use
// Store.Set to change length.
type WriteView struct {
	store      *Store
	generation uint64
	data       []byte
}

// Bytes returns the view's underlying mutable bytes, or ErrViewInvalidated
// if a mutating call happened since the view was issued.
func (v WriteView) Bytes() ([]byte, error) {
	if err := v.store.checkGeneration(v.generation); err != nil {
		return nil, err
	}
	return v.data, nil
}

func (v WriteView) Len() int {
	return len(v.data)
}

func (s *Store) checkGeneration(issued uint64) error {
	if s.generation.Load() != issued {
		return ErrViewInvalidated
	}
	return nil
}

package blobkv

import "fmt"

// Options configures Open.
type Options struct {
	// Path is the backing file. Created if it doesn't exist.
	Path string

	// InitialCapacity is C0, the index slot count a newly created file
	// starts with. Zero selects defaultInitialCapacity. When opening an
	// existing file the on-disk capacity governs, but this value (or the
	// default) is still the floor below which the index never shrinks.
	InitialCapacity uint32

	// MaxFileSize caps the backing file's size in bytes. Zero means
	// unbounded. Exceeding it during heap growth or index grow returns
	// ErrCapacity instead of attempting the underlying OS call.
	MaxFileSize uint64

	// ReadOnly opens the file without taking the writer lock and disables
	// all mutating methods, which return ErrClosed-wrapped errors if
	// called. Concurrent ReadOnly opens are permitted; a ReadOnly open
	// concurrent with a writer is the caller's responsibility to avoid
	// (readers require external synchronization).
	ReadOnly bool

	// DisableLocking skips the interprocess flock. Intended for tests that
	// open the same file repeatedly within one process and for callers
	// that already guarantee single-process access by other means.
	DisableLocking bool
}

func (o Options) validate() error {
	if o.Path == "" {
		return fmt.Errorf("%w: Path must not be empty", ErrInvalidOptions)
	}
	if o.InitialCapacity != 0 && o.InitialCapacity < minInitialCapacity {
		return fmt.Errorf("%w: InitialCapacity %d below minimum %d", ErrInvalidOptions, o.InitialCapacity, minInitialCapacity)
	}
	if o.InitialCapacity > maxIndexCapacity {
		return fmt.Errorf("%w: InitialCapacity %d exceeds maximum %d", ErrInvalidOptions, o.InitialCapacity, maxIndexCapacity)
	}
	if o.MaxFileSize != 0 && o.MaxFileSize < uint64(headerSize+int(minInitialCapacity)*slotRecordSize) {
		return fmt.Errorf("%w: MaxFileSize %d too small to hold even the minimum index", ErrInvalidOptions, o.MaxFileSize)
	}
	return nil
}

func (o Options) initialCapacity() uint32 {
	if o.InitialCapacity == 0 {
		return defaultInitialCapacity
	}
	return o.InitialCapacity
}

package blobkv

import "errors"

// Sentinel errors returned by Store operations. NotFound is deliberately not
// among them: absence of a key is reported as (view, false, nil), never as
// an error.
var (
	// ErrLocked is returned by Open when another handle already holds the
	// file open for writing, either in this process or another.
	ErrLocked = errors.New("blobkv: file locked by another writer")

	// ErrBadFormat is returned by Open when the file's magic bytes don't
	// match, or the header is truncated.
	ErrBadFormat = errors.New("blobkv: bad file format")

	// ErrIo wraps an underlying read/write/mmap/resize failure.
	ErrIo = errors.New("blobkv: i/o failure")

	// ErrCorrupt is returned when an invariant could not be reconstructed
	// during open or repair. The Store is unusable after this error.
	ErrCorrupt = errors.New("blobkv: store corrupt")

	// ErrCapacity is returned when an operation would exceed the configured
	// maximum file size (Options.MaxFileSize).
	ErrCapacity = errors.New("blobkv: capacity exceeded")

	// ErrEncodeFailed and ErrDecodeFailed are returned only by adapter
	// packages layered above Store (see adapters/typed, adapters/zstdvalue).
	ErrEncodeFailed = errors.New("blobkv: encode failed")
	ErrDecodeFailed = errors.New("blobkv: decode failed")

	// ErrClosed is returned by any Store method called after Close.
	ErrClosed = errors.New("blobkv: store closed")

	// ErrViewInvalidated is returned by ReadView/WriteView accessors once
	// the generation they were issued under no longer matches the store's
	// current generation (i.e. a mutating call happened in between).
	ErrViewInvalidated = errors.New("blobkv: view invalidated by a later mutation")

	// ErrInvalidOptions is returned by Open when Options fail validation.
	ErrInvalidOptions = errors.New("blobkv: invalid options")

	// ErrKeyTooLarge and ErrValueTooLarge guard against pathological
	// allocations; see limits.go.
	ErrKeyTooLarge   = errors.New("blobkv: key exceeds maximum size")
	ErrValueTooLarge = errors.New("blobkv: value exceeds maximum size")
)

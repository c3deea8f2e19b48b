// Package typed layers a typed collaborator contract over [blobkv.Store]:
// callers work with Go values, and the adapter owns marshaling them to and
// from the store's opaque byte values using CBOR's canonical encoding mode.
package typed

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/blobkv/blobkv"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("typed: building cbor encode mode: %v", err))
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("typed: building cbor decode mode: %v", err))
	}
}

// Store wraps a [blobkv.Store], encoding/decoding values of type T with CBOR.
// Keys remain raw bytes, matching the underlying store.
type Store[T any] struct {
	kv *blobkv.Store
}

// New returns a typed view over kv. kv's lifecycle (Open/Close) is owned by
// the caller, not by Store[T].
func New[T any](kv *blobkv.Store) *Store[T] {
	return &Store[T]{kv: kv}
}

// Get decodes key's value into a T. ok is false if the key is absent.
func (s *Store[T]) Get(key []byte) (value T, ok bool, err error) {
	view, found, err := s.kv.Get(key)
	if err != nil || !found {
		return value, found, err
	}

	raw, err := view.Bytes()
	if err != nil {
		return value, false, err
	}

	if err := decMode.Unmarshal(raw, &value); err != nil {
		return value, false, fmt.Errorf("%w: %w", blobkv.ErrDecodeFailed, err)
	}

	return value, true, nil
}

// Set encodes value and upserts it under key, returning whether key already
// existed.
func (s *Store[T]) Set(key []byte, value T) (bool, error) {
	var buf bytes.Buffer
	if err := encMode.NewEncoder(&buf).Encode(value); err != nil {
		return false, fmt.Errorf("%w: %w", blobkv.ErrEncodeFailed, err)
	}

	_, existed, err := s.kv.Set(key, buf.Bytes())
	return existed, err
}

// Delete removes key, decoding and returning its previous value if present.
func (s *Store[T]) Delete(key []byte) (value T, existed bool, err error) {
	view, found, err := s.kv.Delete(key)
	if err != nil || !found {
		return value, found, err
	}

	raw, err := view.Bytes()
	if err != nil {
		return value, false, err
	}

	if err := decMode.Unmarshal(raw, &value); err != nil {
		return value, false, fmt.Errorf("%w: %w", blobkv.ErrDecodeFailed, err)
	}

	return value, true, nil
}

// Each visits every entry, decoding values as T. A decode failure for one
// entry aborts the whole traversal with a wrapped [blobkv.ErrDecodeFailed].
func (s *Store[T]) Each(fn func(key []byte, value T) error) error {
	return s.kv.Each(func(e blobkv.Entry) error {
		var value T
		if err := decMode.Unmarshal(e.Value, &value); err != nil {
			return fmt.Errorf("%w: %w", blobkv.ErrDecodeFailed, err)
		}
		return fn(e.Key, value)
	})
}

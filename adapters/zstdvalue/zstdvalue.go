// Package zstdvalue layers transparent zstd compression over [blobkv.Store]:
// values above a size threshold are compressed on Set and decompressed on
// Get, using the flag-bit convention reserved at bit 28 of a slot's
// size_and_flags (format.go's sizeMask/compressedFlagBit).
package zstdvalue

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/blobkv/blobkv"
)

// compressedFlagBit mirrors blobkv's internal flag-bit convention (bit 28 of
// size_and_flags). It is re-declared here because blobkv does not export its
// internal flag layout; the two must be kept in sync (see DESIGN.md).
const compressedFlagBit = uint32(1) << 28

var (
	encoderOnce sync.Once
	encoder     *zstd.Encoder
	encoderErr  error

	decoderOnce sync.Once
	decoder     *zstd.Decoder
	decoderErr  error
)

func getEncoder() (*zstd.Encoder, error) {
	encoderOnce.Do(func() {
		encoder, encoderErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	})
	return encoder, encoderErr
}

func getDecoder() (*zstd.Decoder, error) {
	decoderOnce.Do(func() {
		decoder, decoderErr = zstd.NewReader(nil)
	})
	return decoder, decoderErr
}

// Store wraps a [blobkv.Store], compressing values at or above MinSize
// bytes before writing them and transparently decompressing on read.
type Store struct {
	kv      *blobkv.Store
	MinSize int
}

// New returns a compressing view over kv. Values shorter than minSize bytes
// are stored uncompressed (compression overhead isn't worth it below a few
// hundred bytes of zstd framing).
func New(kv *blobkv.Store, minSize int) *Store {
	return &Store{kv: kv, MinSize: minSize}
}

// Get returns key's value, decompressed if it was stored compressed.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	view, found, err := s.kv.Get(key)
	if err != nil || !found {
		return nil, found, err
	}

	raw, err := view.Bytes()
	if err != nil {
		return nil, false, err
	}

	flags, _, err := s.kv.GetFlags(key)
	if err != nil {
		return nil, false, err
	}

	if flags&compressedFlagBit == 0 {
		return raw, true, nil
	}

	dec, err := getDecoder()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", blobkv.ErrDecodeFailed, err)
	}

	out, err := dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", blobkv.ErrDecodeFailed, err)
	}

	return out, true, nil
}

// Set compresses value (if it meets MinSize) and upserts it under key.
func (s *Store) Set(key, value []byte) (bool, error) {
	if len(value) < s.MinSize {
		_, existed, err := s.kv.SetFlags(key, value, 0)
		return existed, err
	}

	enc, err := getEncoder()
	if err != nil {
		return false, fmt.Errorf("%w: %w", blobkv.ErrEncodeFailed, err)
	}

	compressed := enc.EncodeAll(value, nil)

	// Compression isn't always a win for small/incompressible inputs; fall
	// back to storing raw when it didn't help.
	if len(compressed) >= len(value) {
		_, existed, err := s.kv.SetFlags(key, value, 0)
		return existed, err
	}

	_, existed, err := s.kv.SetFlags(key, compressed, compressedFlagBit)
	return existed, err
}

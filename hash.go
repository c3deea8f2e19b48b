package blobkv

import "github.com/cespare/xxhash/v2"

// hashSeedLo and hashSeedHi fix the keyed hash used for every key in every
// file this package writes. The hash must be keyed and fixed across
// versions: changing these constants invalidates existing files, which is
// why the seed is not configurable.
const (
	hashSeedLo = "blobkv-index-seed-lo-\x01"
	hashSeedHi = "blobkv-index-seed-hi-\x02"

	// goldenRatio64 is the same fractional-golden-ratio mixing constant used
	// for 64-bit avalanche mixing throughout the pack (e.g.
	// FixedBlockKey.FromString in schraf-collections).
	goldenRatio64 = 0x9e3779b97f4a7c15
)

// hashKey computes the keyed 64-bit hash of key used to place it in the
// index table. It combines two independently-seeded xxhash digests through a
// golden-ratio mix so the result depends on both halves of the key material
// rather than being a bare xxhash of the key (which would make the keying
// trivially reversible for an attacker who knows the library).
func hashKey(key []byte) uint64 {
	lo := xxhash.Sum64(append([]byte(hashSeedLo), key...))
	hi := xxhash.Sum64(append([]byte(hashSeedHi), key...))

	mixed := lo ^ (hi * goldenRatio64)
	mixed ^= mixed >> 33
	mixed *= goldenRatio64
	mixed ^= mixed >> 29

	return mixed
}

// Package blobkv implements an embedded, single-file, memory-mapped
// key-value store for opaque byte-string keys and values.
//
// The backing file holds a fixed-width open-addressed hash index (Robin Hood
// hashing with backward-shift deletion) followed by a heap of variable-sized
// blobs. Reads return slices aliased directly into the memory mapping; no
// data is copied on the read path. Mutations are applied in place and the
// index/heap reorganize themselves automatically as load factor and
// fragmentation cross configured thresholds.
//
// Only one *Store may have a given file open for writing at a time; a second
// open on the same path fails with [ErrLocked]. There is no transaction
// model: a crash mid-write can leave the file in an inconsistent state, which
// [Open] repairs by rescanning rather than rolling back.
//
// Example:
//
//	store, err := blobkv.Open(blobkv.Options{Path: "data.bkv"})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	if _, _, err := store.Set([]byte("k"), []byte("v")); err != nil {
//	    return err
//	}
//
//	view, ok, err := store.Get([]byte("k"))
//	if err != nil {
//	    return err
//	}
//	if ok {
//	    value, err := view.Bytes()
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Println(string(value))
//	}
package blobkv

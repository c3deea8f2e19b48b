package blobkv_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/blobkv/blobkv"
)

// TestRepairDiscardsTruncatedTail covers a file truncated mid-blob: it's
// repaired by discarding the trailing slot(s) whose extents no longer fit,
// rather than failing outright.
func TestRepairDiscardsTruncatedTail(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "trunc.bkv")

	store, err := blobkv.Open(blobkv.Options{Path: path})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, _, err := store.Set([]byte{byte(i)}, []byte("some-reasonably-long-value"))
		require.NoError(t, err)
	}
	require.NoError(t, store.Close())

	info, err := os.Stat(path)
	require.NoError(t, err)

	// Chop off the last few bytes, landing inside the last-written blob.
	require.NoError(t, os.Truncate(path, info.Size()-4))

	dst := filepath.Join(t.TempDir(), "repaired.bkv")
	discarded, err := blobkv.Repair(path, dst)
	require.NoError(t, err)
	require.Equal(t, uint32(1), discarded, "truncation should discard exactly the last blob's slot")

	repaired, err := blobkv.Open(blobkv.Options{Path: dst})
	require.NoError(t, err)
	defer repaired.Close()

	n, err := repaired.Len()
	require.NoError(t, err)
	require.Equal(t, 9, n)
}

func TestRepairOfCleanFileDiscardsNothing(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "clean.bkv")

	store, err := blobkv.Open(blobkv.Options{Path: path})
	require.NoError(t, err)
	_, _, err = store.Set([]byte("k"), []byte("v"))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	discarded, err := blobkv.Repair(path, path)
	require.NoError(t, err)
	require.Zero(t, discarded)
}

package blobkv_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/blobkv/blobkv"
)

func openTestStore(t *testing.T, opts blobkv.Options) *blobkv.Store {
	t.Helper()

	if opts.Path == "" {
		opts.Path = filepath.Join(t.TempDir(), "test.bkv")
	}

	store, err := blobkv.Open(opts)
	require.NoError(t, err, "Open should succeed")

	t.Cleanup(func() {
		require.NoError(t, store.Close(), "Close should succeed")
	})

	return store
}

func TestSetGetRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, blobkv.Options{})

	_, existed, err := store.Set([]byte("hello"), []byte("world"))
	require.NoError(t, err)
	require.False(t, existed, "first Set of a new key must report existed=false")

	view, found, err := store.Get([]byte("hello"))
	require.NoError(t, err)
	require.True(t, found)

	value, err := view.Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte("world"), value)
}

func TestGetMissingKey(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, blobkv.Options{})

	_, found, err := store.Get([]byte("missing"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestSetReturnsPreviousValue(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, blobkv.Options{})

	_, _, err := store.Set([]byte("k"), []byte("first"))
	require.NoError(t, err)

	prev, existed, err := store.Set([]byte("k"), []byte("second-longer-value"))
	require.NoError(t, err)
	require.True(t, existed)

	prevBytes, err := prev.Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte("first"), prevBytes, "Set must return a view of the value as it was before this call")

	view, _, err := store.Get([]byte("k"))
	require.NoError(t, err)
	current, err := view.Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte("second-longer-value"), current)
}

func TestDeleteRemovesKey(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, blobkv.Options{})

	_, _, err := store.Set([]byte("k"), []byte("v"))
	require.NoError(t, err)

	prev, existed, err := store.Delete([]byte("k"))
	require.NoError(t, err)
	require.True(t, existed)

	prevBytes, err := prev.Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte("v"), prevBytes)

	_, found, err := store.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestDeleteMissingKeyIsNoop(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, blobkv.Options{})

	_, existed, err := store.Delete([]byte("never-set"))
	require.NoError(t, err)
	require.False(t, existed)
}

func TestViewInvalidatedAfterMutation(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, blobkv.Options{})

	_, _, err := store.Set([]byte("a"), []byte("1"))
	require.NoError(t, err)

	view, found, err := store.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)

	_, _, err = store.Set([]byte("b"), []byte("2"))
	require.NoError(t, err)

	_, err = view.Bytes()
	require.ErrorIs(t, err, blobkv.ErrViewInvalidated, "a view must invalidate once a later mutation has happened")
}

func TestClearEmptiesStore(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, blobkv.Options{})

	for i := 0; i < 50; i++ {
		_, _, err := store.Set([]byte(fmt.Sprintf("key-%d", i)), []byte("value"))
		require.NoError(t, err)
	}

	n, err := store.Len()
	require.NoError(t, err)
	require.Equal(t, 50, n)

	require.NoError(t, store.Clear())

	n, err = store.Len()
	require.NoError(t, err)
	require.Equal(t, 0, n)

	_, found, err := store.Get([]byte("key-0"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestFilterRemovesNonMatching(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, blobkv.Options{})

	for i := 0; i < 20; i++ {
		_, _, err := store.Set([]byte(fmt.Sprintf("k%02d", i)), []byte{byte(i)})
		require.NoError(t, err)
	}

	err := store.Filter(func(e blobkv.Entry) bool {
		return e.Value[0]%2 == 0
	})
	require.NoError(t, err)

	n, err := store.Len()
	require.NoError(t, err)
	require.Equal(t, 10, n)

	var survivors []byte
	err = store.Each(func(e blobkv.Entry) error {
		survivors = append(survivors, e.Value[0])
		return nil
	})
	require.NoError(t, err)

	want := []byte{0, 2, 4, 6, 8, 10, 12, 14, 16, 18}
	sortBytes(survivors)
	if diff := cmp.Diff(want, survivors); diff != "" {
		t.Fatalf("surviving values mismatch (-want +got):\n%s", diff)
	}
}

func sortBytes(b []byte) {
	for i := 1; i < len(b); i++ {
		for j := i; j > 0 && b[j-1] > b[j]; j-- {
			b[j-1], b[j] = b[j], b[j-1]
		}
	}
}

func TestReopenRepairsViaRescan(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "reopen.bkv")

	store, err := blobkv.Open(blobkv.Options{Path: path})
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		_, _, err := store.Set([]byte(fmt.Sprintf("key-%d", i)), []byte(fmt.Sprintf("value-%d", i)))
		require.NoError(t, err)
	}

	require.NoError(t, store.Close())

	reopened, err := blobkv.Open(blobkv.Options{Path: path})
	require.NoError(t, err)
	defer reopened.Close()

	n, err := reopened.Len()
	require.NoError(t, err)
	require.Equal(t, 100, n)

	view, found, err := reopened.Get([]byte("key-42"))
	require.NoError(t, err)
	require.True(t, found)

	value, err := view.Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte("value-42"), value)
}

func TestSecondOpenIsLocked(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "locked.bkv")

	first, err := blobkv.Open(blobkv.Options{Path: path})
	require.NoError(t, err)
	defer first.Close()

	_, err = blobkv.Open(blobkv.Options{Path: path})
	require.ErrorIs(t, err, blobkv.ErrLocked)
}

func TestGrowthAcrossManyEntries(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, blobkv.Options{InitialCapacity: 8})

	const count = 5000

	for i := 0; i < count; i++ {
		_, _, err := store.Set([]byte(fmt.Sprintf("key-%06d", i)), []byte(fmt.Sprintf("value-%06d", i)))
		require.NoError(t, err)
	}

	n, err := store.Len()
	require.NoError(t, err)
	require.Equal(t, count, n)

	for i := 0; i < count; i += 97 {
		view, found, err := store.Get([]byte(fmt.Sprintf("key-%06d", i)))
		require.NoError(t, err)
		require.True(t, found)

		value, err := view.Bytes()
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("value-%06d", i), string(value))
	}
}

func TestShrinkAfterBulkDelete(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, blobkv.Options{InitialCapacity: 8})

	const count = 2000

	keys := make([][]byte, count)
	for i := 0; i < count; i++ {
		keys[i] = []byte(fmt.Sprintf("key-%06d", i))
		_, _, err := store.Set(keys[i], []byte("v"))
		require.NoError(t, err)
	}

	for _, k := range keys[:count-10] {
		_, _, err := store.Delete(k)
		require.NoError(t, err)
	}

	n, err := store.Len()
	require.NoError(t, err)
	require.Equal(t, 10, n)

	for _, k := range keys[count-10:] {
		_, found, err := store.Get(k)
		require.NoError(t, err)
		require.True(t, found, "surviving keys must remain reachable after index shrink")
	}
}

func TestOptimizeAggressivePreservesData(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "optimize.bkv")
	store, err := blobkv.Open(blobkv.Options{Path: path})
	require.NoError(t, err)

	keys := make([][]byte, 0, 200)
	for i := 0; i < 200; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		keys = append(keys, key)
		_, _, err := store.Set(key, []byte(fmt.Sprintf("value-%03d-%s", i, "padding-to-vary-extent-sizes")))
		require.NoError(t, err)
	}

	// Delete every other key to fragment the heap before compacting.
	for i, k := range keys {
		if i%2 == 0 {
			_, _, err := store.Delete(k)
			require.NoError(t, err)
		}
	}

	before, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, store.Optimize(true))

	after, err := os.Stat(path)
	require.NoError(t, err)
	require.Less(t, after.Size(), before.Size(), "aggressive optimize must shrink the file by truncating the reclaimed heap tail")

	for i, k := range keys {
		view, found, err := store.Get(k)
		if i%2 == 0 {
			require.NoError(t, err)
			require.False(t, found)
			continue
		}
		require.NoError(t, err)
		require.True(t, found)

		value, err := view.Bytes()
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("value-%03d-%s", i, "padding-to-vary-extent-sizes"), string(value))
	}

	require.NoError(t, store.Close())

	// The truncation must have actually landed on disk, and the file must
	// reopen cleanly at its post-optimize size with every surviving entry
	// still reachable.
	reopenedStat, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, after.Size(), reopenedStat.Size())

	reopened, err := blobkv.Open(blobkv.Options{Path: path})
	require.NoError(t, err)
	defer reopened.Close()

	n, err := reopened.Len()
	require.NoError(t, err)
	require.Equal(t, 100, n)

	for i, k := range keys {
		if i%2 == 0 {
			continue
		}
		view, found, err := reopened.Get(k)
		require.NoError(t, err)
		require.True(t, found)

		value, err := view.Bytes()
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("value-%03d-%s", i, "padding-to-vary-extent-sizes"), string(value))
	}
}

func TestOptionsValidation(t *testing.T) {
	t.Parallel()

	_, err := blobkv.Open(blobkv.Options{})
	require.ErrorIs(t, err, blobkv.ErrInvalidOptions, "empty Path must be rejected")
}

func TestGetMutWritesThroughMapping(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, blobkv.Options{})

	_, _, err := store.Set([]byte("k"), []byte("abcdef"))
	require.NoError(t, err)

	mut, found, err := store.GetMut([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)

	buf, err := mut.Bytes()
	require.NoError(t, err)
	require.Equal(t, 6, mut.Len())
	buf[0] = 'X'

	view, found, err := store.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)

	value, err := view.Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte("Xbcdef"), value, "GetMut must hand back a live alias into the mapping, not a copy")
}

func TestGetFlagsSetFlagsRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, blobkv.Options{})

	const customFlag = uint32(1) << 28

	_, existed, err := store.SetFlags([]byte("k"), []byte("v"), customFlag)
	require.NoError(t, err)
	require.False(t, existed)

	got, found, err := store.GetFlags([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, customFlag, got)

	view, found, err := store.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	value, err := view.Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte("v"), value, "flags must not leak into the stored value bytes")

	_, found, err = store.GetFlags([]byte("missing"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestFlushSucceedsOnOpenStore(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, blobkv.Options{})

	_, _, err := store.Set([]byte("k"), []byte("v"))
	require.NoError(t, err)

	require.NoError(t, store.Flush())
}

func TestKeyAndValueTooLarge(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, blobkv.Options{})

	hugeKey := make([]byte, 2<<20)
	_, _, err := store.Set(hugeKey, []byte("v"))
	require.ErrorIs(t, err, blobkv.ErrKeyTooLarge)

	hugeValue := make([]byte, 70<<20)
	_, _, err = store.Set([]byte("k"), hugeValue)
	require.ErrorIs(t, err, blobkv.ErrValueTooLarge)
}

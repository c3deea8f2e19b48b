package blobkv

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestSlotTable(t *testing.T, capacity uint32) *slotTable {
	t.Helper()

	path := filepath.Join(t.TempDir(), "index.bin")
	length := heapStart(capacity)

	f, err := os.Create(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })

	require.NoError(t, f.Truncate(length))

	m, err := openMapping(f, length, true)
	require.NoError(t, err)
	t.Cleanup(func() { m.close() })

	return &slotTable{m: m, capacity: capacity}
}

func TestProbeDistanceWraps(t *testing.T) {
	t.Parallel()

	table := newTestSlotTable(t, 8)

	// An ideal position of 6 probed at position 1 has wrapped around once:
	// distance = capacity - ideal + pos = 8 - 6 + 1 = 3.
	require.Equal(t, uint32(3), table.probeDistance(1, 6))
	require.Equal(t, uint32(0), table.probeDistance(6, 6))
	require.Equal(t, uint32(2), table.probeDistance(6, 4))
}

func TestInsertLookupDelete(t *testing.T) {
	t.Parallel()

	table := newTestSlotTable(t, 16)

	keys := [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma"), []byte("delta")}
	keyAt := func(rec slotRecord) []byte {
		return keys[rec.position]
	}

	for i, k := range keys {
		table.insert(slotRecord{hash: hashKey(k), sizeAndFlags: 1, position: uint64(i)})
	}

	for i, k := range keys {
		rec, _, found := table.lookupKey(k, hashKey(k), keyAt)
		require.True(t, found, "key %q must be found", k)
		require.Equal(t, uint64(i), rec.position)
	}

	_, _, found := table.lookupKey([]byte("missing"), hashKey([]byte("missing")), keyAt)
	require.False(t, found)

	_, pos, found := table.lookupKey(keys[1], hashKey(keys[1]), keyAt)
	require.True(t, found)
	table.deleteAt(pos)

	_, _, found = table.lookupKey(keys[1], hashKey(keys[1]), keyAt)
	require.False(t, found, "deleted key must no longer be found")

	for i, k := range keys {
		if i == 1 {
			continue
		}
		_, _, found := table.lookupKey(k, hashKey(k), keyAt)
		require.True(t, found, "unrelated key %q must survive a delete elsewhere", k)
	}
}

func TestRobinHoodBoundsMaxProbeDistance(t *testing.T) {
	t.Parallel()

	const capacity = 64
	table := newTestSlotTable(t, capacity)

	keys := make([][]byte, 0, 40)
	keyAt := func(rec slotRecord) []byte { return keys[rec.position] }

	for i := 0; i < 40; i++ {
		k := []byte{byte(i), byte(i * 7), byte(i * 13)}
		keys = append(keys, k)
		table.insert(slotRecord{hash: hashKey(k), sizeAndFlags: 1, position: uint64(i)})
	}

	// Robin Hood hashing bounds worst-case probe distance far below a full
	// table scan; at this load factor it should stay small.
	require.Less(t, table.maxProbeDistance(), uint32(capacity))

	for i, k := range keys {
		rec, _, found := table.lookupKey(k, hashKey(k), keyAt)
		require.True(t, found)
		require.Equal(t, uint64(i), rec.position)
	}
}

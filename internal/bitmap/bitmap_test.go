package bitmap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openfam/openfam/internal/famerrors"
	"github.com/openfam/openfam/internal/kvs"
)

func newTestStore(t *testing.T) kvs.Store {
	t.Helper()
	store, err := kvs.OpenBoltStore(t.TempDir() + "/bitmap.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestReserveStartsAtReservedThreshold(t *testing.T) {
	b, err := Open(newTestStore(t), kvs.RootShelfBitmap, 64)
	require.NoError(t, err)

	id, err := b.Reserve()
	require.NoError(t, err)
	require.GreaterOrEqual(t, id, uint64(21))
}

func TestReserveIsExhaustive(t *testing.T) {
	b, err := Open(newTestStore(t), kvs.RootShelfBitmap, 24)
	require.NoError(t, err)

	// capacity 24, reserved start 21: exactly 3 ids available (21,22,23).
	seen := map[uint64]bool{}
	for i := 0; i < 3; i++ {
		id, err := b.Reserve()
		require.NoError(t, err)
		require.False(t, seen[id])
		seen[id] = true
	}

	_, err = b.Reserve()
	require.Error(t, err)
	require.True(t, famerrors.Is(err, famerrors.NoFreeRegionID))
}

func TestReleaseReturnsIDToPool(t *testing.T) {
	b, err := Open(newTestStore(t), kvs.RootShelfBitmap, 24)
	require.NoError(t, err)

	id, err := b.Reserve()
	require.NoError(t, err)
	require.NoError(t, b.Release(id))
	require.False(t, b.Test(id))

	again, err := b.Reserve()
	require.NoError(t, err)
	require.Equal(t, id, again)
}

func TestReserveConcurrentIsPairwiseDistinct(t *testing.T) {
	b, err := Open(newTestStore(t), kvs.RootShelfBitmap, 1024)
	require.NoError(t, err)

	const n = 64
	ids := make([]uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := b.Reserve()
			require.NoError(t, err)
			ids[i] = id
		}()
	}
	wg.Wait()

	seen := map[uint64]bool{}
	for _, id := range ids {
		require.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
		require.GreaterOrEqual(t, id, uint64(21))
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := t.TempDir() + "/bitmap.db"
	store, err := kvs.OpenBoltStore(path)
	require.NoError(t, err)

	b, err := Open(store, kvs.RootShelfBitmap, 64)
	require.NoError(t, err)
	id, err := b.Reserve()
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store2, err := kvs.OpenBoltStore(path)
	require.NoError(t, err)
	defer store2.Close()
	b2, err := Open(store2, kvs.RootShelfBitmap, 64)
	require.NoError(t, err)
	require.True(t, b2.Test(id))
}

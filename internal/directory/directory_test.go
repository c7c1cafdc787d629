package directory

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openfam/openfam/internal/famerrors"
	"github.com/openfam/openfam/internal/kvs"
	"github.com/openfam/openfam/internal/model"
)

func openTestDirectory(t *testing.T) (*Directory, kvs.Store) {
	t.Helper()
	store, err := kvs.OpenBoltStore(t.TempDir() + "/directory_test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	dir, err := Open(store)
	require.NoError(t, err)
	return dir, store
}

func TestInsertFindRoundTripByIDAndName(t *testing.T) {
	dir, _ := openTestDirectory(t)

	meta := &model.RegionMeta{RegionID: 42, Name: "r1", Size: 1024}
	require.NoError(t, dir.InsertRegion(meta))

	byID, err := dir.FindByID(42)
	require.NoError(t, err)
	require.Equal(t, "r1", byID.Name)

	byName, err := dir.FindByName("r1")
	require.NoError(t, err)
	require.Equal(t, uint64(42), byName.RegionID)
}

func TestInsertDuplicateNameFails(t *testing.T) {
	dir, _ := openTestDirectory(t)

	require.NoError(t, dir.InsertRegion(&model.RegionMeta{RegionID: 1, Name: "dup"}))
	err := dir.InsertRegion(&model.RegionMeta{RegionID: 2, Name: "dup"})
	require.Error(t, err)
	require.True(t, famerrors.Is(err, famerrors.RegionExist))

	// The failed insert must not have touched the id entry.
	_, err = dir.FindByID(2)
	require.True(t, famerrors.Is(err, famerrors.RegionNotFound))
}

func TestDeleteThenFindYieldsRegionNotFound(t *testing.T) {
	dir, _ := openTestDirectory(t)

	require.NoError(t, dir.InsertRegion(&model.RegionMeta{RegionID: 7, Name: "gone"}))
	require.NoError(t, dir.DeleteRegion(7, "gone"))

	_, err := dir.FindByID(7)
	require.True(t, famerrors.Is(err, famerrors.RegionNotFound))
	_, err = dir.FindByName("gone")
	require.True(t, famerrors.Is(err, famerrors.RegionNotFound))
}

func TestSecondDeleteYieldsRegionNotFound(t *testing.T) {
	dir, _ := openTestDirectory(t)

	require.NoError(t, dir.InsertRegion(&model.RegionMeta{RegionID: 9, Name: "once"}))
	require.NoError(t, dir.DeleteRegion(9, "once"))

	err := dir.DeleteRegion(9, "once")
	require.Error(t, err)
	require.True(t, famerrors.Is(err, famerrors.RegionNotFound))
}

func TestModifyRegionPersists(t *testing.T) {
	dir, _ := openTestDirectory(t)

	meta := &model.RegionMeta{RegionID: 3, Name: "m", Size: 10}
	require.NoError(t, dir.InsertRegion(meta))

	meta.Size = 20
	require.NoError(t, dir.ModifyRegion(meta))

	got, err := dir.FindByID(3)
	require.NoError(t, err)
	require.Equal(t, uint64(20), got.Size)
}

func TestFindByNameUnknownFails(t *testing.T) {
	dir, _ := openTestDirectory(t)
	_, err := dir.FindByName("nope")
	require.True(t, famerrors.Is(err, famerrors.RegionNotFound))
}

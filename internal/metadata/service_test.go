package metadata

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openfam/openfam/internal/bitmap"
	"github.com/openfam/openfam/internal/dataitemcache"
	"github.com/openfam/openfam/internal/directory"
	"github.com/openfam/openfam/internal/famerrors"
	"github.com/openfam/openfam/internal/kvs"
	"github.com/openfam/openfam/internal/model"
	"github.com/openfam/openfam/internal/permission"
)

const testBitmapCapacity = 1024

func newTestService(t *testing.T) *Service {
	t.Helper()
	store, err := kvs.OpenBoltStore(t.TempDir() + "/metadata_test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	dir, err := directory.Open(store)
	require.NoError(t, err)

	bm, err := bitmap.Open(store, kvs.RootShelfBitmap, testBitmapCapacity)
	require.NoError(t, err)

	cache := dataitemcache.New(store, dir)

	svc := New(nil, store, dir, bm, cache, 1)
	svc.UpdateMemoryServer([]uint64{100, 101}, nil, false, 0)
	return svc
}

func createRegion(t *testing.T, svc *Service, name string, uid, gid uint32, perm uint16) *model.RegionMeta {
	t.Helper()
	meta, err := svc.ValidateAndCreateRegion(CreateRegionParams{
		Name: name, Size: 128 << 20, MemType: model.Persistent,
		Perm: perm, UID: uid, GID: gid,
	})
	require.NoError(t, err)
	require.NoError(t, svc.InsertRegion(meta))
	return meta
}

// TestSeedScenarioS1 mirrors spec.md §8 S1.
func TestSeedScenarioS1(t *testing.T) {
	svc := newTestService(t)
	createRegion(t, svc, "r1", 1, 1, 0o777)

	found, err := svc.FindRegionByName("r1")
	require.NoError(t, err)
	require.Equal(t, uint64(128<<20), found.Size)
	require.Equal(t, uint32(1), found.UID)
	require.Equal(t, uint16(0o777), found.Perm)

	_, err = svc.ValidateAndDestroyRegion(found.RegionID, 1, 1)
	require.NoError(t, err)

	_, err = svc.ValidateAndDestroyRegion(found.RegionID, 1, 1)
	require.True(t, famerrors.Is(err, famerrors.RegionNotFound))
}

// TestSeedScenarioS2 mirrors spec.md §8 S2.
func TestSeedScenarioS2(t *testing.T) {
	svc := newTestService(t)
	region := createRegion(t, svc, "r1", 1, 1, 0o777)

	alloc, err := svc.ValidateAndAllocateDataitem(AllocateDataitemParams{
		Name: "i1", RegionID: region.RegionID, UID: 1, GID: 1, Size: 1024,
	})
	require.NoError(t, err)

	item := &model.DataItemMeta{
		RegionID: region.RegionID,
		ItemID:   1,
		Offsets:  []uint64{0},
		Name:     "i1",
		Size:     1024,
		UID:      1,
		GID:      1,
		Perm:     0o777,
		UsedMemserverCount: len(alloc.MemServerIDs),
		MemoryServerIDs:    alloc.MemServerIDs,
	}
	require.NoError(t, svc.InsertDataitem(item))

	found, err := svc.FindDataitemByName(region.RegionID, "i1")
	require.NoError(t, err)
	require.Equal(t, uint64(1024), found.Size)

	_, err = svc.ValidateAndDeallocateDataitem(region.RegionID, found.ItemID, 1, 1)
	require.NoError(t, err)

	_, err = svc.FindDataitemByName(region.RegionID, "i1")
	require.True(t, famerrors.Is(err, famerrors.DataitemNotFound))
}

// TestSeedScenarioS3 mirrors spec.md §8 S3.
func TestSeedScenarioS3(t *testing.T) {
	svc := newTestService(t)
	first := createRegion(t, svc, "r1", 1, 1, 0o777)

	_, err := svc.ValidateAndCreateRegion(CreateRegionParams{
		Name: "r1", Size: 64 << 20, MemType: model.Persistent, UID: 2, GID: 2,
	})
	require.True(t, famerrors.Is(err, famerrors.RegionExist))

	found, err := svc.FindRegionByName("r1")
	require.NoError(t, err)
	require.Equal(t, first.RegionID, found.RegionID)
	require.Equal(t, first.Size, found.Size)
}

// TestNameUniquenessLeaksNoRegionID covers property 1: a failed create
// must not leak the regionId it never reserved (duplicate is caught
// before Reserve is called).
func TestNameUniquenessLeaksNoRegionID(t *testing.T) {
	svc := newTestService(t)
	createRegion(t, svc, "dup", 1, 1, 0o700)

	before, err := svc.bitmap.Reserve()
	require.NoError(t, err)
	require.NoError(t, svc.bitmap.Release(before))

	_, err = svc.ValidateAndCreateRegion(CreateRegionParams{Name: "dup", Size: 1, UID: 2, GID: 2})
	require.True(t, famerrors.Is(err, famerrors.RegionExist))

	after, err := svc.bitmap.Reserve()
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestRegionIDsAreAtOrAboveReservedStart(t *testing.T) {
	svc := newTestService(t)
	meta := createRegion(t, svc, "r", 1, 1, 0o700)
	local := model.Descriptor{RegionID: meta.RegionID}.LocalRegionID()
	require.GreaterOrEqual(t, local, uint64(model.ReservedRegionIDStart))
}

func TestDestroyRequiresOwnerPermission(t *testing.T) {
	svc := newTestService(t)
	meta := createRegion(t, svc, "r", 1, 1, 0o700)

	_, err := svc.ValidateAndDestroyRegion(meta.RegionID, 2, 2)
	require.True(t, famerrors.Is(err, famerrors.NoPermission))

	_, err = svc.ValidateAndDestroyRegion(meta.RegionID, 1, 1)
	require.NoError(t, err)
}

func TestDataitemIsolationAcrossRegions(t *testing.T) {
	svc := newTestService(t)
	a := createRegion(t, svc, "a", 1, 1, 0o777)
	b := createRegion(t, svc, "b", 1, 1, 0o777)

	require.NoError(t, svc.InsertDataitem(&model.DataItemMeta{
		RegionID: a.RegionID, ItemID: 1, Offsets: []uint64{0}, Name: "shared", Size: 1, UID: 1, GID: 1,
	}))

	_, err := svc.FindDataitemByName(b.RegionID, "shared")
	require.True(t, famerrors.Is(err, famerrors.DataitemNotFound))

	found, err := svc.FindDataitemByName(a.RegionID, "shared")
	require.NoError(t, err)
	require.Equal(t, a.RegionID, found.RegionID)
}

func TestChangeRegionPermissionOwnerOnly(t *testing.T) {
	svc := newTestService(t)
	meta := createRegion(t, svc, "r", 1, 1, 0o700)

	err := svc.ChangeRegionPermission(meta.RegionID, 0o755, 2)
	require.True(t, famerrors.Is(err, famerrors.NoPermission))

	require.NoError(t, svc.ChangeRegionPermission(meta.RegionID, 0o755, 1))
	found, err := svc.FindRegionByID(meta.RegionID)
	require.NoError(t, err)
	require.Equal(t, uint16(0o755), found.Perm)
}

func TestResizeRegionUpdatesSizeOnly(t *testing.T) {
	svc := newTestService(t)
	meta := createRegion(t, svc, "r", 1, 1, 0o700)
	before, err := svc.FindRegionByID(meta.RegionID)
	require.NoError(t, err)

	require.NoError(t, svc.ResizeRegion(meta.RegionID, 256<<20, 1, 1))
	found, err := svc.FindRegionByID(meta.RegionID)
	require.NoError(t, err)
	require.Equal(t, uint64(256<<20), found.Size)
	require.Equal(t, before.DataItemIDRoot, found.DataItemIDRoot)
}

func TestListRegionsAndMemoryServers(t *testing.T) {
	svc := newTestService(t)
	createRegion(t, svc, "r1", 1, 1, 0o700)
	createRegion(t, svc, "r2", 1, 1, 0o700)

	regions, err := svc.ListRegions()
	require.NoError(t, err)
	require.Len(t, regions, 2)

	persistent, volatile := svc.ListMemoryServers()
	require.Equal(t, []uint64{100, 101}, persistent)
	require.Empty(t, volatile)
}

func TestFindRegionAndCheckPermissionsDeniesOther(t *testing.T) {
	svc := newTestService(t)
	meta := createRegion(t, svc, "r", 1, 1, 0o700)

	_, err := svc.FindRegionByIDAndCheckPermissions(meta.RegionID, permission.Read, 2, 2)
	require.True(t, famerrors.Is(err, famerrors.NoPermission))

	found, err := svc.FindRegionByIDAndCheckPermissions(meta.RegionID, permission.Read|permission.OwnerAllow, 1, 1)
	require.NoError(t, err)
	require.Equal(t, meta.RegionID, found.RegionID)
}

package server

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openfam/openfam/internal/bitmap"
	"github.com/openfam/openfam/internal/dataitemcache"
	"github.com/openfam/openfam/internal/directory"
	"github.com/openfam/openfam/internal/kvs"
	"github.com/openfam/openfam/internal/metadata"
	"github.com/openfam/openfam/internal/transport"
	"github.com/openfam/openfam/internal/wire"
)

// fakeTransport is an in-process transport.Transport: Call dispatches
// directly to whatever handler Register installed, skipping the network
// entirely, so these tests exercise the handlers without libp2p or
// WebRTC plumbing.
type fakeTransport struct {
	handlers map[string]transport.Handler
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]transport.Handler)}
}

func (f *fakeTransport) Start(context.Context) error { return nil }
func (f *fakeTransport) Stop(context.Context) error  { return nil }

func (f *fakeTransport) RegisterHandler(method string, h transport.Handler) {
	f.handlers[method] = h
}

func (f *fakeTransport) Call(ctx context.Context, peer string, method string, payload []byte) ([]byte, error) {
	h, ok := f.handlers[method]
	if !ok {
		return nil, fmt.Errorf("fakeTransport: no handler registered for %s", method)
	}
	return h(ctx, payload)
}

var _ transport.Transport = (*fakeTransport)(nil)

func newTestServer(t *testing.T) (*Server, *fakeTransport) {
	t.Helper()
	store, err := kvs.OpenBoltStore(t.TempDir() + "/server_test.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	dir, err := directory.Open(store)
	require.NoError(t, err)
	bm, err := bitmap.Open(store, kvs.RootShelfBitmap, 1024)
	require.NoError(t, err)
	cache := dataitemcache.New(store, dir)

	svc := metadata.New(nil, store, dir, bm, cache, 7)
	svc.UpdateMemoryServer([]uint64{7}, nil, false, 0)

	tr := newFakeTransport()
	srv := New(nil, svc, tr, nil)
	srv.Register()
	return srv, tr
}

func call[Req, Resp any](t *testing.T, tr *fakeTransport, method string, req Req) Resp {
	t.Helper()
	payload, err := wire.EncodePayload(req)
	require.NoError(t, err)
	respPayload, err := tr.Call(context.Background(), "", method, payload)
	require.NoError(t, err)
	var resp Resp
	require.NoError(t, wire.DecodePayload(respPayload, &resp))
	return resp
}

func TestCreateAllocateLookupRoundTrip(t *testing.T) {
	_, tr := newTestServer(t)

	createResp := call[wire.CreateRegionRequest, wire.CreateRegionResponse](t, tr, wire.MethodCreateRegion, wire.CreateRegionRequest{
		Name: "r1", Size: 4096, Perm: 0o700, UID: 1, GID: 1,
	})
	require.NoError(t, createResp.Err())
	require.NotZero(t, createResp.RegionID)

	allocResp := call[wire.AllocateRequest, wire.AllocateResponse](t, tr, wire.MethodAllocate, wire.AllocateRequest{
		RegionID: createResp.RegionID, Name: "item1", Size: 256, Perm: 0o600, UID: 1, GID: 1,
	})
	require.NoError(t, allocResp.Err())
	require.NotEmpty(t, allocResp.Key)

	lookupResp := call[wire.LookupRequest, wire.LookupResponse](t, tr, wire.MethodLookup, wire.LookupRequest{
		ItemName: "item1", RegionName: "r1", UID: 1, GID: 1,
	})
	require.NoError(t, lookupResp.Err())
	require.Equal(t, allocResp.Offset, lookupResp.Offset)
}

func TestAllocateDeniedWithoutWritePermission(t *testing.T) {
	_, tr := newTestServer(t)

	createResp := call[wire.CreateRegionRequest, wire.CreateRegionResponse](t, tr, wire.MethodCreateRegion, wire.CreateRegionRequest{
		Name: "r1", Size: 4096, Perm: 0o700, UID: 1, GID: 1,
	})
	require.NoError(t, createResp.Err())

	allocResp := call[wire.AllocateRequest, wire.AllocateResponse](t, tr, wire.MethodAllocate, wire.AllocateRequest{
		RegionID: createResp.RegionID, Name: "item1", Size: 256, Perm: 0o600, UID: 2, GID: 2,
	})
	require.Error(t, allocResp.Err())
}

func TestDestroyRegionThenLookupFails(t *testing.T) {
	_, tr := newTestServer(t)

	createResp := call[wire.CreateRegionRequest, wire.CreateRegionResponse](t, tr, wire.MethodCreateRegion, wire.CreateRegionRequest{
		Name: "r1", Size: 4096, Perm: 0o700, UID: 1, GID: 1,
	})
	require.NoError(t, createResp.Err())

	destroyResp := call[wire.DestroyRegionRequest, wire.DestroyRegionResponse](t, tr, wire.MethodDestroyRegion, wire.DestroyRegionRequest{
		RegionID: createResp.RegionID, UID: 1, GID: 1,
	})
	require.NoError(t, destroyResp.Err())

	lookupResp := call[wire.LookupRegionRequest, wire.LookupRegionResponse](t, tr, wire.MethodLookupRegion, wire.LookupRegionRequest{
		Name: "r1", UID: 1, GID: 1,
	})
	require.Error(t, lookupResp.Err())
}

func TestCopyThenWaitForCopySucceeds(t *testing.T) {
	_, tr := newTestServer(t)

	createResp := call[wire.CreateRegionRequest, wire.CreateRegionResponse](t, tr, wire.MethodCreateRegion, wire.CreateRegionRequest{
		Name: "r1", Size: 4096, Perm: 0o700, UID: 1, GID: 1,
	})
	require.NoError(t, createResp.Err())

	src := call[wire.AllocateRequest, wire.AllocateResponse](t, tr, wire.MethodAllocate, wire.AllocateRequest{
		RegionID: createResp.RegionID, Name: "src", Size: 256, Perm: 0o600, UID: 1, GID: 1,
	})
	require.NoError(t, src.Err())
	dst := call[wire.AllocateRequest, wire.AllocateResponse](t, tr, wire.MethodAllocate, wire.AllocateRequest{
		RegionID: createResp.RegionID, Name: "dst", Size: 256, Perm: 0o600, UID: 1, GID: 1,
	})
	require.NoError(t, dst.Err())

	copyResp := call[wire.CopyRequest, wire.CopyResponse](t, tr, wire.MethodCopy, wire.CopyRequest{
		SrcRegionID: createResp.RegionID, SrcOffset: src.Offset, DestOffset: dst.Offset, Size: 256, UID: 1, GID: 1,
	})
	require.NoError(t, copyResp.Err())
	require.NotEmpty(t, copyResp.Tag)

	waitResp := call[wire.WaitForCopyRequest, wire.WaitForCopyResponse](t, tr, wire.MethodWaitForCopy, wire.WaitForCopyRequest{
		Tag: copyResp.Tag,
	})
	require.NoError(t, waitResp.Err())
}

func TestAcquireAndReleaseCASLockRoundTrip(t *testing.T) {
	_, tr := newTestServer(t)

	acq := call[wire.AcquireCASLockRequest, wire.AcquireCASLockResponse](t, tr, wire.MethodAcquireCASLock, wire.AcquireCASLockRequest{
		RegionID: 7, Offset: 0,
	})
	require.NoError(t, acq.Err())

	rel := call[wire.ReleaseCASLockRequest, wire.ReleaseCASLockResponse](t, tr, wire.MethodReleaseCASLock, wire.ReleaseCASLockRequest{
		RegionID: 7, Offset: 0,
	})
	require.NoError(t, rel.Err())
}

func TestSignalStartReturnsOK(t *testing.T) {
	_, tr := newTestServer(t)
	resp := call[wire.SignalStartRequest, wire.SignalStartResponse](t, tr, wire.MethodSignalStart, wire.SignalStartRequest{})
	require.NoError(t, resp.Err())
}

func TestListRegionsReflectsCreatedRegions(t *testing.T) {
	_, tr := newTestServer(t)

	createResp := call[wire.CreateRegionRequest, wire.CreateRegionResponse](t, tr, wire.MethodCreateRegion, wire.CreateRegionRequest{
		Name: "r1", Size: 4096, Perm: 0o700, UID: 1, GID: 1,
	})
	require.NoError(t, createResp.Err())

	listResp := call[wire.ListRegionsRequest, wire.ListRegionsResponse](t, tr, wire.MethodListRegions, wire.ListRegionsRequest{})
	require.NoError(t, listResp.Err())
	require.Len(t, listResp.Regions, 1)
	require.Equal(t, "r1", listResp.Regions[0].Name)
	require.Equal(t, createResp.RegionID, listResp.Regions[0].RegionID)
}

func TestListMemoryServersReflectsRoster(t *testing.T) {
	_, tr := newTestServer(t)

	resp := call[wire.ListMemoryServersRequest, wire.ListMemoryServersResponse](t, tr, wire.MethodListMemoryServers, wire.ListMemoryServersRequest{})
	require.NoError(t, resp.Err())
	require.Equal(t, []uint64{7}, resp.Persistent)
	require.Empty(t, resp.Volatile)
}

func TestUpdateMemoryServerChangesRoster(t *testing.T) {
	_, tr := newTestServer(t)

	updateResp := call[wire.UpdateMemoryServerRequest, wire.UpdateMemoryServerResponse](t, tr, wire.MethodUpdateMemoryServer, wire.UpdateMemoryServerRequest{
		PersistentIDs: []uint64{7, 9},
		VolatileIDs:   []uint64{11},
	})
	require.NoError(t, updateResp.Err())

	listResp := call[wire.ListMemoryServersRequest, wire.ListMemoryServersResponse](t, tr, wire.MethodListMemoryServers, wire.ListMemoryServersRequest{})
	require.NoError(t, listResp.Err())
	require.ElementsMatch(t, []uint64{7, 9}, listResp.Persistent)
	require.ElementsMatch(t, []uint64{11}, listResp.Volatile)
}

func TestResetBitmapReleasesOnlyTheGivenRegionID(t *testing.T) {
	_, tr := newTestServer(t)

	r1 := call[wire.CreateRegionRequest, wire.CreateRegionResponse](t, tr, wire.MethodCreateRegion, wire.CreateRegionRequest{
		Name: "r1", Size: 4096, Perm: 0o700, UID: 1, GID: 1,
	})
	require.NoError(t, r1.Err())
	r2 := call[wire.CreateRegionRequest, wire.CreateRegionResponse](t, tr, wire.MethodCreateRegion, wire.CreateRegionRequest{
		Name: "r2", Size: 4096, Perm: 0o700, UID: 1, GID: 1,
	})
	require.NoError(t, r2.Err())
	require.NotEqual(t, r1.RegionID, r2.RegionID)

	resetResp := call[wire.ResetBitmapRequest, wire.ResetBitmapResponse](t, tr, wire.MethodResetBitmap, wire.ResetBitmapRequest{
		RegionID: r1.RegionID,
	})
	require.NoError(t, resetResp.Err())

	// reset_bitmap must not touch directory/KVS state: both regions are
	// still listed, including the one whose id was just released.
	listResp := call[wire.ListRegionsRequest, wire.ListRegionsResponse](t, tr, wire.MethodListRegions, wire.ListRegionsRequest{})
	require.NoError(t, listResp.Err())
	require.Len(t, listResp.Regions, 2)

	// r1's localId is free again (the bit was actually cleared, not a
	// no-op), so the next reservation reuses it.
	r3 := call[wire.CreateRegionRequest, wire.CreateRegionResponse](t, tr, wire.MethodCreateRegion, wire.CreateRegionRequest{
		Name: "r3", Size: 4096, Perm: 0o700, UID: 1, GID: 1,
	})
	require.NoError(t, r3.Err())
	require.Equal(t, r1.RegionID, r3.RegionID)
}

// Package descriptor implements the client-side Descriptor and Fabric
// Key Cache from spec.md §4.9: a position-independent (regionId, offset)
// pair plus the per-PE cache of keys, base addresses, size and
// permission that a descriptor accumulates on first use so later
// data-plane operations skip the metadata round-trip. The actual RDMA
// data plane is out of scope (spec.md §1); this package stops at the
// control-plane boundary — acquiring the fabric key and the CAS lock,
// not performing the CAS itself.
package descriptor

import (
	"context"
	"sync"

	"github.com/openfam/openfam/internal/allocatorclient"
	"github.com/openfam/openfam/internal/famerrors"
	"github.com/openfam/openfam/internal/model"
	"github.com/openfam/openfam/internal/wire"
)

// Status is the descriptor's monotone lifecycle state (spec.md §3).
type Status int

const (
	Uninitialized Status = iota
	Initialized
	InitializedNoKey
	Invalid
)

func (s Status) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case InitializedNoKey:
		return "initialized_no_key"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Cache holds everything a descriptor learns from check_permission_get_info
// so later operations on the same descriptor can skip the metadata
// round-trip.
type Cache struct {
	Key  []byte
	Base uint64
	Size uint64
	Perm uint32
	Name string
}

// Descriptor is not safe for concurrent use by design (spec.md §5): it
// is single-owner, per-PE, per-thread.
type Descriptor struct {
	model.Descriptor

	mu     sync.Mutex
	status Status
	cache  Cache
}

func New(d model.Descriptor) *Descriptor {
	return &Descriptor{Descriptor: d, status: Uninitialized}
}

func (d *Descriptor) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// EnsureInitialized performs check_permission_get_info against the owning
// memory server if the descriptor hasn't already cached a result, then
// returns the cached fabric key material. A descriptor that is
// Invalid (cache was torn down by a remote permission change or
// deallocation) always re-fetches: spec.md §4.9 leaves the choice
// between throwing invalid-descriptor and retriggering the round-trip
// to the implementation, and this client chooses to retry so a single
// revoke-then-regrant doesn't need an explicit re-lookup call.
func (d *Descriptor) EnsureInitialized(ctx context.Context, alloc *allocatorclient.Client, uid, gid uint32) (Cache, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.status == Initialized || d.status == InitializedNoKey {
		return d.cache, nil
	}

	if d.IsRegion() {
		var resp wire.CheckPermissionGetRegionInfoResponse
		req := wire.CheckPermissionGetRegionInfoRequest{RegionID: d.RegionID, UID: uid, GID: gid}
		if err := alloc.CallCheckPermissionGetRegionInfo(ctx, d.MemoryServerID(), req, &resp); err != nil {
			return Cache{}, err
		}
		if err := resp.Err(); err != nil {
			return Cache{}, err
		}
		d.cache = Cache{Size: resp.Size}
		d.status = InitializedNoKey
		return d.cache, nil
	}

	resp, err := alloc.CheckPermissionGetItemInfo(ctx, d.MemoryServerID(), wire.CheckPermissionGetItemInfoRequest{
		RegionID: d.RegionID,
		Offset:   d.Offset,
		UID:      uid,
		GID:      gid,
	})
	if err != nil {
		d.status = Invalid
		return Cache{}, err
	}

	d.cache = Cache{Key: resp.Key, Base: resp.Base, Size: resp.Size}
	d.status = Initialized
	return d.cache, nil
}

// Invalidate tears down the cache. Called when the local client learns
// (out of band, e.g. via a server push or a subsequent failed data-plane
// op) that a permission change or deallocation happened on the owning
// server.
func (d *Descriptor) Invalidate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = Invalid
	d.cache = Cache{}
}

// AcquireCASLock and ReleaseCASLock bracket the software emulation of a
// 128-bit compare-and-swap that spec.md §4.9 requires because no fabric
// offers one natively. The named advisory lock lives on the memory
// server that owns the descriptor; acquiring it here only reserves the
// right to perform the (data-plane, out of scope) read-modify-write.
func (d *Descriptor) AcquireCASLock(ctx context.Context, alloc *allocatorclient.Client) error {
	var resp wire.AcquireCASLockResponse
	req := wire.AcquireCASLockRequest{RegionID: d.RegionID, Offset: d.Offset}
	if err := alloc.CallAcquireCASLock(ctx, d.MemoryServerID(), req, &resp); err != nil {
		return err
	}
	return resp.Err()
}

func (d *Descriptor) ReleaseCASLock(ctx context.Context, alloc *allocatorclient.Client) error {
	var resp wire.ReleaseCASLockResponse
	req := wire.ReleaseCASLockRequest{RegionID: d.RegionID, Offset: d.Offset}
	if err := alloc.CallReleaseCASLock(ctx, d.MemoryServerID(), req, &resp); err != nil {
		return err
	}
	return resp.Err()
}

// AssertUsable returns invalid-descriptor if the cache was torn down and
// not yet refreshed, so data-plane callers (outside this module) fail
// fast instead of issuing RDMA against stale key material.
func (d *Descriptor) AssertUsable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.status == Invalid {
		return famerrors.New(famerrors.InvalidDescriptor, "descriptor invalidated")
	}
	return nil
}

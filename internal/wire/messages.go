// Package wire defines the RPC message surface from spec.md §6, encoded
// with msgpack's reflection-based codec (no code generation step,
// unlike the capnproto2/protobuf schemas referenced but never generated
// in the teacher repo — see DESIGN.md). Every response embeds Status,
// carrying the same errorcode/errormsg pair regardless of which
// transport binding carries the bytes.
package wire

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/openfam/openfam/internal/famerrors"
)

// Status is embedded in every response message. ErrorCode 0 means
// success; a non-zero code is one of famerrors.Code's values.
type Status struct {
	ErrorCode int    `msgpack:"errorcode"`
	ErrorMsg  string `msgpack:"errormsg"`
}

// OK builds a zero-value (successful) Status.
func OK() Status { return Status{} }

// StatusFromError converts a famerrors.Error (or any error, defaulting to
// metadata-error) into a wire Status.
func StatusFromError(err error) Status {
	if err == nil {
		return OK()
	}
	return Status{ErrorCode: int(famerrors.CodeOf(err)), ErrorMsg: err.Error()}
}

// Err converts a non-zero Status back into a *famerrors.Error, or nil on
// success.
func (s Status) Err() error {
	if s.ErrorCode == 0 {
		return nil
	}
	return famerrors.New(famerrors.Code(s.ErrorCode), s.ErrorMsg)
}

// Envelope is the outermost frame every transport binding exchanges:
// Method names which RPC this is (spec.md §6), RequestID correlates a
// request/response pair (rdmabind matches each response to its pending
// call by it; reqresp opens one stream per call), and Payload is the msgpack-encoded
// request or response struct below.
type Envelope struct {
	Method    string `msgpack:"method"`
	RequestID string `msgpack:"request_id"`
	Payload   []byte `msgpack:"payload"`
}

// EncodePayload and DecodePayload wrap msgpack.Marshal/Unmarshal so
// transport bindings never import msgpack directly.
func EncodePayload(v any) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, famerrors.Wrap(famerrors.MetadataError, "wire: encode payload", err)
	}
	return b, nil
}

func DecodePayload(b []byte, v any) error {
	if err := msgpack.Unmarshal(b, v); err != nil {
		return famerrors.Wrap(famerrors.MetadataError, "wire: decode payload", err)
	}
	return nil
}

// Method names, used as Envelope.Method and for transport handler
// registration (spec.md §6).
const (
	MethodCreateRegion               = "create_region"
	MethodDestroyRegion              = "destroy_region"
	MethodResizeRegion               = "resize_region"
	MethodAllocate                   = "allocate"
	MethodDeallocate                 = "deallocate"
	MethodChangeRegionPermission     = "change_region_permission"
	MethodChangeDataitemPermission   = "change_dataitem_permission"
	MethodLookupRegion               = "lookup_region"
	MethodLookup                     = "lookup"
	MethodCheckPermissionGetRegion   = "check_permission_get_region_info"
	MethodCheckPermissionGetItemInfo = "check_permission_get_item_info"
	MethodCopy                       = "copy"
	MethodWaitForCopy                = "wait_for_copy"
	MethodAcquireCASLock             = "acquire_cas_lock"
	MethodReleaseCASLock             = "release_cas_lock"
	MethodSignalStart                = "signal_start"
	MethodSignalTermination          = "signal_termination"
)

// --- create_region ---

type CreateRegionRequest struct {
	Name string `msgpack:"name"`
	Size uint64 `msgpack:"size"`
	Perm uint16 `msgpack:"perm"`
	UID  uint32 `msgpack:"uid"`
	GID  uint32 `msgpack:"gid"`
}

type CreateRegionResponse struct {
	Status
	RegionID uint64 `msgpack:"region_id"`
	Offset   uint64 `msgpack:"offset"`
}

// --- destroy_region ---

type DestroyRegionRequest struct {
	RegionID uint64 `msgpack:"region_id"`
	UID      uint32 `msgpack:"uid"`
	GID      uint32 `msgpack:"gid"`
}

type DestroyRegionResponse struct {
	Status
}

// --- resize_region ---

type ResizeRegionRequest struct {
	RegionID uint64 `msgpack:"region_id"`
	Size     uint64 `msgpack:"size"`
	UID      uint32 `msgpack:"uid"`
	GID      uint32 `msgpack:"gid"`
}

type ResizeRegionResponse struct {
	Status
}

// --- allocate ---

type AllocateRequest struct {
	RegionID uint64 `msgpack:"region_id"`
	Name     string `msgpack:"name"`
	Size     uint64 `msgpack:"size"`
	Perm     uint16 `msgpack:"perm"`
	UID      uint32 `msgpack:"uid"`
	GID      uint32 `msgpack:"gid"`
	Dup      bool   `msgpack:"dup"`
}

type AllocateResponse struct {
	Status
	RegionID uint64 `msgpack:"region_id"`
	Offset   uint64 `msgpack:"offset"`
	Key      []byte `msgpack:"key"`
	Base     uint64 `msgpack:"base"`
}

// --- deallocate ---

type DeallocateRequest struct {
	RegionID uint64 `msgpack:"region_id"`
	Offset   uint64 `msgpack:"offset"`
	UID      uint32 `msgpack:"uid"`
	GID      uint32 `msgpack:"gid"`
	Key      []byte `msgpack:"key"`
}

type DeallocateResponse struct {
	Status
}

// --- change_region_permission / change_dataitem_permission ---

type ChangeRegionPermissionRequest struct {
	RegionID uint64 `msgpack:"region_id"`
	Perm     uint16 `msgpack:"perm"`
	UID      uint32 `msgpack:"uid"`
	GID      uint32 `msgpack:"gid"`
}

type ChangeRegionPermissionResponse struct{ Status }

type ChangeDataitemPermissionRequest struct {
	RegionID uint64 `msgpack:"region_id"`
	Offset   uint64 `msgpack:"offset"`
	Perm     uint16 `msgpack:"perm"`
	UID      uint32 `msgpack:"uid"`
	GID      uint32 `msgpack:"gid"`
}

type ChangeDataitemPermissionResponse struct{ Status }

// --- lookup_region / lookup ---

type LookupRegionRequest struct {
	Name string `msgpack:"name"`
	UID  uint32 `msgpack:"uid"`
	GID  uint32 `msgpack:"gid"`
}

type LookupRegionResponse struct {
	Status
	RegionID uint64 `msgpack:"region_id"`
	Offset   uint64 `msgpack:"offset"`
	Size     uint64 `msgpack:"size"`
}

type LookupRequest struct {
	ItemName   string `msgpack:"item_name"`
	RegionName string `msgpack:"region_name"`
	UID        uint32 `msgpack:"uid"`
	GID        uint32 `msgpack:"gid"`
}

type LookupResponse struct {
	Status
	RegionID uint64 `msgpack:"region_id"`
	Offset   uint64 `msgpack:"offset"`
	Size     uint64 `msgpack:"size"`
}

// --- check_permission_get_region_info / check_permission_get_item_info ---

type CheckPermissionGetRegionInfoRequest struct {
	RegionID uint64 `msgpack:"region_id"`
	UID      uint32 `msgpack:"uid"`
	GID      uint32 `msgpack:"gid"`
}

type CheckPermissionGetRegionInfoResponse struct {
	Status
	Size uint64 `msgpack:"size"`
}

type CheckPermissionGetItemInfoRequest struct {
	RegionID uint64 `msgpack:"region_id"`
	Offset   uint64 `msgpack:"offset"`
	UID      uint32 `msgpack:"uid"`
	GID      uint32 `msgpack:"gid"`
}

type CheckPermissionGetItemInfoResponse struct {
	Status
	Key  []byte `msgpack:"key"`
	Size uint64 `msgpack:"size"`
	Base uint64 `msgpack:"base"`
}

// --- copy / wait_for_copy ---

type CopyRequest struct {
	SrcRegionID   uint64 `msgpack:"src_region_id"`
	SrcOffset     uint64 `msgpack:"src_offset"`
	SrcCopyStart  uint64 `msgpack:"src_copy_start"`
	DestOffset    uint64 `msgpack:"dest_offset"`
	DestCopyStart uint64 `msgpack:"dest_copy_start"`
	Size          uint64 `msgpack:"size"`
	UID           uint32 `msgpack:"uid"`
	GID           uint32 `msgpack:"gid"`
}

type CopyResponse struct {
	Status
	Tag []byte `msgpack:"tag"`
}

type WaitForCopyRequest struct {
	Tag []byte `msgpack:"tag"`
}

type WaitForCopyResponse struct{ Status }

// --- acquire_CAS_lock / release_CAS_lock ---

type AcquireCASLockRequest struct {
	RegionID uint64 `msgpack:"region_id"`
	Offset   uint64 `msgpack:"offset"`
}

type AcquireCASLockResponse struct{ Status }

type ReleaseCASLockRequest struct {
	RegionID uint64 `msgpack:"region_id"`
	Offset   uint64 `msgpack:"offset"`
}

type ReleaseCASLockResponse struct{ Status }

// --- signal_start / signal_termination ---

type SignalStartRequest struct{}

type SignalStartResponse struct {
	Status
	FabricAddrNames []string `msgpack:"fabric_addr_names"`
}

type SignalTerminationRequest struct{}

type SignalTerminationResponse struct{ Status }

// --- supplemented admin operations (SPEC_FULL.md): list_regions,
// list_memoryservers, reset_bitmap, update_memoryserver. Not part of the
// application-facing RPC surface in spec.md §6, but exposed the same way
// so famctl can drive a live famd instead of needing file-level access
// to its bbolt store.

const (
	MethodListRegions        = "list_regions"
	MethodListMemoryServers  = "list_memoryservers"
	MethodResetBitmap        = "reset_bitmap"
	MethodUpdateMemoryServer = "update_memoryserver"
)

type ListRegionsRequest struct{}

// RegionInfo is the wire projection of model.RegionMeta for
// administrative enumeration.
type RegionInfo struct {
	RegionID     uint64   `msgpack:"region_id"`
	Name         string   `msgpack:"name"`
	Size         uint64   `msgpack:"size"`
	UID          uint32   `msgpack:"uid"`
	GID          uint32   `msgpack:"gid"`
	Perm         uint16   `msgpack:"perm"`
	MemoryType   string   `msgpack:"memory_type"`
	MemServerIDs []uint64 `msgpack:"mem_server_ids"`
}

type ListRegionsResponse struct {
	Status
	Regions []RegionInfo `msgpack:"regions"`
}

type ListMemoryServersRequest struct{}

type ListMemoryServersResponse struct {
	Status
	Persistent []uint64 `msgpack:"persistent"`
	Volatile   []uint64 `msgpack:"volatile"`
}

type ResetBitmapRequest struct {
	RegionID uint64 `msgpack:"region_id"`
}

type ResetBitmapResponse struct{ Status }

type UpdateMemoryServerRequest struct {
	PersistentIDs     []uint64 `msgpack:"persistent_ids"`
	VolatileIDs       []uint64 `msgpack:"volatile_ids"`
	SpanEnabled       bool     `msgpack:"span_enabled"`
	SpanSizePerServer uint64   `msgpack:"span_size_per_server"`
}

type UpdateMemoryServerResponse struct{ Status }

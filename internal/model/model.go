// Package model holds the data model from spec.md §3: the global
// descriptor, region and dataitem metadata, and the client-side
// descriptor cache shape. None of these types touch the KVS or the wire
// directly; they are the shared vocabulary every other package imports.
package model

import "math"

const (
	// BitsRegionLocal is B_R from spec.md §6: the low bits of a regionId
	// name the region within its owning memory server.
	BitsRegionLocal = 14
	// BitsMemoryServer is B_S = 64 - B_R - 1.
	BitsMemoryServer = 64 - BitsRegionLocal - 1

	// ReservedRegionIDStart is the first regionId the bitmap is allowed
	// to hand out; everything below it (including slots 5-16, reserved
	// for internal uses such as the metadata heap) is never allocated.
	ReservedRegionIDStart = 21

	// MinObjSize is the heap's minimum allocation granularity, used to
	// derive a stable itemId from an offset (spec.md §3 invariant 4).
	MinObjSize = 128

	// RegionSelfOffset marks a descriptor that names a region itself
	// rather than a dataitem inside it.
	RegionSelfOffset = math.MaxUint64
)

// MemoryType is the storage class a region is placed on.
type MemoryType int

const (
	Volatile MemoryType = iota
	Persistent
)

func (t MemoryType) String() string {
	if t == Persistent {
		return "persistent"
	}
	return "volatile"
}

// PermissionLevel controls whether a region's permission is authoritative
// for every dataitem inside it, or whether each dataitem is checked on
// its own permission bits.
type PermissionLevel int

const (
	PermissionLevelDataitem PermissionLevel = iota
	PermissionLevelRegion
)

// Descriptor is the only globally meaningful identity in the system: a
// position-independent (regionId, offset) pair, freely serializable and
// opaque to applications.
type Descriptor struct {
	RegionID uint64
	Offset   uint64
}

// IsRegion reports whether d names a region itself (spec.md §3: offset ==
// u64::MAX) rather than a dataitem inside one.
func (d Descriptor) IsRegion() bool { return d.Offset == RegionSelfOffset }

// MemoryServerID extracts the first memory server that owns d's region
// from the high bits of RegionID.
func (d Descriptor) MemoryServerID() uint64 {
	return d.RegionID >> BitsRegionLocal
}

// LocalRegionID extracts the low B_R bits: the region's id local to its
// owning memory server.
func (d Descriptor) LocalRegionID() uint64 {
	return d.RegionID & (1<<BitsRegionLocal - 1)
}

// MakeRegionID packs a memory server id and a local region index into a
// single regionId using the bit layout from spec.md §6.
func MakeRegionID(memoryServerID, localRegionID uint64) uint64 {
	return memoryServerID<<BitsRegionLocal | localRegionID&(1<<BitsRegionLocal-1)
}

// ItemIDFromOffset derives a stable, collision-free itemId from the
// smallest offset in a dataitem's stripe set (spec.md §3 invariant 4).
func ItemIDFromOffset(minOffset uint64) uint64 {
	return minOffset / MinObjSize
}

// RegionMeta is the persistent record stored once per region under both
// its name and regionId keys (spec.md §3).
type RegionMeta struct {
	RegionID uint64
	Name     string
	Size     uint64
	UID      uint32
	GID      uint32
	Perm     uint16

	RedundancyLevel  int
	MemoryType       MemoryType
	InterleaveEnable bool
	InterleaveSize   uint64
	PermissionLevel  PermissionLevel

	UsedMemserverCount int
	MemServerIDs       []uint64

	// DataItemIDRoot and DataItemNameRoot are persistent pointers to the
	// region's private dataitem KVSs; never rewritten after creation
	// (invariant 2).
	DataItemIDRoot   []byte
	DataItemNameRoot []byte
	IsHeapCreated    bool
}

// Clone returns a deep copy so callers can mutate without racing the
// directory's cached value.
func (m *RegionMeta) Clone() *RegionMeta {
	if m == nil {
		return nil
	}
	c := *m
	c.MemServerIDs = append([]uint64(nil), m.MemServerIDs...)
	c.DataItemIDRoot = append([]byte(nil), m.DataItemIDRoot...)
	c.DataItemNameRoot = append([]byte(nil), m.DataItemNameRoot...)
	return &c
}

// DataItemMeta is the persistent record stored once per dataitem under
// (regionId, itemId) and optionally (regionId, itemName).
type DataItemMeta struct {
	RegionID uint64
	ItemID   uint64
	Offsets  []uint64 // one per server in the stripe set

	Name            string
	Size            uint64
	UID             uint32
	GID             uint32
	Perm            uint16
	InterleaveSize  uint64
	PermissionLevel PermissionLevel

	UsedMemserverCount int
	MemoryServerIDs    []uint64
}

func (m *DataItemMeta) Clone() *DataItemMeta {
	if m == nil {
		return nil
	}
	c := *m
	c.Offsets = append([]uint64(nil), m.Offsets...)
	c.MemoryServerIDs = append([]uint64(nil), m.MemoryServerIDs...)
	return &c
}

// MinOffset returns the smallest offset in the stripe set, used to derive
// the dataitem's itemId.
func (m *DataItemMeta) MinOffset() uint64 {
	min := m.Offsets[0]
	for _, o := range m.Offsets[1:] {
		if o < min {
			min = o
		}
	}
	return min
}

// DescriptorStatus is the monotone lifecycle of a client-side descriptor
// cache entry (spec.md §3, §4.9).
type DescriptorStatus int

const (
	StatusUninitialized DescriptorStatus = iota
	StatusInitialized
	StatusInitializedNoKey
	StatusInvalid
)

// DescriptorCacheEntry mirrors enough server state on the client to avoid
// a metadata round-trip on every data-plane operation.
type DescriptorCacheEntry struct {
	Keys            [][]byte
	BaseAddresses   []uint64
	Size            uint64
	Perm            uint16
	Name            string
	MemserverIDs    []uint64
	UsedMemserverCount int
	InterleaveSize  uint64
	PermissionLevel PermissionLevel
	Status          DescriptorStatus
}

// Package bitmap implements the process-wide Region-Id Bitmap from
// spec.md §4.2: a fixed-capacity bitmap that reserves region identifiers
// at or above RESERVED_REGION_ID_START, persisted so ids survive restart.
package bitmap

import (
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/openfam/openfam/internal/famerrors"
	"github.com/openfam/openfam/internal/kvs"
	"github.com/openfam/openfam/internal/model"
)

// Bitmap is the region-id allocator. It wraps a *bitset.BitSet for the
// actual bit operations (a real, general-purpose bitset package rather
// than hand-rolled word shifting) and persists the whole vector through
// the Persistent KVS root shelf on every mutation.
type Bitmap struct {
	mu   sync.Mutex
	bits *bitset.BitSet
	cap  uint

	store kvs.Store
	slot  int
}

// Open loads a bitmap of the given capacity from the store's root shelf,
// creating an empty one (all bits below ReservedRegionIDStart implicitly
// unavailable, everything else clear) if the slot has never been
// written.
func Open(store kvs.Store, slot int, capacity uint) (*Bitmap, error) {
	b := &Bitmap{bits: bitset.New(capacity), cap: capacity, store: store, slot: slot}

	raw, err := store.RootShelfGet(slot)
	if err == kvs.ErrNotFound {
		return b, b.persistLocked()
	}
	if err != nil {
		return nil, famerrors.Wrap(famerrors.MetadataError, "bitmap: load", err)
	}
	bs := &bitset.BitSet{}
	if err := bs.UnmarshalBinary(raw); err != nil {
		return nil, famerrors.Wrap(famerrors.MetadataError, "bitmap: decode", err)
	}
	b.bits = bs
	return b, nil
}

func (b *Bitmap) persistLocked() error {
	raw, err := b.bits.MarshalBinary()
	if err != nil {
		return famerrors.Wrap(famerrors.MetadataError, "bitmap: encode", err)
	}
	if err := b.store.RootShelfPut(b.slot, raw); err != nil {
		return famerrors.Wrap(famerrors.MetadataError, "bitmap: persist", err)
	}
	return nil
}

// Reserve atomically finds and sets the first clear bit at or above
// model.ReservedRegionIDStart, returning it. It fails with NoFreeRegionID
// once the pool is exhausted.
func (b *Bitmap) Reserve() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := uint(model.ReservedRegionIDStart); i < b.cap; i++ {
		if !b.bits.Test(i) {
			b.bits.Set(i)
			if err := b.persistLocked(); err != nil {
				b.bits.Clear(i)
				return 0, err
			}
			return uint64(i), nil
		}
	}
	return 0, famerrors.New(famerrors.NoFreeRegionID, fmt.Sprintf("no free region id in [%d, %d)", model.ReservedRegionIDStart, b.cap))
}

// Release clears id's bit, returning it to the pool. Releasing an
// already-clear id is a no-op, matching the idempotent-under-retry
// contract every mutation in this module follows.
func (b *Bitmap) Release(id uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if id >= uint64(b.cap) {
		return nil
	}
	if !b.bits.Test(uint(id)) {
		return nil
	}
	b.bits.Clear(uint(id))
	return b.persistLocked()
}

// Test reports whether id is currently reserved, for diagnostics and
// tests.
func (b *Bitmap) Test(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id >= uint64(b.cap) {
		return false
	}
	return b.bits.Test(uint(id))
}

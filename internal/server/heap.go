package server

import (
	"sync"

	"github.com/openfam/openfam/internal/model"
)

// heapAllocator stands in for the NVMM/PMEM persistent-heap allocator
// spec.md §1 names as an out-of-scope external collaborator: this
// package needs something to hand back as a dataitem's byte offset, but
// the real byte-addressable backing store and its free-list bookkeeping
// belong to that collaborator, not to the control plane. It is a bump
// allocator, never reclaiming space on deallocate, which is adequate for
// a control-plane stand-in but would not be for a real heap.
type heapAllocator struct {
	mu   sync.Mutex
	next map[uint64]uint64
}

func newHeapAllocator() *heapAllocator {
	return &heapAllocator{next: make(map[uint64]uint64)}
}

// allocate reserves size bytes (rounded up to model.MinObjSize) in
// regionID's address space and returns the base offset.
func (h *heapAllocator) allocate(regionID, size uint64) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	aligned := ((size + model.MinObjSize - 1) / model.MinObjSize) * model.MinObjSize
	if aligned == 0 {
		aligned = model.MinObjSize
	}
	offset := h.next[regionID]
	h.next[regionID] = offset + aligned
	return offset
}

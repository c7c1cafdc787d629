// Package dataitemcache implements the Dataitem KVS Cache from spec.md
// §4.4: a per-region pair of KVSs whose root pointers live inside the
// region's own RegionMeta, opened on demand and guarded by a striped
// rwlock map so concurrent readers on the same region proceed while
// region-level create/destroy stays exclusive.
package dataitemcache

import (
	"context"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"golang.org/x/sync/semaphore"

	"github.com/openfam/openfam/internal/directory"
	"github.com/openfam/openfam/internal/famerrors"
	"github.com/openfam/openfam/internal/kvs"
	"github.com/openfam/openfam/internal/model"
)

// maxConcurrentOpens bounds how many regions the cache will open their
// backing KVSs for at once, so a burst of first-touches on distinct
// regions doesn't pile up unbounded concurrent Store.Open calls.
const maxConcurrentOpens = 8

// bloomExpectedItems and bloomFalsePositiveRate size the per-region
// negative-existence filter: a region rarely holds more than a few
// thousand live dataitems, and a 1% false-positive rate only ever costs
// an extra KVS round-trip, never a wrong answer (the filter is consulted
// only to skip a lookup, never to affirm existence).
const (
	bloomExpectedItems       = 4096
	bloomFalsePositiveRate   = 0.01
)

// Entry is one region's open dataitem KVS pair. Callers obtain it via
// Cache.Acquire, which returns it already read-locked; the caller must
// call RUnlock when done (or Lock/Unlock for the exclusive path used by
// insert/delete, which also need to maintain the negative filter).
type Entry struct {
	mu      sync.RWMutex
	idKVS   kvs.KVS
	nameKVS kvs.KVS

	// names is a negative-existence filter over dataitem names in this
	// region: a name that tests negative is definitely absent, so
	// insert_dataitem's uniqueness check and lookup-by-name misses can
	// skip the nameKVS round-trip. A positive test still requires the
	// real FindOrCreate/Get to confirm (false positives are possible).
	names *bloom.BloomFilter

	isHeapCreated bool
}

func (e *Entry) IDKVS() kvs.KVS     { return e.idKVS }
func (e *Entry) NameKVS() kvs.KVS   { return e.nameKVS }
func (e *Entry) RLock()             { e.mu.RLock() }
func (e *Entry) RUnlock()           { e.mu.RUnlock() }
func (e *Entry) Lock()              { e.mu.Lock() }
func (e *Entry) Unlock()            { e.mu.Unlock() }
func (e *Entry) IsHeapCreated() bool { return e.isHeapCreated }

// MaybeHasName reports whether name might exist in this region. false is
// authoritative; true requires confirming against nameKVS.
func (e *Entry) MaybeHasName(name string) bool { return e.names.TestString(name) }

// NoteNameInserted records that name now exists, so future MaybeHasName
// calls no longer need a KVS round-trip to find out it's absent (it
// isn't, anymore).
func (e *Entry) NoteNameInserted(name string) { e.names.AddString(name) }

// Cache is the process-wide, region-keyed cache of open dataitem KVS
// pairs.
type Cache struct {
	mapMu   sync.RWMutex
	entries map[uint64]*Entry

	store   kvs.Store
	dir     *directory.Directory
	opening *semaphore.Weighted
}

func New(store kvs.Store, dir *directory.Directory) *Cache {
	return &Cache{
		entries: make(map[uint64]*Entry),
		store:   store,
		dir:     dir,
		opening: semaphore.NewWeighted(maxConcurrentOpens),
	}
}

// Acquire implements spec.md §4.4's get_dataitem_kvs: take a shared lock
// on the cache map; if the region's entry is already open, take a shared
// lock on it, release the map lock, and return. Otherwise open the KVSs
// from the region's RegionMeta roots (possibly creating them, for a
// brand-new region), then race everyone else who might be opening the
// same region: whoever wins the exclusive map-insert keeps their handles,
// everyone else closes theirs and reuses the winner's entry.
func (c *Cache) Acquire(regionID uint64) (*Entry, error) {
	return c.acquire(regionID, false)
}

// AcquireExclusive is Acquire's write-path counterpart: the returned
// entry is already write-locked (callers must Unlock, not RUnlock), for
// mutations that also need to update the name-existence filter
// (insert_dataitem, delete_dataitem).
func (c *Cache) AcquireExclusive(regionID uint64) (*Entry, error) {
	return c.acquire(regionID, true)
}

func (c *Cache) acquire(regionID uint64, exclusive bool) (*Entry, error) {
	lockEntry := func(e *Entry) {
		if exclusive {
			e.Lock()
		} else {
			e.RLock()
		}
	}

	c.mapMu.RLock()
	if e, ok := c.entries[regionID]; ok {
		lockEntry(e)
		c.mapMu.RUnlock()
		return e, nil
	}
	c.mapMu.RUnlock()

	if err := c.opening.Acquire(context.Background(), 1); err != nil {
		return nil, famerrors.Wrap(famerrors.MetadataError, "dataitemcache: acquire open slot", err)
	}
	defer c.opening.Release(1)

	// Re-check under read lock: someone may have finished opening while
	// we waited for a semaphore slot.
	c.mapMu.RLock()
	if e, ok := c.entries[regionID]; ok {
		lockEntry(e)
		c.mapMu.RUnlock()
		return e, nil
	}
	c.mapMu.RUnlock()

	entry, err := c.open(regionID)
	if err != nil {
		return nil, err
	}

	c.mapMu.Lock()
	if winner, ok := c.entries[regionID]; ok {
		c.mapMu.Unlock()
		_ = entry.idKVS.Close()
		_ = entry.nameKVS.Close()
		lockEntry(winner)
		return winner, nil
	}
	c.entries[regionID] = entry
	c.mapMu.Unlock()

	lockEntry(entry)
	return entry, nil
}

func (c *Cache) open(regionID uint64) (*Entry, error) {
	meta, err := c.dir.FindByID(regionID)
	if err != nil {
		return nil, err
	}

	idKVS, err := c.openOrCreateRoot(meta, &meta.DataItemIDRoot)
	if err != nil {
		return nil, err
	}
	nameKVS, err := c.openOrCreateRoot(meta, &meta.DataItemNameRoot)
	if err != nil {
		_ = idKVS.Close()
		return nil, err
	}

	// A brand-new region (no roots stored yet) means we just created
	// both KVSs: persist the roots back onto the RegionMeta and record
	// that this service owns the backing heap.
	if !meta.IsHeapCreated {
		meta.IsHeapCreated = true
		if err := c.dir.ModifyRegion(meta); err != nil {
			_ = idKVS.Close()
			_ = nameKVS.Close()
			return nil, err
		}
	}

	// Seed the filter with every name already stored, so a negative test
	// stays authoritative after the region's KVSs are reopened.
	names := bloom.NewWithEstimates(bloomExpectedItems, bloomFalsePositiveRate)
	if err := nameKVS.ForEach(func(name, _ []byte) error {
		names.Add(name)
		return nil
	}); err != nil {
		_ = idKVS.Close()
		_ = nameKVS.Close()
		return nil, famerrors.Wrap(famerrors.MetadataError, "dataitemcache: load name filter", err)
	}

	return &Entry{
		idKVS:         idKVS,
		nameKVS:       nameKVS,
		names:         names,
		isHeapCreated: meta.IsHeapCreated,
	}, nil
}

func (c *Cache) openOrCreateRoot(meta *model.RegionMeta, root *[]byte) (kvs.KVS, error) {
	if len(*root) > 0 {
		k, err := c.store.Open(*root)
		if err != nil {
			return nil, famerrors.Wrap(famerrors.MetadataError, "dataitemcache: open kvs", err)
		}
		return k, nil
	}
	k, err := c.store.Create()
	if err != nil {
		return nil, famerrors.Wrap(famerrors.MetadataError, "dataitemcache: create kvs", err)
	}
	*root = k.Root()
	return k, nil
}

// Destroy implements spec.md §4.4's destroy_region path: remove the
// entry from the map under its write lock, close both KVSs under the
// entry's write lock, then destroy the backing heap if this service
// created it. No new reader can observe a destroyed entry because the
// region's name and id directory keys are already gone by the time this
// is called.
func (c *Cache) Destroy(regionID uint64, meta *model.RegionMeta) error {
	c.mapMu.Lock()
	entry, ok := c.entries[regionID]
	delete(c.entries, regionID)
	c.mapMu.Unlock()

	if !ok {
		// Never opened (e.g. region destroyed before any dataitem
		// touched it): nothing cached to tear down, but the heap may
		// still need destroying if this service created it.
		if meta.IsHeapCreated {
			return c.destroyHeap(meta)
		}
		return nil
	}

	entry.Lock()
	defer entry.Unlock()
	_ = entry.idKVS.Close()
	_ = entry.nameKVS.Close()

	if meta.IsHeapCreated {
		return c.destroyHeap(meta)
	}
	return nil
}

func (c *Cache) destroyHeap(meta *model.RegionMeta) error {
	if err := c.store.Destroy(meta.DataItemIDRoot); err != nil {
		return famerrors.Wrap(famerrors.MetadataError, "dataitemcache: destroy id kvs", err)
	}
	if err := c.store.Destroy(meta.DataItemNameRoot); err != nil {
		return famerrors.Wrap(famerrors.MetadataError, "dataitemcache: destroy name kvs", err)
	}
	return nil
}

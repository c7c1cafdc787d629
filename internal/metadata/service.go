// Package metadata implements the Metadata Service from spec.md §4.7: the
// glue layer that validates requests, drives the bitmap, directory,
// dataitem cache, permission and placement engines, and hands back either
// a success payload or a tagged famerrors.Error.
package metadata

import (
	"log/slog"
	"sync"

	"github.com/openfam/openfam/internal/bitmap"
	"github.com/openfam/openfam/internal/dataitemcache"
	"github.com/openfam/openfam/internal/directory"
	"github.com/openfam/openfam/internal/kvs"
	"github.com/openfam/openfam/internal/placement"
)

// Invalidator is the collaborator boundary to the client-side Fabric Key
// Cache (spec.md §4.9): permission changes and deallocation must be able
// to invalidate a descriptor's cached keys, but the metadata service
// itself has no notion of a descriptor cache. A server wires its own
// implementation in with SetInvalidator; until then invalidation is a
// no-op, which is correct for a metadata service with no attached
// descriptor cache (e.g. in tests).
type Invalidator interface {
	InvalidateRegion(regionID uint64)
	InvalidateDataitem(regionID, itemID uint64)
}

type noopInvalidator struct{}

func (noopInvalidator) InvalidateRegion(uint64)          {}
func (noopInvalidator) InvalidateDataitem(uint64, uint64) {}

// Service is the metadata service for one memory server. SelfServerID is
// baked into every regionId this service reserves (spec.md §6 identifier
// layout).
type Service struct {
	log *slog.Logger

	store  kvs.Store
	dir    *directory.Directory
	bitmap *bitmap.Bitmap
	cache  *dataitemcache.Cache

	selfServerID uint64

	mu     sync.RWMutex
	engine *placement.Engine

	invalidator Invalidator
}

func New(log *slog.Logger, store kvs.Store, dir *directory.Directory, bm *bitmap.Bitmap, cache *dataitemcache.Cache, selfServerID uint64) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		log:          log.With("component", "metadata", "server_id", selfServerID),
		store:        store,
		dir:          dir,
		bitmap:       bm,
		cache:        cache,
		selfServerID: selfServerID,
		engine:       placement.New(nil, nil, false, 0),
		invalidator:  noopInvalidator{},
	}
}

// SetInvalidator installs the Fabric Key Cache invalidation hook.
func (s *Service) SetInvalidator(inv Invalidator) {
	if inv == nil {
		inv = noopInvalidator{}
	}
	s.invalidator = inv
}

func (s *Service) placementEngine() *placement.Engine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// UpdateMemoryServer installs a new placement pool under a mutex
// (spec.md §4.7). Idempotent: calling it again with the same lists simply
// swaps in an equivalent engine.
func (s *Service) UpdateMemoryServer(persistentIDs, volatileIDs []uint64, spanEnabled bool, spanSizePerServer uint64) {
	eng := placement.New(persistentIDs, volatileIDs, spanEnabled, spanSizePerServer)
	s.mu.Lock()
	s.engine = eng
	s.mu.Unlock()
	s.log.Info("memory server roster updated", "persistent", len(persistentIDs), "volatile", len(volatileIDs), "span_enabled", spanEnabled)
}

// MetadataMaxKeyLen forwards the KVS's fixed key-length bound.
func (s *Service) MetadataMaxKeyLen() int { return kvs.MaxKeyLen }

// ResetBitmap is the administrative reset_bitmap operation (spec.md
// §4.7): it releases a single regionId back to the pool without
// touching KVS state. The caller is responsible for having already
// destroyed the region the directory still lists under that id; this
// only clears the bit reservation, nothing else.
func (s *Service) ResetBitmap(regionID uint64) error {
	s.log.Warn("releasing region id from bitmap", "region_id", regionID)
	return s.bitmap.Release(localRegionID(regionID))
}

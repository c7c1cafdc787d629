package metadata

import (
	"fmt"

	"github.com/openfam/openfam/internal/famerrors"
	"github.com/openfam/openfam/internal/kvs"
	"github.com/openfam/openfam/internal/model"
	"github.com/openfam/openfam/internal/permission"
)

// CreateRegionParams is the input to ValidateAndCreateRegion.
type CreateRegionParams struct {
	Name             string
	Size             uint64
	MemType          model.MemoryType
	Perm             uint16
	UID, GID         uint32
	InterleaveEnable bool
	InterleaveSize   uint64
	RedundancyLevel  int
	PermissionLevel  model.PermissionLevel
}

func localRegionID(regionID uint64) uint64 {
	return model.Descriptor{RegionID: regionID}.LocalRegionID()
}

// ValidateAndCreateRegion implements spec.md §4.7's validate_and_create_region:
// rejects an over-long or duplicate name, reserves a regionId, runs the
// placement engine, and returns the in-memory RegionMeta for the caller
// to persist via InsertRegion once the backing heap exists. Nothing is
// written to the directory here.
func (s *Service) ValidateAndCreateRegion(p CreateRegionParams) (*model.RegionMeta, error) {
	if len(p.Name) > kvs.MaxKeyLen {
		return nil, famerrors.New(famerrors.RegionNameTooLong, p.Name)
	}

	if _, err := s.dir.FindByName(p.Name); err == nil {
		return nil, famerrors.New(famerrors.RegionExist, p.Name)
	} else if famerrors.CodeOf(err) != famerrors.RegionNotFound {
		return nil, err
	}

	localID, err := s.bitmap.Reserve()
	if err != nil {
		return nil, err
	}
	regionID := model.MakeRegionID(s.selfServerID, localID)

	memServerIDs, err := s.placementEngine().PlaceRegion(p.Name, p.Size, p.MemType)
	if err != nil {
		_ = s.bitmap.Release(localID)
		return nil, err
	}

	return &model.RegionMeta{
		RegionID:           regionID,
		Name:               p.Name,
		Size:               p.Size,
		UID:                p.UID,
		GID:                p.GID,
		Perm:               p.Perm,
		RedundancyLevel:    p.RedundancyLevel,
		MemoryType:         p.MemType,
		InterleaveEnable:   p.InterleaveEnable,
		InterleaveSize:     p.InterleaveSize,
		PermissionLevel:    p.PermissionLevel,
		UsedMemserverCount: len(memServerIDs),
		MemServerIDs:       memServerIDs,
	}, nil
}

// InsertRegion implements spec.md §4.7's insert_region: persists the
// region in the directory, then eagerly materializes its two per-region
// dataitem KVSs (rather than waiting for the first dataitem touch) so a
// freshly created region is immediately usable. On a uniqueness
// collision the reserved regionId is returned to the pool.
func (s *Service) InsertRegion(meta *model.RegionMeta) error {
	if err := s.dir.InsertRegion(meta); err != nil {
		if famerrors.CodeOf(err) == famerrors.RegionExist {
			_ = s.bitmap.Release(localRegionID(meta.RegionID))
		}
		return err
	}

	entry, err := s.cache.Acquire(meta.RegionID)
	if err != nil {
		return err
	}
	entry.RUnlock()
	return nil
}

// ModifyRegion implements spec.md §4.7's modify_region: preserves
// dataItem*Root and isHeapCreated from the stored pre-image, since those
// fields are never rewritten after creation (spec.md §3 invariant 2).
func (s *Service) ModifyRegion(meta *model.RegionMeta) error {
	existing, err := s.dir.FindByID(meta.RegionID)
	if err != nil {
		return err
	}
	meta.DataItemIDRoot = existing.DataItemIDRoot
	meta.DataItemNameRoot = existing.DataItemNameRoot
	meta.IsHeapCreated = existing.IsHeapCreated
	return s.dir.ModifyRegion(meta)
}

// FindRegionByID and FindRegionByName implement the two lookup shapes of
// spec.md §4.7's find_region(key).
func (s *Service) FindRegionByID(regionID uint64) (*model.RegionMeta, error) {
	return s.dir.FindByID(regionID)
}

func (s *Service) FindRegionByName(name string) (*model.RegionMeta, error) {
	return s.dir.FindByName(name)
}

// FindRegionByIDAndCheckPermissions fuses lookup and permission check
// (spec.md §4.7's find_region_and_check_permissions).
func (s *Service) FindRegionByIDAndCheckPermissions(regionID uint64, op permission.Op, uid, gid uint32) (*model.RegionMeta, error) {
	meta, err := s.dir.FindByID(regionID)
	if err != nil {
		return nil, err
	}
	if !permission.Check(permission.Mode(meta.Perm), meta.UID, meta.GID, uid, gid, op) {
		return nil, famerrors.New(famerrors.NoPermission, fmt.Sprintf("region %d", regionID))
	}
	return meta, nil
}

// ValidateAndDestroyRegion implements spec.md §4.7's
// validate_and_destroy_region: checks write permission (owner
// short-circuit), returns the server list for the client to release
// backing memory, then deletes the metadata, tears down the per-region
// dataitem cache entry, and frees the regionId.
func (s *Service) ValidateAndDestroyRegion(regionID uint64, uid, gid uint32) ([]uint64, error) {
	meta, err := s.dir.FindByID(regionID)
	if err != nil {
		return nil, err
	}
	if !permission.Check(permission.Mode(meta.Perm), meta.UID, meta.GID, uid, gid, permission.Write|permission.OwnerAllow) {
		return nil, famerrors.New(famerrors.NoPermission, fmt.Sprintf("destroy region %d", regionID))
	}

	if err := s.dir.DeleteRegion(regionID, meta.Name); err != nil {
		return nil, err
	}
	if err := s.cache.Destroy(regionID, meta); err != nil {
		return nil, err
	}
	if err := s.bitmap.Release(localRegionID(regionID)); err != nil {
		return nil, err
	}

	s.invalidator.InvalidateRegion(regionID)
	return meta.MemServerIDs, nil
}

// ResizeRegion is the supplemented resize_region operation
// (SPEC_FULL.md): permission check followed by a size-only modify_region.
// NVMM resize itself is the allocator layer's concern.
func (s *Service) ResizeRegion(regionID, newSize uint64, uid, gid uint32) error {
	meta, err := s.dir.FindByID(regionID)
	if err != nil {
		return err
	}
	if !permission.Check(permission.Mode(meta.Perm), meta.UID, meta.GID, uid, gid, permission.Write|permission.OwnerAllow) {
		return famerrors.New(famerrors.NoPermission, fmt.Sprintf("resize region %d", regionID))
	}
	meta.Size = newSize
	return s.ModifyRegion(meta)
}

// ChangeRegionPermission is the supplemented change_region_permission
// operation: owner-only, like chmod. It invalidates any cached fabric key
// for the region after the permission bits change.
func (s *Service) ChangeRegionPermission(regionID uint64, perm uint16, uid uint32) error {
	meta, err := s.dir.FindByID(regionID)
	if err != nil {
		return err
	}
	if meta.UID != uid {
		return famerrors.New(famerrors.NoPermission, fmt.Sprintf("chmod region %d: not owner", regionID))
	}
	meta.Perm = perm
	if err := s.ModifyRegion(meta); err != nil {
		return err
	}
	s.invalidator.InvalidateRegion(regionID)
	return nil
}

// ListRegions is the supplemented administrative enumeration used by
// famctl.
func (s *Service) ListRegions() ([]*model.RegionMeta, error) {
	var out []*model.RegionMeta
	err := s.dir.ForEachRegion(func(m *model.RegionMeta) error {
		out = append(out, m)
		return nil
	})
	return out, err
}

// ListMemoryServers is the supplemented administrative enumeration of the
// currently installed placement pool.
func (s *Service) ListMemoryServers() (persistent, volatile []uint64) {
	eng := s.placementEngine()
	return eng.ServerIDs(model.Persistent), eng.ServerIDs(model.Volatile)
}

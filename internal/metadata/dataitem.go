package metadata

import (
	"fmt"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/openfam/openfam/internal/famerrors"
	"github.com/openfam/openfam/internal/kvs"
	"github.com/openfam/openfam/internal/model"
	"github.com/openfam/openfam/internal/permission"
	"github.com/openfam/openfam/internal/placement"
)

func itemIDKey(itemID uint64) []byte { return []byte(strconv.FormatUint(itemID, 10)) }

// AllocateDataitemParams is the input to ValidateAndAllocateDataitem.
type AllocateDataitemParams struct {
	Name     string
	RegionID uint64
	UID, GID uint32
	Size     uint64
	// Dup, when set, skips the duplicate-name check (spec.md §6
	// allocate's dup:bool): the caller has already decided a repeat
	// name is acceptable, e.g. re-running idempotent setup code.
	Dup bool
}

// AllocateDataitemResult is everything the client driver needs to
// allocate the backing memory on each chosen server before calling
// InsertDataitem.
type AllocateDataitemResult struct {
	MemServerIDs    []uint64
	InterleaveSize  uint64
	PermissionLevel model.PermissionLevel
	RegionPerm      uint16
}

// ValidateAndAllocateDataitem implements spec.md §4.7's
// validate_and_allocate_dataitem: validates region existence and write
// permission, rejects an over-long or duplicate dataitem name, and
// computes the stripe set. It does not allocate memory itself.
func (s *Service) ValidateAndAllocateDataitem(p AllocateDataitemParams) (*AllocateDataitemResult, error) {
	region, err := s.dir.FindByID(p.RegionID)
	if err != nil {
		return nil, err
	}
	if !permission.Check(permission.Mode(region.Perm), region.UID, region.GID, p.UID, p.GID, permission.Write|permission.OwnerAllow) {
		return nil, famerrors.New(famerrors.NoPermission, fmt.Sprintf("allocate in region %d", p.RegionID))
	}

	if p.Name != "" {
		if len(p.Name) > kvs.MaxKeyLen {
			return nil, famerrors.New(famerrors.DataitemNameTooLong, p.Name)
		}
		if !p.Dup {
			if err := s.checkDataitemNameFree(p.RegionID, p.Name); err != nil {
				return nil, err
			}
		}
	}

	stripe := placement.PlaceDataitem(region.MemServerIDs, p.Name, region.InterleaveEnable)
	return &AllocateDataitemResult{
		MemServerIDs:    stripe,
		InterleaveSize:  region.InterleaveSize,
		PermissionLevel: region.PermissionLevel,
		RegionPerm:      region.Perm,
	}, nil
}

func (s *Service) checkDataitemNameFree(regionID uint64, name string) error {
	entry, err := s.cache.Acquire(regionID)
	if err != nil {
		return err
	}
	defer entry.RUnlock()

	if !entry.MaybeHasName(name) {
		return nil
	}
	_, err = entry.NameKVS().Get([]byte(name))
	if err == kvs.ErrNotFound {
		return nil
	}
	if err != nil {
		return famerrors.Wrap(famerrors.MetadataError, "dataitemcache: name lookup", err)
	}
	return famerrors.New(famerrors.DataitemExist, name)
}

// InsertDataitem implements spec.md §4.7's insert_dataitem: writes the
// name->id entry first (if a name is given), rolling it back on id-entry
// failure.
func (s *Service) InsertDataitem(meta *model.DataItemMeta) error {
	entry, err := s.cache.AcquireExclusive(meta.RegionID)
	if err != nil {
		return err
	}
	defer entry.Unlock()

	idKey := itemIDKey(meta.ItemID)

	if meta.Name != "" {
		existing, err := entry.NameKVS().FindOrCreate([]byte(meta.Name), idKey)
		if err != nil {
			if err == kvs.ErrAlreadyExists {
				return famerrors.New(famerrors.DataitemExist, fmt.Sprintf("%q (existing id=%s)", meta.Name, existing))
			}
			return famerrors.Wrap(famerrors.MetadataError, "dataitemcache: insert name entry", err)
		}
	}

	encoded, err := msgpack.Marshal(meta)
	if err != nil {
		return famerrors.Wrap(famerrors.MetadataError, "dataitemcache: encode dataitem meta", err)
	}
	if err := entry.IDKVS().Put(idKey, encoded); err != nil {
		if meta.Name != "" {
			_ = entry.NameKVS().Del([]byte(meta.Name))
		}
		return famerrors.Wrap(famerrors.MetadataError, "dataitemcache: insert id entry", err)
	}
	if meta.Name != "" {
		entry.NoteNameInserted(meta.Name)
	}
	return nil
}

// ModifyDataitem implements spec.md §4.7's modify_dataitem: updates the
// existing id-keyed entry, and if the stored entry had no name but the
// new one does, also writes the name entry.
func (s *Service) ModifyDataitem(meta *model.DataItemMeta) error {
	entry, err := s.cache.AcquireExclusive(meta.RegionID)
	if err != nil {
		return err
	}
	defer entry.Unlock()

	idKey := itemIDKey(meta.ItemID)
	raw, err := entry.IDKVS().Get(idKey)
	if err == kvs.ErrNotFound {
		return famerrors.New(famerrors.DataitemNotFound, fmt.Sprintf("item %d", meta.ItemID))
	}
	if err != nil {
		return famerrors.Wrap(famerrors.MetadataError, "dataitemcache: find existing", err)
	}
	var existing model.DataItemMeta
	if err := msgpack.Unmarshal(raw, &existing); err != nil {
		return famerrors.Wrap(famerrors.MetadataError, "dataitemcache: decode existing", err)
	}

	if existing.Name == "" && meta.Name != "" {
		if _, err := entry.NameKVS().FindOrCreate([]byte(meta.Name), idKey); err != nil {
			if err == kvs.ErrAlreadyExists {
				return famerrors.New(famerrors.DataitemExist, meta.Name)
			}
			return famerrors.Wrap(famerrors.MetadataError, "dataitemcache: insert name entry", err)
		}
		entry.NoteNameInserted(meta.Name)
	}

	encoded, err := msgpack.Marshal(meta)
	if err != nil {
		return famerrors.Wrap(famerrors.MetadataError, "dataitemcache: encode dataitem meta", err)
	}
	if err := entry.IDKVS().Put(idKey, encoded); err != nil {
		return famerrors.Wrap(famerrors.MetadataError, "dataitemcache: modify id entry", err)
	}
	return nil
}

// DeleteDataitem implements spec.md §4.7's delete_dataitem: removes both
// entries.
func (s *Service) DeleteDataitem(regionID, itemID uint64, name string) error {
	entry, err := s.cache.AcquireExclusive(regionID)
	if err != nil {
		return err
	}
	defer entry.Unlock()

	if err := entry.IDKVS().Del(itemIDKey(itemID)); err != nil && err != kvs.ErrNotFound {
		return famerrors.Wrap(famerrors.MetadataError, "dataitemcache: delete id entry", err)
	}
	if name != "" {
		if err := entry.NameKVS().Del([]byte(name)); err != nil && err != kvs.ErrNotFound {
			return famerrors.Wrap(famerrors.MetadataError, "dataitemcache: delete name entry", err)
		}
	}
	return nil
}

// FindDataitemByID and FindDataitemByName implement spec.md §4.7's
// find_dataitem.
func (s *Service) FindDataitemByID(regionID, itemID uint64) (*model.DataItemMeta, error) {
	entry, err := s.cache.Acquire(regionID)
	if err != nil {
		return nil, err
	}
	defer entry.RUnlock()

	raw, err := entry.IDKVS().Get(itemIDKey(itemID))
	if err == kvs.ErrNotFound {
		return nil, famerrors.New(famerrors.DataitemNotFound, fmt.Sprintf("item %d", itemID))
	}
	if err != nil {
		return nil, famerrors.Wrap(famerrors.MetadataError, "dataitemcache: find by id", err)
	}
	var meta model.DataItemMeta
	if err := msgpack.Unmarshal(raw, &meta); err != nil {
		return nil, famerrors.Wrap(famerrors.MetadataError, "dataitemcache: decode dataitem meta", err)
	}
	return &meta, nil
}

func (s *Service) FindDataitemByName(regionID uint64, name string) (*model.DataItemMeta, error) {
	entry, err := s.cache.Acquire(regionID)
	if err != nil {
		return nil, err
	}
	idRaw, err := entry.NameKVS().Get([]byte(name))
	entry.RUnlock()
	if err == kvs.ErrNotFound {
		return nil, famerrors.New(famerrors.DataitemNotFound, name)
	}
	if err != nil {
		return nil, famerrors.Wrap(famerrors.MetadataError, "dataitemcache: find by name", err)
	}
	itemID, err := strconv.ParseUint(string(idRaw), 10, 64)
	if err != nil {
		return nil, famerrors.Wrap(famerrors.MetadataError, "dataitemcache: decode item id", err)
	}
	return s.FindDataitemByID(regionID, itemID)
}

// FindDataitemByIDAndCheckPermissions fuses lookup and permission check.
func (s *Service) FindDataitemByIDAndCheckPermissions(regionID, itemID uint64, op permission.Op, uid, gid uint32) (*model.DataItemMeta, error) {
	meta, err := s.FindDataitemByID(regionID, itemID)
	if err != nil {
		return nil, err
	}
	if !permission.Check(permission.Mode(meta.Perm), meta.UID, meta.GID, uid, gid, op) {
		return nil, famerrors.New(famerrors.NoPermission, fmt.Sprintf("item %d", itemID))
	}
	return meta, nil
}

// ValidateAndDeallocateDataitem implements spec.md §4.7's
// validate_and_deallocate_dataitem: returns the meta for the client to
// release memory, then deletes the entry.
func (s *Service) ValidateAndDeallocateDataitem(regionID, itemID uint64, uid, gid uint32) (*model.DataItemMeta, error) {
	meta, err := s.FindDataitemByID(regionID, itemID)
	if err != nil {
		return nil, err
	}
	if !permission.Check(permission.Mode(meta.Perm), meta.UID, meta.GID, uid, gid, permission.Write|permission.OwnerAllow) {
		return nil, famerrors.New(famerrors.NoPermission, fmt.Sprintf("deallocate item %d", itemID))
	}
	if err := s.DeleteDataitem(regionID, itemID, meta.Name); err != nil {
		return nil, err
	}
	s.invalidator.InvalidateDataitem(regionID, itemID)
	return meta, nil
}

// ChangeDataitemPermission is the supplemented change_dataitem_permission
// operation: owner-only, invalidating any cached fabric key afterward.
func (s *Service) ChangeDataitemPermission(regionID, offset uint64, perm uint16, uid uint32) error {
	itemID := model.ItemIDFromOffset(offset)
	meta, err := s.FindDataitemByID(regionID, itemID)
	if err != nil {
		return err
	}
	if meta.UID != uid {
		return famerrors.New(famerrors.NoPermission, fmt.Sprintf("chmod item %d: not owner", itemID))
	}
	meta.Perm = perm
	if err := s.ModifyDataitem(meta); err != nil {
		return err
	}
	s.invalidator.InvalidateDataitem(regionID, itemID)
	return nil
}

// Package directory implements the Name Directory from spec.md §4.3: two
// always-open KVSs, name->regionId and regionId->RegionMeta, with the
// insert/delete ordering that keeps the name entry as the sole
// uniqueness gate and leaves no dangling entry on partial failure.
package directory

import (
	"fmt"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/openfam/openfam/internal/famerrors"
	"github.com/openfam/openfam/internal/kvs"
	"github.com/openfam/openfam/internal/model"
)

// Directory owns the two top-level KVSs and is safe for concurrent use;
// the underlying KVS/Store implementation provides the single-key
// linearizability spec.md §5 relies on.
type Directory struct {
	nameKVS kvs.KVS // name -> regionIdStr
	idKVS   kvs.KVS // regionIdStr -> RegionMeta
}

// Open opens (or, on first boot, creates and persists) the two KVSs from
// the store's root shelf slots.
func Open(store kvs.Store) (*Directory, error) {
	nameKVS, err := openOrCreate(store, kvs.RootShelfNameKVS)
	if err != nil {
		return nil, err
	}
	idKVS, err := openOrCreate(store, kvs.RootShelfIDKVS)
	if err != nil {
		return nil, err
	}
	return &Directory{nameKVS: nameKVS, idKVS: idKVS}, nil
}

func openOrCreate(store kvs.Store, slot int) (kvs.KVS, error) {
	root, err := store.RootShelfGet(slot)
	if err == nil {
		return store.Open(root)
	}
	if err != kvs.ErrNotFound {
		return nil, famerrors.Wrap(famerrors.MetadataError, "directory: load root shelf", err)
	}
	k, err := store.Create()
	if err != nil {
		return nil, famerrors.Wrap(famerrors.MetadataError, "directory: create kvs", err)
	}
	if err := store.RootShelfPut(slot, k.Root()); err != nil {
		return nil, famerrors.Wrap(famerrors.MetadataError, "directory: persist root", err)
	}
	return k, nil
}

func regionIDKey(id uint64) []byte { return []byte(strconv.FormatUint(id, 10)) }

// InsertRegion writes both directory entries for a newly created region.
// Per spec.md §4.3: the name entry is inserted first via FindOrCreate (so
// a duplicate name fails fast without touching the id entry); on id-entry
// failure the name entry is rolled back so no dangling entry survives.
func (d *Directory) InsertRegion(meta *model.RegionMeta) error {
	idStr := regionIDKey(meta.RegionID)

	existing, err := d.nameKVS.FindOrCreate([]byte(meta.Name), idStr)
	if err != nil {
		if err == kvs.ErrAlreadyExists {
			return famerrors.New(famerrors.RegionExist, fmt.Sprintf("region %q already exists (id=%s)", meta.Name, existing))
		}
		return famerrors.Wrap(famerrors.MetadataError, "directory: insert name entry", err)
	}

	encoded, err := msgpack.Marshal(meta)
	if err != nil {
		return famerrors.Wrap(famerrors.MetadataError, "directory: encode region meta", err)
	}
	if err := d.idKVS.Put(idStr, encoded); err != nil {
		// Roll back the name entry we just created so no half-created
		// region is observable (spec.md §4.7 "Failure semantics").
		_ = d.nameKVS.Del([]byte(meta.Name))
		return famerrors.Wrap(famerrors.MetadataError, "directory: insert id entry", err)
	}
	return nil
}

// ModifyRegion overwrites the stored RegionMeta for an existing region.
func (d *Directory) ModifyRegion(meta *model.RegionMeta) error {
	encoded, err := msgpack.Marshal(meta)
	if err != nil {
		return famerrors.Wrap(famerrors.MetadataError, "directory: encode region meta", err)
	}
	if err := d.idKVS.Put(regionIDKey(meta.RegionID), encoded); err != nil {
		return famerrors.Wrap(famerrors.MetadataError, "directory: modify region", err)
	}
	return nil
}

// FindByID looks up a region's metadata by its regionId.
func (d *Directory) FindByID(regionID uint64) (*model.RegionMeta, error) {
	raw, err := d.idKVS.Get(regionIDKey(regionID))
	if err == kvs.ErrNotFound {
		return nil, famerrors.New(famerrors.RegionNotFound, fmt.Sprintf("region id %d", regionID))
	}
	if err != nil {
		return nil, famerrors.Wrap(famerrors.MetadataError, "directory: find by id", err)
	}
	var meta model.RegionMeta
	if err := msgpack.Unmarshal(raw, &meta); err != nil {
		return nil, famerrors.Wrap(famerrors.MetadataError, "directory: decode region meta", err)
	}
	return &meta, nil
}

// FindByName resolves a region name to its id, then to its metadata.
func (d *Directory) FindByName(name string) (*model.RegionMeta, error) {
	idRaw, err := d.nameKVS.Get([]byte(name))
	if err == kvs.ErrNotFound {
		return nil, famerrors.New(famerrors.RegionNotFound, fmt.Sprintf("region %q", name))
	}
	if err != nil {
		return nil, famerrors.Wrap(famerrors.MetadataError, "directory: find by name", err)
	}
	id, err := strconv.ParseUint(string(idRaw), 10, 64)
	if err != nil {
		return nil, famerrors.Wrap(famerrors.MetadataError, "directory: decode region id", err)
	}
	return d.FindByID(id)
}

// ForEachRegion walks every region currently in the directory, in
// unspecified order. Used only by the administrative list_regions
// operation.
func (d *Directory) ForEachRegion(fn func(*model.RegionMeta) error) error {
	return d.idKVS.ForEach(func(_, value []byte) error {
		var meta model.RegionMeta
		if err := msgpack.Unmarshal(value, &meta); err != nil {
			return famerrors.Wrap(famerrors.MetadataError, "directory: decode region meta", err)
		}
		return fn(&meta)
	})
}

// DeleteRegion removes both directory entries in the order reversed from
// InsertRegion: the id entry (no longer the uniqueness gate) first, then
// the name entry last. A crash between the two leaves the name entry in
// place with no id entry behind it: FindByName reports region-not-found
// for it, and the name stays taken until the name entry is deleted.
func (d *Directory) DeleteRegion(regionID uint64, name string) error {
	if err := d.idKVS.Del(regionIDKey(regionID)); err != nil && err != kvs.ErrNotFound {
		return famerrors.Wrap(famerrors.MetadataError, "directory: delete id entry", err)
	}
	if err := d.nameKVS.Del([]byte(name)); err != nil {
		if err == kvs.ErrNotFound {
			return famerrors.New(famerrors.RegionNotFound, fmt.Sprintf("region %q", name))
		}
		return famerrors.Wrap(famerrors.MetadataError, "directory: delete name entry", err)
	}
	return nil
}

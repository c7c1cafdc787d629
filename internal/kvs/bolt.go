package kvs

import (
	"fmt"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// rootShelfBucket is the one well-known bucket every BoltStore opens on
// startup; it backs Store.RootShelfGet/Put.
const rootShelfBucket = "_root_shelf"

// BoltStore is the bbolt-backed Persistent KVS. Every KVS it hands out is
// one bucket in a single shared database file; the bucket's name (a
// random 16-byte id) is the "root pointer" spec.md talks about, suitable
// for embedding inside a RegionMeta and reopening later with Open.
//
// bbolt gives us exactly the contract spec.md §4.1 asks for: a single
// writer, many readers, crash-consistent via its own write-ahead commit,
// and point Get/Put/Delete within a bucket. FindOrCreate is implemented
// as a single read-modify-write Update transaction, which is bbolt's
// unit of atomicity.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (creating if necessary) the database file at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("kvs: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(rootShelfBucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("kvs: init root shelf: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) Create() (KVS, error) {
	root := uuid.New()
	name := root[:]
	if err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucket(name)
		return err
	}); err != nil {
		return nil, fmt.Errorf("kvs: create: %w", err)
	}
	return &boltKVS{db: s.db, bucket: name}, nil
}

func (s *BoltStore) Open(root []byte) (KVS, error) {
	name := append([]byte(nil), root...)
	err := s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(name) == nil {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("kvs: open: %w", err)
	}
	return &boltKVS{db: s.db, bucket: name}, nil
}

func (s *BoltStore) Destroy(root []byte) error {
	name := append([]byte(nil), root...)
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(name) == nil {
			return nil
		}
		return tx.DeleteBucket(name)
	})
}

func (s *BoltStore) RootShelfGet(slot int) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(rootShelfBucket)).Get(slotKey(slot))
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (s *BoltStore) RootShelfPut(slot int, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(rootShelfBucket)).Put(slotKey(slot), value)
	})
}

func slotKey(slot int) []byte {
	return []byte(fmt.Sprintf("slot:%d", slot))
}

// boltKVS is one bucket within the shared BoltStore database.
type boltKVS struct {
	db     *bolt.DB
	bucket []byte
}

func (k *boltKVS) Root() []byte { return append([]byte(nil), k.bucket...) }

func (k *boltKVS) Get(key []byte) ([]byte, error) {
	var out []byte
	err := k.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(k.bucket)
		if b == nil {
			return ErrNotFound
		}
		v := b.Get(key)
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (k *boltKVS) Put(key, value []byte) error {
	if len(key) > MaxKeyLen {
		return fmt.Errorf("kvs: key exceeds MaxKeyLen (%d)", MaxKeyLen)
	}
	return k.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(k.bucket)
		if b == nil {
			return ErrNotFound
		}
		return b.Put(key, value)
	})
}

func (k *boltKVS) Del(key []byte) error {
	return k.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(k.bucket)
		if b == nil {
			return ErrNotFound
		}
		if b.Get(key) == nil {
			return ErrNotFound
		}
		return b.Delete(key)
	})
}

func (k *boltKVS) FindOrCreate(key, value []byte) ([]byte, error) {
	if len(key) > MaxKeyLen {
		return nil, fmt.Errorf("kvs: key exceeds MaxKeyLen (%d)", MaxKeyLen)
	}
	var existing []byte
	err := k.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(k.bucket)
		if b == nil {
			return ErrNotFound
		}
		if v := b.Get(key); v != nil {
			existing = append([]byte(nil), v...)
			return ErrAlreadyExists
		}
		return b.Put(key, value)
	})
	if err != nil {
		return existing, err
	}
	return nil, nil
}

// Close is a no-op: the bucket's handle carries no resources beyond the
// shared *bolt.DB, which BoltStore owns. Reopening via Store.Open simply
// re-wraps the same bucket name (spec.md §4.4: handles are recreated on
// demand from the root pointer, not cached across Close).
func (k *boltKVS) Close() error { return nil }

func (k *boltKVS) ForEach(fn func(key, value []byte) error) error {
	return k.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(k.bucket)
		if b == nil {
			return nil
		}
		return b.ForEach(fn)
	})
}

// Package kvs is the external contract from spec.md §4.1: a concurrent
// ordered map with Get/Put/Del and an atomic FindOrCreate. The metadata
// service relies on FindOrCreate as its sole uniqueness primitive; every
// other mutation is single-key and idempotent under retry.
package kvs

import "errors"

// ErrNotFound is returned by Get and Del when the key is absent.
var ErrNotFound = errors.New("kvs: not found")

// ErrAlreadyExists is returned by FindOrCreate when the key is already
// present; the existing value is returned alongside it.
var ErrAlreadyExists = errors.New("kvs: already exists")

// MaxKeyLen is the fixed, queryable bound on key length every KVS
// implementation enforces (spec.md §4.1, §6 "Root-shelf"). bbolt itself
// has no practical key-length limit, but the metadata service is
// specified against one fixed bound so every KVS backend behaves the
// same way regardless of its own native limits.
const MaxKeyLen = 255

// KVS is a single named, concurrent ordered map living in the Persistent
// KVS. A root pointer identifies it; Root returns that pointer so it can
// be embedded in other persistent metadata (spec.md §4.1, §3
// "dataItem*Root").
type KVS interface {
	// Root returns the opaque root pointer for this KVS, suitable for
	// storing inside another persistent record and later passed to Store
	// KVS to reopen the same map.
	Root() []byte

	Get(key []byte) (value []byte, err error)
	Put(key, value []byte) error
	Del(key []byte) error
	// FindOrCreate atomically inserts (key, value) iff key is absent. On
	// a race it returns ErrAlreadyExists and the value that won.
	FindOrCreate(key, value []byte) (existing []byte, err error)

	// Close releases in-memory state for this KVS handle without
	// destroying its persistent backing (spec.md §4.4: the handle is
	// recreated on demand from the root pointer).
	Close() error

	// ForEach walks every (key, value) pair in unspecified order, stopping
	// and returning fn's error if it returns one. Used by the
	// administrative list_regions enumeration and by the dataitem cache
	// when it first opens a region's name KVS, never on the per-request
	// hot path.
	ForEach(fn func(key, value []byte) error) error
}

// Store is the persistent heap: it creates new KVSs (handing back a root
// pointer) and reopens existing ones from a previously issued root
// pointer. It also owns the root shelf slots used for process-wide
// singletons (spec.md §6 "Persisted state layout").
type Store interface {
	// Create allocates a brand-new KVS and returns a handle; the
	// handle's Root gives its root pointer.
	Create() (KVS, error)
	// Open reopens a KVS from a root pointer previously returned by
	// Create or read back from persistent metadata.
	Open(root []byte) (KVS, error)
	// Destroy permanently frees the KVS's backing storage. Used when a
	// region (and therefore its private dataitem KVSs) is deleted and
	// the metadata service created the backing heap itself.
	Destroy(root []byte) error

	// RootShelf reads/writes one of the small number of fixed,
	// well-known slots used to bootstrap the service (the name
	// directory's own two KVS roots, the region-id bitmap).
	RootShelfGet(slot int) ([]byte, error)
	RootShelfPut(slot int, value []byte) error

	Close() error
}

const (
	// RootShelfNameKVS and RootShelfIDKVS hold the name directory's own
	// two top-level KVS roots (spec.md §6 slots 0 and 1).
	RootShelfNameKVS = 0
	RootShelfIDKVS   = 1
	// RootShelfBitmap holds the persistent region-id bitmap (slot 2).
	RootShelfBitmap = 2
)

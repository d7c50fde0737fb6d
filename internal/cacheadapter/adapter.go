// Package cacheadapter defines the contract ZoneMesh's core uses to talk to
// the single-node cache engine (the slab allocator, LRU, expiry, CAS,
// stats, and the full binary/text command parser all live on the other
// side of this interface). ZoneMesh only depends on get/set/delete/iter_keys.
package cacheadapter

import "time"

// Entry is one cached (key, value, metadata) tuple.
type Entry struct {
	Key     string
	Flags   uint32
	Exptime time.Time // zero value means "never expires"
	Value   []byte
}

// StoreResult mirrors the classic memcache protocol's storage-command
// reply tokens, which the client-facing listener passes straight through.
type StoreResult int

const (
	Stored StoreResult = iota
	NotStored
	Exists
	OtherError
)

// DeleteResult mirrors the classic memcache protocol's delete reply.
type DeleteResult int

const (
	Deleted DeleteResult = iota
	NotFound
)

// Adapter is the surface the core requires of the cache engine. Every
// method must be safe for concurrent use by multiple worker goroutines;
// IterKeys callers that need a stable snapshot (MigrationEngine) are
// responsible for taking their own lock around the call if the underlying
// implementation does not already serialize iteration against concurrent
// mutation — Adapter only guarantees that the returned iterator will not
// itself corrupt the engine's internal structures.
type Adapter interface {
	Get(key string) (Entry, bool)
	Set(key string, flags uint32, exptime time.Time, value []byte) StoreResult
	// CompareAndSwap stores value only if the entry's current CAS token
	// equals casToken (or the entry is absent and casToken == 0); it
	// returns Exists when the token does not match.
	CompareAndSwap(key string, flags uint32, exptime time.Time, value []byte, casToken uint64) (StoreResult, uint64)
	Add(key string, flags uint32, exptime time.Time, value []byte) StoreResult
	Replace(key string, flags uint32, exptime time.Time, value []byte) StoreResult
	Append(key string, value []byte) StoreResult
	Prepend(key string, value []byte) StoreResult
	Delete(key string) DeleteResult
	Touch(key string, exptime time.Time) DeleteResult
	IncrDecr(key string, delta int64, incr bool) (uint64, DeleteResult)
	FlushAll()
	IterKeys() []string
	Len() int
}

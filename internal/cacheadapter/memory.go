package cacheadapter

import (
	"strconv"
	"sync"
	"time"
)

// Memory is a minimal thread-safe, map-backed Adapter implementation.
// The real cache engine (slab allocator, LRU eviction, expiry sweeps) is
// treated as an external collaborator; Memory exists so ZoneMesh's core
// can run end-to-end without one, grounded on the mutex-guarded map
// pattern in kernel/core/mesh/dht.go (store sync.Map + storeMu). It has
// no eviction policy — every entry lives until deleted,
// replaced, or its exptime is observed to have passed on access.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
}

type memEntry struct {
	Entry
	cas uint64
}

// NewMemory returns an empty Memory adapter.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*memEntry)}
}

func expired(e *memEntry) bool {
	return !e.Exptime.IsZero() && time.Now().After(e.Exptime)
}

func (m *Memory) Get(key string) (Entry, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || expired(e) {
		return Entry{}, false
	}
	return e.Entry, true
}

func (m *Memory) Set(key string, flags uint32, exptime time.Time, value []byte) StoreResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, existed := m.entries[key]
	cas := uint64(1)
	if existed {
		cas = prev.cas + 1
	}
	m.entries[key] = &memEntry{Entry: Entry{Key: key, Flags: flags, Exptime: exptime, Value: value}, cas: cas}
	return Stored
}

func (m *Memory) CompareAndSwap(key string, flags uint32, exptime time.Time, value []byte, casToken uint64) (StoreResult, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, existed := m.entries[key]
	if !existed {
		if casToken != 0 {
			return NotStored, 0
		}
		m.entries[key] = &memEntry{Entry: Entry{Key: key, Flags: flags, Exptime: exptime, Value: value}, cas: 1}
		return Stored, 1
	}
	if expired(prev) {
		delete(m.entries, key)
		return NotStored, 0
	}
	if prev.cas != casToken {
		return Exists, prev.cas
	}
	newCAS := prev.cas + 1
	m.entries[key] = &memEntry{Entry: Entry{Key: key, Flags: flags, Exptime: exptime, Value: value}, cas: newCAS}
	return Stored, newCAS
}

func (m *Memory) Add(key string, flags uint32, exptime time.Time, value []byte) StoreResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.entries[key]; ok && !expired(prev) {
		return NotStored
	}
	m.entries[key] = &memEntry{Entry: Entry{Key: key, Flags: flags, Exptime: exptime, Value: value}, cas: 1}
	return Stored
}

func (m *Memory) Replace(key string, flags uint32, exptime time.Time, value []byte) StoreResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.entries[key]
	if !ok || expired(prev) {
		return NotStored
	}
	m.entries[key] = &memEntry{Entry: Entry{Key: key, Flags: flags, Exptime: exptime, Value: value}, cas: prev.cas + 1}
	return Stored
}

func (m *Memory) Append(key string, value []byte) StoreResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.entries[key]
	if !ok || expired(prev) {
		return NotStored
	}
	merged := append(append([]byte{}, prev.Value...), value...)
	m.entries[key] = &memEntry{Entry: Entry{Key: key, Flags: prev.Flags, Exptime: prev.Exptime, Value: merged}, cas: prev.cas + 1}
	return Stored
}

func (m *Memory) Prepend(key string, value []byte) StoreResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.entries[key]
	if !ok || expired(prev) {
		return NotStored
	}
	merged := append(append([]byte{}, value...), prev.Value...)
	m.entries[key] = &memEntry{Entry: Entry{Key: key, Flags: prev.Flags, Exptime: prev.Exptime, Value: merged}, cas: prev.cas + 1}
	return Stored
}

func (m *Memory) Delete(key string) DeleteResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.entries[key]
	if !ok || expired(prev) {
		delete(m.entries, key)
		return NotFound
	}
	delete(m.entries, key)
	return Deleted
}

func (m *Memory) Touch(key string, exptime time.Time) DeleteResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.entries[key]
	if !ok || expired(prev) {
		return NotFound
	}
	prev.Exptime = exptime
	return Deleted
}

func (m *Memory) IncrDecr(key string, delta int64, incr bool) (uint64, DeleteResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.entries[key]
	if !ok || expired(prev) {
		return 0, NotFound
	}
	n, err := strconv.ParseUint(string(prev.Value), 10, 64)
	if err != nil {
		n = 0
	}
	if incr {
		n += uint64(delta)
	} else {
		if uint64(delta) > n {
			n = 0
		} else {
			n -= uint64(delta)
		}
	}
	prev.Value = []byte(strconv.FormatUint(n, 10))
	return n, Deleted
}

func (m *Memory) FlushAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*memEntry)
}

func (m *Memory) IterKeys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if !expired(e) {
			out = append(out, k)
		}
	}
	return out
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

package cache

import (
	"context"
	"sync"
	"time"

	cachekey "github.com/always-cache/edgecache/pkg/cache-key"
)

// MemStore keeps entries in process memory.
// Expired entries are dropped when read, and swept from the whole map
// at most once per sweep interval on writes.
type MemStore struct {
	mutex     *sync.RWMutex
	db        map[string]*Entry
	sweepEach time.Duration
	lastSweep time.Time
	now       func() time.Time
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
// A non-positive sweep interval disables sweeping.
func NewMemStore(sweepEach time.Duration) *MemStore {
	return &MemStore{
		mutex:     &sync.RWMutex{},
		db:        make(map[string]*Entry),
		sweepEach: sweepEach,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

func (m *MemStore) Match(_ context.Context, key cachekey.Key) (*Entry, bool, error) {
	k := key.String()
	m.mutex.RLock()
	entry, ok := m.db[k]
	m.mutex.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !entry.Fresh(m.now()) {
		m.mutex.Lock()
		if m.db[k] == entry {
			delete(m.db, k)
		}
		m.mutex.Unlock()
		return nil, false, nil
	}
	return entry, true, nil
}

func (m *MemStore) Put(_ context.Context, key cachekey.Key, entry *Entry) error {
	now := m.now()
	if !entry.Fresh(now) {
		return nil
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[key.String()] = entry
	if m.sweepEach > 0 && now.Sub(m.lastSweep) >= m.sweepEach {
		m.sweep(now)
	}
	return nil
}

// Len returns the number of entries held, expired or not.
func (m *MemStore) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.db)
}

// sweep must be called with the write lock held.
func (m *MemStore) sweep(now time.Time) {
	for k, entry := range m.db {
		if !entry.Fresh(now) {
			delete(m.db, k)
		}
	}
	m.lastSweep = now
}

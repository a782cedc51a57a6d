package cache

import (
	"encoding/json"
	"sync"
	"time"
)

// entry is a single cached value in the memory tier.
type entry struct {
	value     interface{}
	createdAt time.Time
	ttl       time.Duration
	hits      int64
	size      int64
	recency   uint64
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.createdAt) > e.ttl
}

// memoryTier is an LRU map with per-entry TTL. Recency is a monotonically
// increasing access counter; eviction removes the entry with the lowest
// counter value.
type memoryTier struct {
	mu         sync.Mutex
	entries    map[string]*entry
	maxEntries int
	defaultTTL time.Duration
	clock      uint64
}

func newMemoryTier(maxEntries int, defaultTTL time.Duration) *memoryTier {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &memoryTier{
		entries:    make(map[string]*entry),
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
	}
}

// get returns the value for key. Expired entries are removed on access.
func (m *memoryTier) get(key string) (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		delete(m.entries, key)
		return nil, false
	}

	m.clock++
	e.recency = m.clock
	e.hits++
	return e.value, true
}

// set stores value under key, evicting the least recently used entry first
// when at capacity.
func (m *memoryTier) set(key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.maxEntries {
		m.evictLocked()
	}

	m.clock++
	m.entries[key] = &entry{
		value:     value,
		createdAt: time.Now(),
		ttl:       ttl,
		size:      estimateSize(value),
		recency:   m.clock,
	}
}

// evictLocked removes the entry with minimum recency. Caller holds the lock.
func (m *memoryTier) evictLocked() {
	var victim string
	var min uint64
	first := true
	for key, e := range m.entries {
		if first || e.recency < min {
			victim, min, first = key, e.recency, false
		}
	}
	if !first {
		delete(m.entries, victim)
	}
}

func (m *memoryTier) delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; !ok {
		return false
	}
	delete(m.entries, key)
	return true
}

func (m *memoryTier) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*entry)
}

func (m *memoryTier) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// keys returns the present keys; used by stats and tests.
func (m *memoryTier) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for k := range m.entries {
		out = append(out, k)
	}
	return out
}

// ages returns the oldest and newest created_at among present entries.
func (m *memoryTier) ages() (oldest, newest time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if oldest.IsZero() || e.createdAt.Before(oldest) {
			oldest = e.createdAt
		}
		if e.createdAt.After(newest) {
			newest = e.createdAt
		}
	}
	return oldest, newest
}

// estimateSize approximates the footprint of a value: character count for
// strings, canonical JSON length for structured values, 8 bytes for
// primitives.
func estimateSize(v interface{}) int64 {
	switch t := v.(type) {
	case string:
		return int64(len(t))
	case []byte:
		return int64(len(t))
	case int, int32, int64, uint, uint32, uint64, float32, float64, bool:
		return 8
	case nil:
		return 0
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return 8
		}
		return int64(len(data))
	}
}

package kv

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memoryEntry struct {
	value    string
	expireAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && !now.Before(e.expireAt)
}

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	nowFn   func() time.Time
	entries map[string]memoryEntry
}

// NewMemoryStore constructs a MemoryStore. nowFn defaults to time.Now.
func NewMemoryStore(nowFn func() time.Time) *MemoryStore {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &MemoryStore{nowFn: nowFn, entries: make(map[string]memoryEntry)}
}

// lookup returns a live entry, evicting it when expired. Caller holds mu.
func (m *MemoryStore) lookup(key string, now time.Time) (memoryEntry, bool) {
	entry, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if entry.expired(now) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

// Get returns the value stored under key.
func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.lookup(key, m.nowFn())
	return entry.value, ok, nil
}

// Set stores value under key.
func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expireAt = m.nowFn().Add(ttl)
	}
	m.entries[key] = entry
	return nil
}

// Delete removes keys.
func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.entries, key)
	}
	return nil
}

// Exists reports whether key holds a live value.
func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.lookup(key, m.nowFn())
	return ok, nil
}

// Incr increments the counter under key, starting its ttl on creation.
func (m *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFn()
	entry, ok := m.lookup(key, now)
	if !ok {
		entry = memoryEntry{value: "0"}
		if ttl > 0 {
			entry.expireAt = now.Add(ttl)
		}
	}
	current, errParse := strconv.ParseInt(entry.value, 10, 64)
	if errParse != nil {
		current = 0
	}
	current++
	entry.value = strconv.FormatInt(current, 10)
	m.entries[key] = entry
	return current, nil
}

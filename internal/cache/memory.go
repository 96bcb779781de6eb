package cache

import (
	"context"
	"sync"
	"time"

	"novora/api/internal/clock"
)

type memoryEntry struct {
	value   []byte
	expires time.Time
	tags    []string
}

// MemoryBackend is the in-process backend used by single-node deployments
// and tests.
type MemoryBackend struct {
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]memoryEntry
	byTag   map[string]map[string]struct{}
}

func NewMemoryBackend(clk clock.Clock) *MemoryBackend {
	return &MemoryBackend{
		clock:   clk,
		entries: make(map[string]memoryEntry),
		byTag:   make(map[string]map[string]struct{}),
	}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !m.clock.Now().Before(entry.expires) {
		m.removeLocked(key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration, tags []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(key)
	m.entries[key] = memoryEntry{value: value, expires: m.clock.Now().Add(ttl), tags: tags}
	for _, tag := range tags {
		keys, ok := m.byTag[tag]
		if !ok {
			keys = make(map[string]struct{})
			m.byTag[tag] = keys
		}
		keys[key] = struct{}{}
	}
	return nil
}

func (m *MemoryBackend) Invalidate(_ context.Context, tags ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for _, tag := range tags {
		for key := range m.byTag[tag] {
			if m.removeLocked(key) {
				removed++
			}
		}
		delete(m.byTag, tag)
	}
	return removed, nil
}

func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MemoryBackend) removeLocked(key string) bool {
	entry, ok := m.entries[key]
	if !ok {
		return false
	}
	delete(m.entries, key)
	for _, tag := range entry.tags {
		if keys, ok := m.byTag[tag]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(m.byTag, tag)
			}
		}
	}
	return true
}

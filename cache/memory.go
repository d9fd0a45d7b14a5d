package cache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStorage keeps cache generations in process memory.
// Nothing survives a restart; it is meant for tests and throwaway instances.
type MemoryStorage struct {
	mu     sync.RWMutex
	caches map[string]*memoryCache
	order  []string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		caches: make(map[string]*memoryCache),
	}
}

func (m *MemoryStorage) Open(ctx context.Context, name string) (Cache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.caches[name]; ok {
		return c, nil
	}
	c := &memoryCache{
		name:    name,
		entries: make(map[string]Entry),
	}
	m.caches[name] = c
	m.order = append(m.order, name)
	return c, nil
}

func (m *MemoryStorage) Lookup(ctx context.Context, name string) (Cache, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.caches[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return c, nil
}

func (m *MemoryStorage) Has(ctx context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.caches[name]
	return ok, nil
}

func (m *MemoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.caches[name]
	if !ok {
		return false, nil
	}
	c.drop()
	delete(m.caches, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *MemoryStorage) Keys(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out, nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

type memoryCache struct {
	name string

	mu      sync.RWMutex
	entries map[string]Entry
	order   []string
	deleted bool
}

func (c *memoryCache) Name() string {
	return c.name
}

func (c *memoryCache) drop() {
	c.mu.Lock()
	c.deleted = true
	c.entries = nil
	c.order = nil
	c.mu.Unlock()
}

func (c *memoryCache) Match(ctx context.Context, key string) (Entry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	return entry, ok, nil
}

func (c *memoryCache) Put(ctx context.Context, entry Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleted {
		return fmt.Errorf("%w: %s", ErrNotFound, c.name)
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = time.Now()
	}
	if _, ok := c.entries[entry.Key]; ok {
		c.removeKeyLocked(entry.Key)
	}
	c.entries[entry.Key] = entry
	c.order = append(c.order, entry.Key)
	return nil
}

func (c *memoryCache) Delete(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return false, nil
	}
	delete(c.entries, key)
	c.removeKeyLocked(key)
	return true, nil
}

func (c *memoryCache) Keys(ctx context.Context) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out, nil
}

func (c *memoryCache) removeKeyLocked(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

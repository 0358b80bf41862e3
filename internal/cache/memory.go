package cache

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"
)

type entry struct {
	value     []byte
	createdAt time.Time
	expiresAt time.Time
}

type MemoryConfig struct {
	MaxEntries int
	Now        func() time.Time
}

// MemoryCache is the single-process fallback used when Redis is not configured.
type MemoryCache struct {
	mu         sync.Mutex
	entries    map[string]entry
	maxEntries int
	now        func() time.Time
}

func NewMemoryCache(config MemoryConfig) *MemoryCache {
	if config.MaxEntries <= 0 {
		config.MaxEntries = 10000
	}
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryCache{
		entries:    make(map[string]entry),
		maxEntries: config.MaxEntries,
		now:        config.Now,
	}
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ttl)
	return nil
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.liveLocked(key)
	if !ok {
		return nil, ErrMiss
	}
	return append([]byte(nil), current.value...), nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *MemoryCache) Exists(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.liveLocked(key)
	return ok, nil
}

func (c *MemoryCache) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.liveLocked(key); ok {
		return false, nil
	}
	c.setLocked(key, value, ttl)
	return true, nil
}

func (c *MemoryCache) DeleteIfValue(_ context.Context, key string, value []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.liveLocked(key)
	if !ok || !bytes.Equal(current.value, value) {
		return false, nil
	}
	delete(c.entries, key)
	return true, nil
}

// liveLocked drops the entry if it has expired.
func (c *MemoryCache) liveLocked(key string) (entry, bool) {
	current, ok := c.entries[key]
	if !ok {
		return entry{}, false
	}
	if !current.expiresAt.IsZero() && !c.now().Before(current.expiresAt) {
		delete(c.entries, key)
		return entry{}, false
	}
	return current, true
}

func (c *MemoryCache) setLocked(key string, value []byte, ttl time.Duration) {
	now := c.now()
	item := entry{
		value:     append([]byte(nil), value...),
		createdAt: now,
	}
	if ttl > 0 {
		item.expiresAt = now.Add(ttl)
	}
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	c.entries[key] = item
}

// evictOldest makes room by dropping expired entries, or else the oldest
// entry that is not pinned. When only pinned entries remain the cache grows
// past MaxEntries; they all carry a TTL.
func (c *MemoryCache) evictOldest() {
	now := c.now()
	var (
		oldest string
		found  bool
		at     time.Time
	)
	for key, value := range c.entries {
		if !value.expiresAt.IsZero() && !now.Before(value.expiresAt) {
			delete(c.entries, key)
			continue
		}
		if pinned(key) {
			continue
		}
		if !found || value.createdAt.Before(at) {
			oldest, at, found = key, value.createdAt, true
		}
	}
	if len(c.entries) < c.maxEntries || !found {
		return
	}
	delete(c.entries, oldest)
}

// pinned keys hold live request state: per-user processing flags and task
// payloads between steps.
func pinned(key string) bool {
	switch {
	case strings.HasPrefix(key, "user:") && strings.HasSuffix(key, ":status"):
		return true
	case strings.HasPrefix(key, "job:") && strings.HasSuffix(key, ":task"):
		return true
	}
	return false
}

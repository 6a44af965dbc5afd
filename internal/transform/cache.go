package transform

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// CacheConfig tunes the in-process pipeline result cache.
type CacheConfig struct {
	TTL        time.Duration
	MaxEntries int
}

// DefaultCacheConfig returns the default result-cache settings.
func DefaultCacheConfig() *CacheConfig {
	return &CacheConfig{
		TTL:        30 * time.Second,
		MaxEntries: 256,
	}
}

// CacheStats reports result-cache counters.
type CacheStats struct {
	Entries int    `json:"entries"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// ResultCache is a small TTL cache for encoded pipeline results, keyed by
// a hash of the pipeline config and input rows.
type ResultCache struct {
	mu      sync.RWMutex
	entries map[uint64]cacheEntry
	ttl     time.Duration
	max     int
	hits    uint64
	misses  uint64
}

// NewResultCache creates a result cache. A nil config uses defaults.
func NewResultCache(config *CacheConfig) *ResultCache {
	if config == nil {
		config = DefaultCacheConfig()
	}
	return &ResultCache{
		entries: make(map[uint64]cacheEntry),
		ttl:     config.TTL,
		max:     config.MaxEntries,
	}
}

// cacheKeyFor hashes the pipeline config and input payload into one key.
func cacheKeyFor(pipelineJSON, rowsJSON []byte) uint64 {
	d := xxhash.New()
	_, _ = d.Write(pipelineJSON)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(rowsJSON)
	return d.Sum64()
}

// Get returns the cached value for key, expiring stale entries lazily.
func (c *ResultCache) Get(key uint64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, key)
		c.misses++
		return nil, false
	}
	c.hits++
	return entry.value, true
}

// Set stores a value, evicting the entry closest to expiry when full.
func (c *ResultCache) Set(key uint64, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.max {
		c.evictOldest()
	}
	c.entries[key] = cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// evictOldest removes the entry with the earliest expiry. Caller holds
// the lock.
func (c *ResultCache) evictOldest() {
	var oldestKey uint64
	var oldest time.Time
	first := true
	for key, entry := range c.entries {
		if first || entry.expiresAt.Before(oldest) {
			oldestKey = key
			oldest = entry.expiresAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}

// Purge drops every entry.
func (c *ResultCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]cacheEntry)
}

// Stats returns current counters.
func (c *ResultCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CacheStats{
		Entries: len(c.entries),
		Hits:    c.hits,
		Misses:  c.misses,
	}
}

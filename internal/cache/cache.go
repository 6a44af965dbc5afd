// Package cache provides the shared caching layer for Agentry.
// It fronts Redis when a connection is configured and falls back to a
// bounded in-memory store when it is not, so single-node deployments
// and tests run without extra infrastructure.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"agentry/internal/logging"
)

// ErrCacheMiss is returned when a key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// Config holds cache configuration.
type Config struct {
	// RedisURL enables the Redis backend when set
	// (redis://[:password@]host:port[/db], rediss:// for TLS).
	RedisURL string

	DefaultTTL     time.Duration
	MaxMemoryItems int

	// Connection pool settings, applied when Redis is enabled.
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() *Config {
	return &Config{
		DefaultTTL:     30 * time.Second,
		MaxMemoryItems: 10000,
		PoolSize:       100,
		MinIdleConns:   10,
		DialTimeout:    5 * time.Second,
		ReadTimeout:    3 * time.Second,
		WriteTimeout:   3 * time.Second,
	}
}

// ConfigFromEnv builds a Config from environment variables.
func ConfigFromEnv() *Config {
	config := DefaultConfig()

	if url := os.Getenv("REDIS_URL"); url != "" {
		config.RedisURL = url
	}
	if poolSize := os.Getenv("REDIS_POOL_SIZE"); poolSize != "" {
		if ps, err := strconv.Atoi(poolSize); err == nil {
			config.PoolSize = ps
		}
	}
	if minIdle := os.Getenv("REDIS_MIN_IDLE_CONNS"); minIdle != "" {
		if mi, err := strconv.Atoi(minIdle); err == nil {
			config.MinIdleConns = mi
		}
	}
	return config
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// Cache is the shared cache facade. Safe for concurrent use.
type Cache struct {
	redis redis.UniversalClient // nil when running memory-only

	memMu    sync.RWMutex
	memCache map[string]*memoryEntry

	defaultTTL time.Duration
	maxMemSize int

	statsMu sync.RWMutex
	hits    int64
	misses  int64

	done chan struct{}
}

// New creates a cache. When cfg.RedisURL is set it connects to Redis and
// keeps the memory store as a fallback for Redis outages; connection
// failures degrade to memory-only rather than erroring.
func New(cfg *Config) *Cache {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	c := &Cache{
		memCache:   make(map[string]*memoryEntry),
		defaultTTL: cfg.DefaultTTL,
		maxMemSize: cfg.MaxMemoryItems,
		done:       make(chan struct{}),
	}

	if cfg.RedisURL != "" {
		client, err := connectRedis(cfg)
		if err != nil {
			logging.S().Warnw("redis unavailable, caching in memory only", "error", err)
		} else {
			c.redis = client
			logging.S().Infow("redis cache connected")
		}
	}

	go c.cleanupLoop()
	return c
}

func connectRedis(cfg *Config) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// Get retrieves a value. Redis is tried first when available.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	if c.redis != nil {
		val, err := c.redis.Get(ctx, key).Result()
		if err == nil {
			c.recordHit()
			return []byte(val), nil
		}
		if err != redis.Nil {
			logging.S().Debugw("redis get failed, trying memory", "key", key, "error", err)
		}
	}

	c.memMu.RLock()
	entry, exists := c.memCache[key]
	c.memMu.RUnlock()

	if !exists {
		c.recordMiss()
		return nil, ErrCacheMiss
	}
	if time.Now().After(entry.expiresAt) {
		c.memMu.Lock()
		delete(c.memCache, key)
		c.memMu.Unlock()
		c.recordMiss()
		return nil, ErrCacheMiss
	}

	c.recordHit()
	return entry.value, nil
}

// Set stores a value. A zero ttl uses the default.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.defaultTTL
	}

	if c.redis != nil {
		if err := c.redis.Set(ctx, key, string(value), ttl).Err(); err == nil {
			return nil
		}
		// fall through to memory on Redis error
	}

	c.memMu.Lock()
	defer c.memMu.Unlock()

	if len(c.memCache) >= c.maxMemSize {
		c.evictOldest()
	}
	c.memCache[key] = &memoryEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Delete removes a key from both backends.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if c.redis != nil {
		c.redis.Del(ctx, key)
	}

	c.memMu.Lock()
	delete(c.memCache, key)
	c.memMu.Unlock()
	return nil
}

// DeletePattern removes every key matching a glob-style pattern.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) error {
	if c.redis != nil {
		keys, err := c.redis.Keys(ctx, pattern).Result()
		if err == nil && len(keys) > 0 {
			c.redis.Del(ctx, keys...)
		}
	}

	c.memMu.Lock()
	defer c.memMu.Unlock()
	for key := range c.memCache {
		if matchPattern(pattern, key) {
			delete(c.memCache, key)
		}
	}
	return nil
}

// GetJSON retrieves and unmarshals a JSON value.
func (c *Cache) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// SetJSON marshals and stores a JSON value.
func (c *Cache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, data, ttl)
}

// GetOrSetJSON fills dest from cache, calling loader and caching its
// result on a miss.
func (c *Cache) GetOrSetJSON(ctx context.Context, key string, ttl time.Duration, dest interface{}, loader func() (interface{}, error)) error {
	if err := c.GetJSON(ctx, key, dest); err == nil {
		return nil
	}

	value, err := loader()
	if err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := c.Set(ctx, key, data, ttl); err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

// Stats holds cache counters.
type Stats struct {
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRatio   float64 `json:"hit_ratio"`
	MemorySize int     `json:"memory_size"`
	RedisUp    bool    `json:"redis_up"`
}

// Stats returns current cache statistics.
func (c *Cache) Stats() Stats {
	c.statsMu.RLock()
	hits, misses := c.hits, c.misses
	c.statsMu.RUnlock()

	c.memMu.RLock()
	memSize := len(c.memCache)
	c.memMu.RUnlock()

	ratio := float64(0)
	if total := hits + misses; total > 0 {
		ratio = float64(hits) / float64(total)
	}
	return Stats{
		Hits:       hits,
		Misses:     misses,
		HitRatio:   ratio,
		MemorySize: memSize,
		RedisUp:    c.redis != nil,
	}
}

// Ping reports backend health. Memory-only caches are always healthy.
func (c *Cache) Ping(ctx context.Context) error {
	if c.redis == nil {
		return nil
	}
	return c.redis.Ping(ctx).Err()
}

// Close stops the cleanup goroutine and closes the Redis connection.
func (c *Cache) Close() error {
	close(c.done)
	if c.redis != nil {
		return c.redis.Close()
	}
	return nil
}

func (c *Cache) recordHit() {
	c.statsMu.Lock()
	c.hits++
	c.statsMu.Unlock()
}

func (c *Cache) recordMiss() {
	c.statsMu.Lock()
	c.misses++
	c.statsMu.Unlock()
}

// evictOldest drops expired entries first, then arbitrary ones, until
// 10% of capacity is free. Caller holds memMu.
func (c *Cache) evictOldest() {
	toEvict := c.maxMemSize / 10
	if toEvict < 1 {
		toEvict = 1
	}

	now := time.Now()
	evicted := 0
	for key, entry := range c.memCache {
		if evicted >= toEvict {
			return
		}
		if now.After(entry.expiresAt) {
			delete(c.memCache, key)
			evicted++
		}
	}
	for key := range c.memCache {
		if evicted >= toEvict {
			return
		}
		delete(c.memCache, key)
		evicted++
	}
}

func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.done:
			return
		}
	}
}

func (c *Cache) cleanup() {
	c.memMu.Lock()
	defer c.memMu.Unlock()

	now := time.Now()
	for key, entry := range c.memCache {
		if now.After(entry.expiresAt) {
			delete(c.memCache, key)
		}
	}
}

// matchPattern supports the trailing-* glob used by the key builders.
func matchPattern(pattern, key string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	if pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(key) >= len(prefix) && key[:len(prefix)] == prefix
	}
	return pattern == key
}

// Package cache provides a two-level JSON cache: local memory in front of Redis.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// Config holds cache configuration.
type Config struct {
	L1MaxSize int           // 최대 항목 수 (기본: 1000)
	L1TTL     time.Duration // 로컬 TTL (기본: 30초)
	Prefix    string        // Redis key prefix
}

// DefaultConfig returns default cache configuration.
func DefaultConfig() Config {
	return Config{L1MaxSize: 1000, L1TTL: 30 * time.Second, Prefix: "mirror:"}
}

// =============================================================================
// TwoLevel - L1 (memory) + L2 (Redis)
// =============================================================================

// TwoLevel reads through L1 then Redis. Redis errors degrade to L1 only.
type TwoLevel struct {
	cfg   Config
	l1    *L1Cache
	redis *redis.Client
}

// New creates a cache. redisClient may be nil.
func New(redisClient *redis.Client, cfg Config) *TwoLevel {
	def := DefaultConfig()
	if cfg.L1MaxSize <= 0 {
		cfg.L1MaxSize = def.L1MaxSize
	}
	if cfg.L1TTL <= 0 {
		cfg.L1TTL = def.L1TTL
	}
	return &TwoLevel{cfg: cfg, l1: NewL1Cache(cfg.L1MaxSize, cfg.L1TTL), redis: redisClient}
}

// GetJSON decodes the cached value into dest and reports whether it was found.
func (c *TwoLevel) GetJSON(ctx context.Context, key string, dest any) bool {
	if data, ok := c.l1.Get(key); ok {
		return json.Unmarshal(data, dest) == nil
	}
	if c.redis == nil {
		return false
	}

	data, err := c.redis.Get(ctx, c.cfg.Prefix+key).Bytes()
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false
	}
	c.l1.Set(key, data)
	return true
}

// SetJSON stores value in both levels.
func (c *TwoLevel) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.l1.Set(key, data)
	if c.redis == nil {
		return nil
	}
	return c.redis.Set(ctx, c.cfg.Prefix+key, data, ttl).Err()
}

// Delete removes key from both levels.
func (c *TwoLevel) Delete(ctx context.Context, key string) error {
	c.l1.Delete(key)
	if c.redis == nil {
		return nil
	}
	return c.redis.Del(ctx, c.cfg.Prefix+key).Err()
}

// Close stops the L1 janitor.
func (c *TwoLevel) Close() {
	c.l1.Close()
}

// =============================================================================
// L1Cache - 로컬 메모리 캐시 (LRU + TTL)
// =============================================================================

type cacheEntry struct {
	data      []byte
	expiresAt time.Time
}

// L1Cache is a small LRU cache with TTL.
type L1Cache struct {
	maxSize int
	ttl     time.Duration
	items   map[string]*cacheEntry
	order   []string // LRU order, oldest first
	mu      sync.Mutex
	stop    chan struct{}
	once    sync.Once
}

// NewL1Cache creates a new L1 cache.
func NewL1Cache(maxSize int, ttl time.Duration) *L1Cache {
	c := &L1Cache{
		maxSize: maxSize,
		ttl:     ttl,
		items:   make(map[string]*cacheEntry),
		order:   make([]string, 0, maxSize),
		stop:    make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// Get retrieves a value.
func (c *L1Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.removeLocked(key)
		return nil, false
	}
	c.touchLocked(key)
	return entry.data, true
}

// Set stores a value.
func (c *L1Cache) Set(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxSize && len(c.order) > 0 {
		c.removeLocked(c.order[0])
	}
	c.items[key] = &cacheEntry{data: data, expiresAt: time.Now().Add(c.ttl)}
	c.touchLocked(key)
}

// Delete removes a value.
func (c *L1Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

// InvalidateByPrefix removes every key starting with prefix.
func (c *L1Cache) InvalidateByPrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.items {
		if strings.HasPrefix(key, prefix) {
			c.removeLocked(key)
		}
	}
}

// Len returns the number of entries, expired ones included until the janitor runs.
func (c *L1Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Close stops the cleanup goroutine.
func (c *L1Cache) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *L1Cache) touchLocked(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, key)
}

func (c *L1Cache) removeLocked(key string) {
	if _, ok := c.items[key]; !ok {
		return
	}
	delete(c.items, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *L1Cache) cleanupLoop() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

func (c *L1Cache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, entry := range c.items {
		if now.After(entry.expiresAt) {
			c.removeLocked(key)
		}
	}
}

package pipeline

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/knowflow-io/knowflow/internal/metrics"
	"github.com/knowflow-io/knowflow/types"
)

// Cache stores node output batches keyed by input fingerprint. Entries are
// idempotent recomputations, so concurrent writers resolve by
// last-writer-wins. Implementations fail open: backend trouble surfaces as
// a miss on read and a logged no-op on write, never as a run failure.
type Cache interface {
	Get(ctx context.Context, key string) ([]*types.ProcessedData, bool)
	Set(ctx context.Context, key string, batch []*types.ProcessedData)
}

type memoryEntry struct {
	key       string
	batch     []*types.ProcessedData
	expiresAt time.Time
}

// MemoryCache is an in-process node cache with a TTL and a bounded entry
// count. LRU eviction promotes entries on read; FIFO keeps insertion
// order.
type MemoryCache struct {
	cfg types.CacheConfig

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List

	metrics *metrics.Collector
	logger  *zap.Logger
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache builds a memory cache, filling zero config fields with
// the defaults (1000 entries, one hour, LRU).
func NewMemoryCache(cfg types.CacheConfig, collector *metrics.Collector, logger *zap.Logger) *MemoryCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	if cfg.EvictionStrategy == "" {
		cfg.EvictionStrategy = types.EvictionLRU
	}
	return &MemoryCache{
		cfg:     cfg,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		metrics: collector,
		logger:  logger.With(zap.String("component", "pipeline.cache")),
	}
}

// Get returns the cached batch for key, expiring stale entries lazily.
func (c *MemoryCache) Get(ctx context.Context, key string) ([]*types.ProcessedData, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.recordMiss()
		return nil, false
	}
	entry := el.Value.(*memoryEntry)
	if time.Now().After(entry.expiresAt) {
		c.order.Remove(el)
		delete(c.entries, key)
		c.recordMiss()
		return nil, false
	}
	if c.cfg.EvictionStrategy == types.EvictionLRU {
		c.order.MoveToFront(el)
	}
	c.recordHit()
	return entry.batch, true
}

// Set stores a batch under key, evicting from the back of the order list
// until the entry bound holds.
func (c *MemoryCache) Set(ctx context.Context, key string, batch []*types.ProcessedData) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*memoryEntry)
		entry.batch = batch
		entry.expiresAt = time.Now().Add(c.cfg.TTL)
		if c.cfg.EvictionStrategy == types.EvictionLRU {
			c.order.MoveToFront(el)
		}
		return
	}

	for len(c.entries) >= c.cfg.MaxSize {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		evicted := oldest.Value.(*memoryEntry)
		c.order.Remove(oldest)
		delete(c.entries, evicted.key)
	}

	el := c.order.PushFront(&memoryEntry{
		key:       key,
		batch:     batch,
		expiresAt: time.Now().Add(c.cfg.TTL),
	})
	c.entries[key] = el
}

// Len reports the current entry count.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *MemoryCache) recordHit() {
	if c.metrics != nil {
		c.metrics.RecordCacheHit("memory")
	}
}

func (c *MemoryCache) recordMiss() {
	if c.metrics != nil {
		c.metrics.RecordCacheMiss("memory")
	}
}

// RedisCache shares node outputs across processes as JSON values expiring
// via SETEX.
type RedisCache struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration

	metrics *metrics.Collector
	logger  *zap.Logger
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache builds a Redis-backed node cache.
func NewRedisCache(client *redis.Client, keyPrefix string, ttl time.Duration, collector *metrics.Collector, logger *zap.Logger) *RedisCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if keyPrefix == "" {
		keyPrefix = "knowflow:cache:"
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisCache{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		metrics:   collector,
		logger:    logger.With(zap.String("component", "pipeline.cache")),
	}
}

// Get fetches and decodes a cached batch. Any backend or decode problem
// degrades to a miss.
func (c *RedisCache) Get(ctx context.Context, key string) ([]*types.ProcessedData, bool) {
	raw, err := c.client.Get(ctx, c.keyPrefix+key).Result()
	if err == redis.Nil {
		c.recordMiss()
		return nil, false
	}
	if err != nil {
		c.logger.Warn("cache read failed, treating as miss",
			zap.String("key", key), zap.Error(err))
		c.recordMiss()
		return nil, false
	}
	var batch []*types.ProcessedData
	if err := json.Unmarshal([]byte(raw), &batch); err != nil {
		c.logger.Warn("cache entry undecodable, treating as miss",
			zap.String("key", key), zap.Error(err))
		c.recordMiss()
		return nil, false
	}
	c.recordHit()
	return batch, true
}

// Set encodes and stores a batch with the cache TTL. Failures are logged
// and swallowed.
func (c *RedisCache) Set(ctx context.Context, key string, batch []*types.ProcessedData) {
	raw, err := json.Marshal(batch)
	if err != nil {
		c.logger.Warn("cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.client.SetEx(ctx, c.keyPrefix+key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *RedisCache) recordHit() {
	if c.metrics != nil {
		c.metrics.RecordCacheHit("redis")
	}
}

func (c *RedisCache) recordMiss() {
	if c.metrics != nil {
		c.metrics.RecordCacheMiss("redis")
	}
}

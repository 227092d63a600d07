package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/knowflow-io/knowflow/types"
)

func cacheBatch(id, content string) []*types.ProcessedData {
	return []*types.ProcessedData{{
		DataID:     id,
		DataType:   types.DataTypeText,
		Content:    content,
		Confidence: 1.0,
	}}
}

func TestMemoryCache_RoundTripAndMiss(t *testing.T) {
	c := NewMemoryCache(types.DefaultCacheConfig(), nil, zap.NewNop())
	ctx := context.Background()

	_, ok := c.Get(ctx, "absent")
	assert.False(t, ok)

	batch := cacheBatch("d1", "hello")
	c.Set(ctx, "k1", batch)
	got, ok := c.Get(ctx, "k1")
	require.True(t, ok)
	assert.Equal(t, batch, got)
}

func TestMemoryCache_TTLExpiry(t *testing.T) {
	cfg := types.CacheConfig{
		Enabled:          true,
		MaxSize:          10,
		TTL:              20 * time.Millisecond,
		EvictionStrategy: types.EvictionLRU,
	}
	c := NewMemoryCache(cfg, nil, zap.NewNop())
	ctx := context.Background()

	c.Set(ctx, "k", cacheBatch("d", "v"))
	_, ok := c.Get(ctx, "k")
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok, "entry must expire after its TTL")
	assert.Zero(t, c.Len(), "expired entries are dropped on read")
}

func TestMemoryCache_LRUEviction(t *testing.T) {
	cfg := types.CacheConfig{
		Enabled:          true,
		MaxSize:          2,
		TTL:              time.Hour,
		EvictionStrategy: types.EvictionLRU,
	}
	c := NewMemoryCache(cfg, nil, zap.NewNop())
	ctx := context.Background()

	c.Set(ctx, "a", cacheBatch("a", "1"))
	c.Set(ctx, "b", cacheBatch("b", "2"))

	// Touching a makes b the eviction candidate.
	_, ok := c.Get(ctx, "a")
	require.True(t, ok)

	c.Set(ctx, "c", cacheBatch("c", "3"))
	_, ok = c.Get(ctx, "b")
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = c.Get(ctx, "a")
	assert.True(t, ok)
	_, ok = c.Get(ctx, "c")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestMemoryCache_FIFOEvictionIgnoresReads(t *testing.T) {
	cfg := types.CacheConfig{
		Enabled:          true,
		MaxSize:          2,
		TTL:              time.Hour,
		EvictionStrategy: types.EvictionFIFO,
	}
	c := NewMemoryCache(cfg, nil, zap.NewNop())
	ctx := context.Background()

	c.Set(ctx, "a", cacheBatch("a", "1"))
	c.Set(ctx, "b", cacheBatch("b", "2"))

	// Under FIFO a read does not refresh a; it is still the oldest.
	_, ok := c.Get(ctx, "a")
	require.True(t, ok)

	c.Set(ctx, "c", cacheBatch("c", "3"))
	_, ok = c.Get(ctx, "a")
	assert.False(t, ok, "oldest insertion should be evicted regardless of reads")
	_, ok = c.Get(ctx, "b")
	assert.True(t, ok)
	_, ok = c.Get(ctx, "c")
	assert.True(t, ok)
}

func TestMemoryCache_OverwriteRefreshesEntry(t *testing.T) {
	cfg := types.CacheConfig{
		Enabled:          true,
		MaxSize:          2,
		TTL:              time.Hour,
		EvictionStrategy: types.EvictionLRU,
	}
	c := NewMemoryCache(cfg, nil, zap.NewNop())
	ctx := context.Background()

	c.Set(ctx, "a", cacheBatch("a", "old"))
	c.Set(ctx, "b", cacheBatch("b", "2"))
	c.Set(ctx, "a", cacheBatch("a", "new"))

	c.Set(ctx, "c", cacheBatch("c", "3"))
	_, ok := c.Get(ctx, "b")
	assert.False(t, ok, "b should be evicted after a was rewritten")

	got, ok := c.Get(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, "new", got[0].Content)
	assert.Equal(t, 2, c.Len())
}

func TestRedisCache_RoundTripAndExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := NewRedisCache(client, "test:cache:", 50*time.Millisecond, nil, zap.NewNop())
	ctx := context.Background()

	_, ok := c.Get(ctx, "absent")
	assert.False(t, ok)

	c.Set(ctx, "k1", cacheBatch("d1", "hello"))
	got, ok := c.Get(ctx, "k1")
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, "d1", got[0].DataID)
	assert.Equal(t, "hello", got[0].Content)
	assert.Equal(t, types.DataTypeText, got[0].DataType)

	mr.FastForward(100 * time.Millisecond)
	_, ok = c.Get(ctx, "k1")
	assert.False(t, ok, "entry must expire after its TTL")
}

func TestRedisCache_FailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := NewRedisCache(client, "", time.Minute, nil, zap.NewNop())
	ctx := context.Background()

	// An undecodable stored value reads as a miss.
	c.Set(ctx, "k", cacheBatch("d", "v"))
	require.NoError(t, mr.Set("knowflow:cache:k", "{not json"))
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok, "undecodable entries must read as misses")

	// A dead backend degrades reads and writes to misses, never errors.
	mr.Close()
	c.Set(ctx, "k2", cacheBatch("d2", "v2"))
	_, ok = c.Get(ctx, "k2")
	assert.False(t, ok)
}

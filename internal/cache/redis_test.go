package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	cfg := DefaultRedisConfig()
	cfg.Addr = mr.Addr()

	c, err := NewRedisCache(cfg, zap.NewNop())
	require.NoError(t, err)
	return mr, c
}

func TestRedisCache_GetOrCompute(t *testing.T) {
	mr, c := setupTestRedis(t)
	defer mr.Close()
	defer c.Close()
	ctx := context.Background()

	var calls int32
	compute := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("value"), nil
	}

	data, err := c.GetOrCompute(ctx, "k", time.Minute, compute)
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), data)

	data, err = c.GetOrCompute(ctx, "k", time.Minute, compute)
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), data)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRedisCache_TTLExpiry(t *testing.T) {
	mr, c := setupTestRedis(t)
	defer mr.Close()
	defer c.Close()
	ctx := context.Background()

	_, err := c.GetOrCompute(ctx, "k", time.Minute, func(ctx context.Context) ([]byte, error) {
		return []byte("v1"), nil
	})
	require.NoError(t, err)

	// miniredis advances TTLs manually.
	mr.FastForward(2 * time.Minute)

	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisCache_Delete(t *testing.T) {
	mr, c := setupTestRedis(t)
	defer mr.Close()
	defer c.Close()
	ctx := context.Background()

	_, err := c.GetOrCompute(ctx, "k", time.Minute, func(ctx context.Context) ([]byte, error) {
		return []byte("v"), nil
	})
	require.NoError(t, err)

	require.NoError(t, c.Delete(ctx, "k"))
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryCache_GetOrCompute(t *testing.T) {
	c := NewMemoryCache(zap.NewNop())
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

	// Second call is a hit.
	data, err = c.GetOrCompute(ctx, "k", time.Minute, compute)
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), data)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestMemoryCache_TTLExpiry(t *testing.T) {
	c := NewMemoryCache(zap.NewNop())
	defer c.Close()
	ctx := context.Background()

	_, err := c.GetOrCompute(ctx, "k", 10*time.Millisecond, func(ctx context.Context) ([]byte, error) {
		return []byte("v1"), nil
	})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)

	data, err := c.GetOrCompute(ctx, "k", time.Minute, func(ctx context.Context) ([]byte, error) {
		return []byte("v2"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)
}

func TestMemoryCache_ComputeErrorNotCached(t *testing.T) {
	c := NewMemoryCache(zap.NewNop())
	defer c.Close()
	ctx := context.Background()

	boom := errors.New("boom")
	_, err := c.GetOrCompute(ctx, "k", time.Minute, func(ctx context.Context) ([]byte, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())

	data, err := c.GetOrCompute(ctx, "k", time.Minute, func(ctx context.Context) ([]byte, error) {
		return []byte("ok"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), data)
}

func TestMemoryCache_SingleflightDedupe(t *testing.T) {
	c := NewMemoryCache(zap.NewNop())
	defer c.Close()
	ctx := context.Background()

	var calls int32
	release := make(chan struct{})
	compute := func(ctx context.Context) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []byte("shared"), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := c.GetOrCompute(ctx, "k", time.Minute, compute)
			assert.NoError(t, err)
			assert.Equal(t, []byte("shared"), data)
		}()
	}

	// Give the goroutines a moment to pile onto the same key.
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestMemoryCache_Delete(t *testing.T) {
	c := NewMemoryCache(zap.NewNop())
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

package cacher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshot struct {
	Name    string
	Secrets [][]byte
}

func TestMemoryCacher_GetOrFetch(t *testing.T) {
	ctx := context.Background()

	t.Run("miss then hit", func(t *testing.T) {
		c := NewMemoryCacher[snapshot](cache.NoExpiration, time.Minute)

		fetchCount := 0
		fetchFn := func(ctx context.Context) (snapshot, error) {
			fetchCount++
			return snapshot{Name: "v1", Secrets: [][]byte{[]byte("a")}}, nil
		}

		val, err := c.GetOrFetch(ctx, "version:1:1", time.Minute, fetchFn)
		require.NoError(t, err)
		assert.Equal(t, "v1", val.Name)

		val, err = c.GetOrFetch(ctx, "version:1:1", time.Minute, fetchFn)
		require.NoError(t, err)
		assert.Equal(t, "v1", val.Name)
		assert.Equal(t, 1, fetchCount)
	})

	t.Run("errors are not cached", func(t *testing.T) {
		c := NewMemoryCacher[string](cache.NoExpiration, time.Minute)

		_, err := c.GetOrFetch(ctx, "k", time.Minute, func(ctx context.Context) (string, error) {
			return "", assert.AnError
		})
		assert.ErrorIs(t, err, assert.AnError)

		val, err := c.GetOrFetch(ctx, "k", time.Minute, func(ctx context.Context) (string, error) {
			return "ok", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "ok", val)
	})

	t.Run("zero ttl uses default expiration", func(t *testing.T) {
		c := NewMemoryCacher[string](20*time.Millisecond, time.Minute)

		fetchCount := 0
		fetchFn := func(ctx context.Context) (string, error) {
			fetchCount++
			return "v", nil
		}

		_, err := c.GetOrFetch(ctx, "k", 0, fetchFn)
		require.NoError(t, err)
		time.Sleep(40 * time.Millisecond)
		_, err = c.GetOrFetch(ctx, "k", 0, fetchFn)
		require.NoError(t, err)
		assert.Equal(t, 2, fetchCount)
	})

	t.Run("concurrent misses share one fetch", func(t *testing.T) {
		c := NewMemoryCacher[string](cache.NoExpiration, time.Minute)

		var fetchCount int32
		fetchFn := func(ctx context.Context) (string, error) {
			atomic.AddInt32(&fetchCount, 1)
			time.Sleep(20 * time.Millisecond)
			return "shared", nil
		}

		const concurrency = 10
		var wg sync.WaitGroup
		results := make([]string, concurrency)
		errs := make([]error, concurrency)
		for i := range concurrency {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i], errs[i] = c.GetOrFetch(ctx, "same", time.Minute, fetchFn)
			}()
		}
		wg.Wait()

		for i := range concurrency {
			require.NoError(t, errs[i])
			assert.Equal(t, "shared", results[i])
		}
		assert.Equal(t, int32(1), atomic.LoadInt32(&fetchCount))
	})
}

func TestMemoryCacher_Invalidation(t *testing.T) {
	ctx := context.Background()
	fill := func(c *MemoryCacher[string], keys ...string) {
		for _, k := range keys {
			_, err := c.GetOrFetch(ctx, k, time.Minute, func(ctx context.Context) (string, error) { return k, nil })
			require.NoError(t, err)
		}
	}

	t.Run("Delete", func(t *testing.T) {
		c := NewMemoryCacher[string](cache.NoExpiration, time.Minute)
		fill(c, "a", "b")

		require.NoError(t, c.Delete(ctx, "a"))
		require.NoError(t, c.Delete(ctx, "missing"))

		count, err := c.ItemCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("DeleteByPrefix", func(t *testing.T) {
		c := NewMemoryCacher[string](cache.NoExpiration, time.Minute)
		fill(c, "version:1:1", "version:1:2", "version:10:1", "products")

		n, err := c.DeleteByPrefix(ctx, "version:1:")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		count, _ := c.ItemCount(ctx)
		assert.Equal(t, 2, count)

		n, err = c.DeleteByPrefix(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("Clear", func(t *testing.T) {
		c := NewMemoryCacher[string](cache.NoExpiration, time.Minute)
		fill(c, "a", "b", "c")

		require.NoError(t, c.Clear(ctx))
		count, _ := c.ItemCount(ctx)
		assert.Zero(t, count)
	})

	t.Run("cancelled context", func(t *testing.T) {
		c := NewMemoryCacher[string](cache.NoExpiration, time.Minute)
		fill(c, "a")

		cctx, cancel := context.WithCancel(ctx)
		cancel()

		assert.ErrorIs(t, c.Delete(cctx, "a"), context.Canceled)
		assert.ErrorIs(t, c.Clear(cctx), context.Canceled)
		_, err := c.ItemCount(cctx)
		assert.ErrorIs(t, err, context.Canceled)
		n, err := c.DeleteByPrefix(cctx, "")
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, n)
	})
}

func TestMemoryCacher_ConcurrentDifferentKeys(t *testing.T) {
	c := NewMemoryCacher[string](cache.NoExpiration, time.Minute)
	ctx := context.Background()

	var fetchCount int32
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("version:%d:1", i)
			_, err := c.GetOrFetch(ctx, key, time.Minute, func(ctx context.Context) (string, error) {
				atomic.AddInt32(&fetchCount, 1)
				return key, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(20), atomic.LoadInt32(&fetchCount))
}

func TestCacher_Interface(t *testing.T) {
	var _ Cacher[string] = (*MemoryCacher[string])(nil)
	var _ Cacher[string] = (*RedisCacher[string])(nil)
}

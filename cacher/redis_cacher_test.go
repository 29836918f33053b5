package cacher

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedis connects to LICENSESRV_TEST_REDIS_ADDR or skips the test.
func newTestRedis(t *testing.T) redis.UniversalClient {
	t.Helper()

	addr := os.Getenv("LICENSESRV_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LICENSESRV_TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisCacher(t *testing.T) {
	client := newTestRedis(t)
	ctx := context.Background()
	ns := fmt.Sprintf("licensesrv-test:%d:cache:", time.Now().UnixNano())
	c := NewRedisCacher[snapshot](client, ns)
	t.Cleanup(func() { _ = c.Clear(context.Background()) })

	fetchCount := 0
	fetchFn := func(ctx context.Context) (snapshot, error) {
		fetchCount++
		return snapshot{Name: "v", Secrets: [][]byte{[]byte("secret")}}, nil
	}

	t.Run("miss then hit round trips json", func(t *testing.T) {
		val, err := c.GetOrFetch(ctx, "version:1:1", time.Minute, fetchFn)
		require.NoError(t, err)
		assert.Equal(t, "v", val.Name)

		val, err = c.GetOrFetch(ctx, "version:1:1", time.Minute, fetchFn)
		require.NoError(t, err)
		assert.Equal(t, []byte("secret"), val.Secrets[0])
		assert.Equal(t, 1, fetchCount)
	})

	t.Run("second process sees entries", func(t *testing.T) {
		other := NewRedisCacher[snapshot](client, ns)
		_, err := other.GetOrFetch(ctx, "version:1:1", time.Minute, fetchFn)
		require.NoError(t, err)
		assert.Equal(t, 1, fetchCount)
	})

	t.Run("prefix invalidation stays in namespace", func(t *testing.T) {
		_, err := c.GetOrFetch(ctx, "version:1:2", time.Minute, fetchFn)
		require.NoError(t, err)
		_, err = c.GetOrFetch(ctx, "version:2:1", time.Minute, fetchFn)
		require.NoError(t, err)

		n, err := c.DeleteByPrefix(ctx, "version:1:")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		count, err := c.ItemCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		require.NoError(t, c.Delete(ctx, "version:2:1"))
		count, err = c.ItemCount(ctx)
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}

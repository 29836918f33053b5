package redisstore

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/go-licensesrv/store"
	"github.com/cyberinferno/go-licensesrv/store/storetest"
	"github.com/cyberinferno/go-licensesrv/utils"
)

var prefixSeq atomic.Int64

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

// newTestStore returns a Store under a fresh prefix and removes its keys when
// the test ends.
func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()

	client := newTestRedis(t)
	prefix := fmt.Sprintf("licensesrv-test:%d:%d:", time.Now().UnixNano(), prefixSeq.Add(1))
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})

	return New(client, append([]Option{WithPrefix(prefix)}, opts...)...)
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return newTestStore(t)
	})
}

func TestOrderNumbersArePerWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 13, 49, 0, 0, time.UTC)
	s := newTestStore(t, WithClock(func() time.Time { return now }))

	_, err := s.PutProduct(ctx, store.Product{ID: 1, Name: "p"})
	require.NoError(t, err)
	_, err = s.PutVersion(ctx, store.Version{ProductID: 1, MajorVersion: 1, Active: true})
	require.NoError(t, err)

	create := func(serial string) store.License {
		l, created, err := s.CreateOrUpdateLicense(ctx, store.License{SerialNum: serial, ProductID: 1, MajorVersion: 1, UserInfo: "u"}, true)
		require.NoError(t, err)
		require.True(t, created)
		return l
	}

	a := create("a")
	b := create("b")
	assert.NotEqual(t, a.OrderNum, b.OrderNum)

	n, err := s.client.HLen(ctx, s.ordersKey(time.Date(2024, 5, 1, 13, 40, 0, 0, time.UTC))).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	now = now.Add(2 * time.Minute)
	create("c")

	n, err = s.client.HLen(ctx, s.ordersKey(time.Date(2024, 5, 1, 13, 50, 0, 0, time.UTC))).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestUpdateDoesNotClaimOrderNumber(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.PutProduct(ctx, store.Product{ID: 1, Name: "p"})
	require.NoError(t, err)
	_, err = s.PutVersion(ctx, store.Version{ProductID: 1, MajorVersion: 1, Active: true})
	require.NoError(t, err)

	l := store.License{SerialNum: "a", ProductID: 1, MajorVersion: 1, UserInfo: "u"}
	first, created, err := s.CreateOrUpdateLicense(ctx, l, true)
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := s.CreateOrUpdateLicense(ctx, l, true)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.OrderNum, second.OrderNum)

	n, err := s.client.HLen(ctx, s.ordersKey(utils.WindowStart(first.Created, store.OrderWindow))).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestOpenUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Open(ctx, Config{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}

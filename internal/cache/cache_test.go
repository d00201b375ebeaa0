package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestClient connects to a real Redis instance for integration coverage,
// matching the addr/port env-var convention the pack uses for this kind of
// test. It skips (not fails) when Redis isn't reachable, since this is not a
// build-tagged suite.
func newTestClient(t *testing.T) *Client {
	t.Helper()

	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	c, err := New(addr, os.Getenv("TEST_REDIS_PASSWORD"), 0, zap.NewNop())
	if err != nil {
		t.Skipf("skipping: redis not reachable at %s: %v", addr, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSetGetDel(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := "test:setgetdel"
	defer c.Del(ctx, key)

	require.NoError(t, c.Set(ctx, key, "hello", time.Minute))

	got, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "hello", got)

	require.NoError(t, c.Del(ctx, key))

	_, err = c.Get(ctx, key)
	require.ErrorIs(t, err, ErrMiss)
}

func TestGetJSONSetJSON(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := "test:item:json"
	defer c.Del(ctx, key)

	type item struct {
		Name  string
		Price int
	}

	require.NoError(t, c.SetJSON(ctx, key, item{Name: "widget", Price: 100}, time.Minute))

	var got item
	require.NoError(t, c.GetJSON(ctx, key, &got))
	require.Equal(t, item{Name: "widget", Price: 100}, got)
}

func TestExistsAndExpire(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := "test:exists"
	defer c.Del(ctx, key)

	require.NoError(t, c.Set(ctx, key, "v", time.Minute))

	ok, err := c.Exists(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.Expire(ctx, key, 50*time.Millisecond))
	time.Sleep(150 * time.Millisecond)

	ok, err = c.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSeenOrMark(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := "test:idem:abc"
	defer c.Del(ctx, key)

	seen, err := c.SeenOrMark(ctx, key, time.Minute)
	require.NoError(t, err)
	require.False(t, seen, "first observation must not be reported as already seen")

	seen, err = c.SeenOrMark(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, seen, "second observation of the same key is a duplicate")
}

func TestIncrCounterSetsExpiryOnlyOnFirstHit(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := "test:ratelimit:window"
	defer c.Del(ctx, key)

	n, err := c.IncrCounter(ctx, key, time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	ttl, err := c.rdb.TTL(ctx, key).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))

	n, err = c.IncrCounter(ctx, key, time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestKeysUsesScanNotBlockingKeys(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	prefix := "test:scan:"
	defer c.DeletePattern(ctx, prefix+"*")

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Set(ctx, prefix+string(rune('a'+i)), "v", time.Minute))
	}

	keys, err := c.Keys(ctx, prefix+"*")
	require.NoError(t, err)
	require.Len(t, keys, 3)
}

package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Memory(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 23, 9, 0, 0, 0, time.UTC)
	m := NewMemory(16, time.Hour)
	m.now = func() time.Time { return now }

	_, ok, err := m.Get(ctx, "gold|")
	require.NoError(t, err)
	assert.False(t, ok, "empty cache misses")

	value := []byte(`{"gold":{}}`)
	require.NoError(t, m.Set(ctx, "gold|", value, 30*time.Second))
	value[0] = 'x'

	got, ok, err := m.Get(ctx, "gold|")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"gold":{}}`, string(got), "stored value is a copy")

	now = now.Add(30 * time.Second)
	_, ok, _ = m.Get(ctx, "gold|")
	assert.False(t, ok, "entry expires at its ttl")
	assert.Equal(t, 0, m.Len(), "expired entry removed on access")
}

func Test_Memory_SizeBound(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(4, time.Hour)

	for i := 0; i < 10; i++ {
		require.NoError(t, m.Set(ctx, fmt.Sprintf("key-%d", i), []byte("v"), time.Minute))
	}
	assert.Equal(t, 4, m.Len(), "least recently used entries are evicted")

	_, ok, _ := m.Get(ctx, "key-0")
	assert.False(t, ok)
	_, ok, _ = m.Get(ctx, "key-9")
	assert.True(t, ok)
}

func Test_Memory_MaxTTL(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0, 50*time.Millisecond)

	require.NoError(t, m.Set(ctx, "gold|", []byte("v"), time.Hour))
	_, ok, _ := m.Get(ctx, "gold|")
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		_, ok, _ := m.Get(ctx, "gold|")
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "entries never outlive the cache ttl")
}

func Test_Redis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	c := NewRedis(rdb, "pricefeed:reference:")
	require.NoError(t, c.Ping(ctx))

	_, ok, err := c.Get(ctx, "gold|eodhd")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "gold|eodhd", []byte(`{"gold":{}}`), 30*time.Second))
	assert.True(t, mr.Exists("pricefeed:reference:gold|eodhd"), "keys carry the prefix")

	got, ok, err := c.Get(ctx, "gold|eodhd")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"gold":{}}`, string(got))

	mr.FastForward(31 * time.Second)
	_, ok, err = c.Get(ctx, "gold|eodhd")
	require.NoError(t, err)
	assert.False(t, ok, "redis expires the key")
}

func Test_Redis_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mr.Close()

	c := NewRedis(rdb, "")
	_, _, err := c.Get(context.Background(), "gold|")
	assert.Error(t, err)
	assert.Error(t, c.Set(context.Background(), "gold|", []byte("v"), time.Second))
}

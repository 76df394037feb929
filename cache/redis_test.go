package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCacheAlwaysMisses(t *testing.T) {
	var r *Redis
	ctx := context.Background()

	_, ok := r.Generation(ctx)
	assert.False(t, ok)
	_, ok = r.Get(ctx, 0, "balances")
	assert.False(t, ok)
	r.Set(ctx, 0, "balances", []byte("x"))
	r.Invalidate(ctx)
	assert.NoError(t, r.Close())
}

func TestUnreachableServerDegradesToMiss(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	r := NewWithClient(client, time.Minute, "", nil)
	t.Cleanup(func() { r.Close() })
	ctx := context.Background()

	_, ok := r.Generation(ctx)
	assert.False(t, ok)
	_, ok = r.Get(ctx, 1, "balances")
	assert.False(t, ok)
	r.Set(ctx, 1, "balances", []byte("x"))
	r.Invalidate(ctx)
}

func TestNewFailsWhenServerIsDown(t *testing.T) {
	_, err := New(context.Background(), Options{Addr: "127.0.0.1:1"}, nil)
	require.Error(t, err)
}

func TestKeysAreNamespacedByGeneration(t *testing.T) {
	r := NewWithClient(nil, 0, "", nil)
	assert.Equal(t, "ledger:gen", r.genKey())
	assert.Equal(t, "ledger:3:balances:all", r.valueKey(3, "balances:all"))
	assert.NotEqual(t, r.valueKey(3, "k"), r.valueKey(4, "k"))
	assert.Equal(t, 30*time.Second, r.ttl)
}

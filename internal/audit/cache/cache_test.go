package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func TestLocalGetSetForget(t *testing.T) {
	c := New()
	ctx := context.Background()

	_, ok := c.Get(ctx, "t1")
	assert.False(t, ok)

	c.Set(ctx, "t1", "h1")
	hash, ok := c.Get(ctx, "t1")
	require.True(t, ok)
	assert.Equal(t, "h1", hash)

	// Tenants don't see each other's hashes.
	_, ok = c.Get(ctx, "t2")
	assert.False(t, ok)

	c.Forget("t1")
	_, ok = c.Get(ctx, "t1")
	assert.False(t, ok)
}

func TestConcurrentTenants(t *testing.T) {
	c := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tenant := fmt.Sprintf("tenant-%d", i)
			c.Set(ctx, tenant, fmt.Sprintf("hash-%d", i))
			hash, ok := c.Get(ctx, tenant)
			assert.True(t, ok)
			assert.Equal(t, fmt.Sprintf("hash-%d", i), hash)
		}(i)
	}
	wg.Wait()
}

func TestRedisTierIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping testcontainers test in short mode")
	}
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := goredis.ParseURL(uri)
	require.NoError(t, err)
	client := goredis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	// Two cache instances sharing one Redis stand in for two service
	// replicas: a hash set by one warms the other.
	writer := New(WithRedis(client, time.Minute))
	reader := New(WithRedis(client, time.Minute))

	writer.Set(ctx, "t1", "h1")

	hash, ok := reader.Get(ctx, "t1")
	require.True(t, ok)
	assert.Equal(t, "h1", hash)

	// Forget only drops the local copy; Redis still warms the next read.
	reader.Forget("t1")
	hash, ok = reader.Get(ctx, "t1")
	require.True(t, ok)
	assert.Equal(t, "h1", hash)
}

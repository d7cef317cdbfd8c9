package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sudigital/neptu-api/internal/idgen"
)

// redisForTest returns a client or skips when no Redis is reachable.
func redisForTest(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisStore_SharedAcrossLimiters(t *testing.T) {
	client := redisForTest(t)
	prefix := "ratelimit_test:" + idgen.Hex(4) + ":"
	ctx := context.Background()
	t.Cleanup(func() { _ = client.Del(ctx, prefix+"key_shared").Err() })

	// Two limiters stand in for two gateway replicas.
	a := NewLimiter(NewRedisStore(client, prefix))
	b := NewLimiter(NewRedisStore(client, prefix))

	assert.True(t, a.Admit(ctx, "key_shared", 3).Admitted)
	assert.True(t, b.Admit(ctx, "key_shared", 3).Admitted)
	d := a.Admit(ctx, "key_shared", 3)
	assert.True(t, d.Admitted)
	assert.Equal(t, 0, d.Remaining)

	d = b.Admit(ctx, "key_shared", 3)
	assert.False(t, d.Admitted)
	assert.Greater(t, d.RetryAfterSeconds(), 0)
}

func TestRedisStore_WindowExpires(t *testing.T) {
	client := redisForTest(t)
	prefix := "ratelimit_test:" + idgen.Hex(4) + ":"
	store := NewRedisStore(client, prefix)
	ctx := context.Background()

	w, err := store.Increment(ctx, "short", 200*time.Millisecond, time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, w.Count)

	time.Sleep(300 * time.Millisecond)

	w, err = store.Increment(ctx, "short", 200*time.Millisecond, time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, w.Count)
}

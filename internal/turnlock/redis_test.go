package turnlock

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// redisForTest connects to REDIS_ADDR or skips.
func redisForTest(t *testing.T, opts ...RedisOption) *Redis {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	r, client, err := Dial(context.Background(), addr, os.Getenv("REDIS_PASSWORD"), 0, opts...)
	if err != nil {
		t.Skipf("redis not reachable: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return r
}

func TestRedisLease(t *testing.T) {
	r := redisForTest(t, WithPollInterval(5*time.Millisecond))
	key := "test-" + t.Name()

	unlock, err := r.Lock(context.Background(), key)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = r.Lock(ctx, key)
	assert.True(t, errors.Is(err, ErrLockTimeout))

	unlock()
	again, err := r.Lock(context.Background(), key)
	require.NoError(t, err)
	again()
}

func TestRedisLeaseExpires(t *testing.T) {
	r := redisForTest(t, WithLeaseTTL(30*time.Millisecond), WithPollInterval(5*time.Millisecond))
	key := "test-" + t.Name()

	stale, err := r.Lock(context.Background(), key)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	fresh, err := r.Lock(ctx, key)
	require.NoError(t, err, "an expired lease must be taken over")

	n, err := releaseScript.Run(context.Background(), r.rdb, []string{keyPrefix + key}, "not-the-holder").Int()
	require.NoError(t, err)
	assert.Equal(t, 0, n, "a foreign token must never delete the lease")
	stale()
	fresh()
}

func TestNewRedisDefaults(t *testing.T) {
	r := NewRedis(nil, WithLeaseTTL(0), WithPollInterval(-1))
	assert.Equal(t, DefaultLeaseTTL, r.ttl)
	assert.Equal(t, DefaultPollInterval, r.pollInterval)
}

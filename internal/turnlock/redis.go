package turnlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// Defaults for Redis leases.
const (
	DefaultLeaseTTL     = 30 * time.Second
	DefaultPollInterval = 50 * time.Millisecond
	keyPrefix           = "dialogpipe:turnlock:"
)

// releaseScript deletes the lease only when it still carries our token, so a
// lease that expired and was taken over by another instance is left alone.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a lease-based Locker shared by every instance using the same Redis.
type Redis struct {
	rdb          goredis.Cmdable
	ttl          time.Duration
	pollInterval time.Duration
}

var _ Locker = (*Redis)(nil)

// RedisOpts holds configuration for the Redis locker.
type RedisOpts struct {
	TTL          time.Duration
	PollInterval time.Duration
}

// RedisOption configures a Redis locker.
type RedisOption func(*RedisOpts)

// WithLeaseTTL bounds how long a crashed holder can block a conversation.
func WithLeaseTTL(ttl time.Duration) RedisOption {
	return func(o *RedisOpts) {
		o.TTL = ttl
	}
}

// WithPollInterval sets the retry interval while the lease is taken.
func WithPollInterval(d time.Duration) RedisOption {
	return func(o *RedisOpts) {
		o.PollInterval = d
	}
}

// NewRedis wraps an existing client.
func NewRedis(rdb goredis.Cmdable, opts ...RedisOption) *Redis {
	o := RedisOpts{TTL: DefaultLeaseTTL, PollInterval: DefaultPollInterval}
	for _, opt := range opts {
		opt(&o)
	}
	if o.TTL <= 0 {
		o.TTL = DefaultLeaseTTL
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return &Redis{rdb: rdb, ttl: o.TTL, pollInterval: o.PollInterval}
}

// Dial connects to addr and checks the connection with a PING.
func Dial(ctx context.Context, addr, password string, db int, opts ...RedisOption) (*Redis, *goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    password,
		DB:          db,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	slog.Info("turnlock.Dial: connected to redis", "addr", addr, "db", db)
	return NewRedis(rdb, opts...), rdb, nil
}

// Lock implements Locker.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := keyPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		ok, err := r.rdb.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			slog.Error("Redis.Lock: SETNX failed", "key", key, "error", err)
			return nil, fmt.Errorf("failed to acquire lease for %s: %w", key, err)
		}
		if ok {
			slog.Debug("Redis.Lock: lease acquired", "key", key, "ttl", r.ttl)
			return func() { r.release(redisKey, token) }, nil
		}
		select {
		case <-ctx.Done():
			slog.Warn("Redis.Lock: gave up waiting", "key", key, "error", ctx.Err())
			return nil, errors.Join(ErrLockTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (r *Redis) release(redisKey, token string) {
	// the caller's context may already be cancelled, the lease must still go
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, r.rdb, []string{redisKey}, token).Err(); err != nil {
		slog.Warn("Redis.release: lease not released, it will expire", "key", redisKey, "error", err)
	}
}

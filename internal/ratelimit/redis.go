// ABOUTME: Redis-backed CounterStore shared by every relay process
// ABOUTME: A Lua script performs INCR and PEXPIRE in one atomic step

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrScript increments KEYS[1], sets its expiry to ARGV[1] milliseconds on
// creation (or if the key somehow lost its TTL), and returns {count, pttl}.
var incrScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisConfig holds connection settings for the counter store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisCounterStore implements CounterStore on Redis.
type RedisCounterStore struct {
	client *redis.Client
}

// NewRedisCounterStore connects to Redis and verifies the connection.
func NewRedisCounterStore(ctx context.Context, cfg RedisConfig) (*RedisCounterStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return &RedisCounterStore{client: client}, nil
}

// Incr implements CounterStore.
func (s *RedisCounterStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	vals, err := incrScript.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	if len(vals) != 2 {
		return 0, 0, fmt.Errorf("redis incr %s: unexpected reply length %d", key, len(vals))
	}
	return vals[0], time.Duration(vals[1]) * time.Millisecond, nil
}

// Ping checks that Redis is reachable.
func (s *RedisCounterStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (s *RedisCounterStore) Close() error {
	return s.client.Close()
}

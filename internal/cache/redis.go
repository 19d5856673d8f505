package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV wraps go-redis v9 behind the KV interface. The caller decides
// whether to fall back to MemoryKV when the connection fails.
type RedisKV struct {
	rdb *redis.Client
}

// NewRedisKV connects and pings; a failed ping returns an error so main can
// fall back to the in-memory store.
func NewRedisKV(addr, password string, db int) (*RedisKV, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("Redis connected", "addr", addr, "db", db)
	return &RedisKV{rdb: rdb}, nil
}

// NewRedisKVFromClient wraps an existing client (used by tests).
func NewRedisKVFromClient(rdb *redis.Client) *RedisKV {
	return &RedisKV{rdb: rdb}
}

// Close shuts down the underlying client.
func (r *RedisKV) Close() error { return r.rdb.Close() }

func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (r *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *RedisKV) Del(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

func (r *RedisKV) Incr(ctx context.Context, key string) (int64, error) {
	return r.rdb.Incr(ctx, key).Result()
}

func (r *RedisKV) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := r.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, false, err
	}
	// go-redis reports -1 (no expiry) and -2 (missing) as negative durations.
	if d < 0 {
		return 0, false, nil
	}
	return d, true, nil
}

func (r *RedisKV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.rdb.Expire(ctx, key, ttl).Err()
}

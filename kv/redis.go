package kv

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// queryTimeout bounds every Redis round trip so a slow cache cannot stall a
// request path that only wanted a hint.
const queryTimeout = 500 * time.Millisecond

// Redis is a KV on top of go-redis. Read and write errors degrade to misses
// and no-ops with a warning; the caller keeps working without the cache.
type Redis struct {
	client *redis.Client
	log    *slog.Logger
	owned  bool
}

// NewRedis connects to the given URL (redis://...) and verifies the
// connection with a ping.
func NewRedis(ctx context.Context, url string, log *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("kv: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kv: redis ping: %w", err)
	}
	r := NewRedisFromClient(client, log)
	r.owned = true
	return r, nil
}

// NewRedisFromClient wraps an existing client. The caller keeps ownership
// and is responsible for closing it.
func NewRedisFromClient(client *redis.Client, log *slog.Logger) *Redis {
	if log == nil {
		log = slog.Default()
	}
	return &Redis{client: client, log: log}
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		r.log.Warn("kv_get_failed", "key", key, "error", err)
		return "", false
	}
	return val, true
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		r.log.Warn("kv_set_failed", "key", key, "error", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kv: delete %s: %w", key, err)
	}
	return nil
}

// Close releases the client if this instance created it.
func (r *Redis) Close() error {
	if r.owned {
		return r.client.Close()
	}
	return nil
}

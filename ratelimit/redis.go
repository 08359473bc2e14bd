package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/provider-gateway/providers"
)

// fixedWindowScript atomically counts one request against the provider's
// window, arming the expiry on first use so the window resets itself.
// KEYS[1] = window key, ARGV[1] = window size in milliseconds.
// Returns the count after the increment.
var fixedWindowScript = redis.NewScript(`
	local count = redis.call('INCR', KEYS[1])
	if count == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return count
`)

const (
	keyPrefix    = "ratelimit:provider:"
	queryTimeout = 500 * time.Millisecond
)

// Redis is the shared fixed-window Limiter for multi-node deployments.
// Redis outages degrade to allowing traffic, matching the in-process
// limiter's fail-open stance.
type Redis struct {
	rdb  *redis.Client
	span time.Duration
	log  *slog.Logger
}

// NewRedis creates a Limiter counting in rdb against span-long windows.
func NewRedis(rdb *redis.Client, span time.Duration, log *slog.Logger) *Redis {
	if span <= 0 {
		span = providers.RateLimitWindow
	}
	if log == nil {
		log = slog.Default()
	}
	return &Redis{rdb: rdb, span: span, log: log}
}

func (r *Redis) Allow(ctx context.Context, id string, limit int) bool {
	if limit <= 0 {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	count, err := fixedWindowScript.Run(ctx, r.rdb, []string{key(id)}, r.span.Milliseconds()).Int()
	if err != nil {
		r.log.Warn("rate_limit_degraded", "provider_id", id, "error", err)
		return true
	}
	return count <= limit
}

func (r *Redis) Saturated(ctx context.Context, id string, limit int) bool {
	if limit <= 0 {
		return false
	}
	return r.InWindow(ctx, id) >= limit
}

func (r *Redis) InWindow(ctx context.Context, id string) int {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	count, err := r.rdb.Get(ctx, key(id)).Int()
	if err != nil {
		return 0
	}
	return count
}

func (r *Redis) Reset(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if err := r.rdb.Del(ctx, key(id)).Err(); err != nil {
		r.log.Warn("rate_limit_reset_failed", "provider_id", id, "error", err)
	}
}

func (r *Redis) Forget(ctx context.Context, id string) { r.Reset(ctx, id) }

func key(id string) string { return keyPrefix + id }

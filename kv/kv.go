// Package kv is a small string cache behind a common interface, with an
// in-process implementation and a Redis-backed one. The gateway uses it for
// soft state only (model list cache), so Redis failures degrade to cache
// misses instead of request failures.
package kv

import (
	"context"
	"time"
)

// KV stores strings with a per-entry TTL.
type KV interface {
	// Get returns the value and whether it was present and fresh.
	Get(ctx context.Context, key string) (string, bool)
	// Set stores value for ttl. ttl <= 0 stores without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes the key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
}

package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel external consumers subscribe to.
const DefaultChannel = "gateway:events"

const publishTimeout = 500 * time.Millisecond

// RedisBus mirrors events onto a Redis pub/sub channel as JSON so other
// processes can observe the gateway. Publish failures are logged and
// swallowed; the in-process flow never depends on Redis being up.
type RedisBus struct {
	client  *redis.Client
	channel string
	log     *slog.Logger
}

// NewRedisBus wraps an existing client; the caller keeps ownership of it.
// An empty channel selects DefaultChannel.
func NewRedisBus(client *redis.Client, channel string, log *slog.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisBus{client: client, channel: channel, log: log}
}

func (b *RedisBus) Publish(ctx context.Context, ev Event) {
	ev = stamp(ev)
	raw, err := json.Marshal(ev)
	if err != nil {
		b.log.Warn("event_marshal_failed", "type", ev.Type, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := b.client.Publish(ctx, b.channel, raw).Err(); err != nil {
		b.log.Warn("event_publish_failed", "type", ev.Type, "error", err)
	}
}

// Close is a no-op; the client belongs to the caller.
func (b *RedisBus) Close() error { return nil }

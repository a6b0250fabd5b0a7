package hub

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "agenthub."

// RedisMirror receives every local publish for cross-process fan-out.
type RedisMirror interface {
	Mirror(ctx context.Context, env Envelope)
}

// RedisBridge mirrors hub traffic over Redis pub/sub so subscribers on
// other hub processes see the same stream. Envelopes carry the origin
// hub ID; the bridge discards its own echoes on re-injection.
type RedisBridge struct {
	client *redis.Client
}

func NewRedisBridge(client *redis.Client) *RedisBridge {
	return &RedisBridge{client: client}
}

// Mirror publishes one envelope to the backplane. Failures are logged,
// never propagated: local delivery already happened.
func (b *RedisBridge) Mirror(ctx context.Context, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		slog.Warn("hub.redis_marshal_failed", "topic", env.Topic, "error", err)
		return
	}
	if err := b.client.Publish(ctx, channelPrefix+env.Topic, data).Err(); err != nil {
		slog.Warn("hub.redis_publish_failed", "topic", env.Topic, "error", err)
	}
}

// Run re-injects remote envelopes into the local hub until ctx ends.
func (b *RedisBridge) Run(ctx context.Context, h *Hub) error {
	pubsub := b.client.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				slog.Warn("hub.redis_decode_failed", "channel", msg.Channel, "error", err)
				continue
			}
			if env.Origin == h.Origin() {
				continue
			}
			h.deliver(env)
		}
	}
}

// ABOUTME: Redis pub/sub backplane for the group hub.
// ABOUTME: Lets group sends reach subscribers connected to other server instances.

package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
)

const backplanePrefix = "xians:group:"

// wireEnvelope is the cross-instance form of a group event.
type wireEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// RedisBackplane routes group sends through Redis pub/sub. Every instance
// (this one included) receives the publication and delivers it to its local
// hub, so a send reaches each subscriber exactly once regardless of which
// instance it is connected to.
type RedisBackplane struct {
	rdb    *redis.Client
	local  *GroupHub
	logger *slog.Logger
}

// NewRedisBackplane wraps a local hub with cross-instance delivery.
func NewRedisBackplane(rdb *redis.Client, local *GroupHub, logger *slog.Logger) *RedisBackplane {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBackplane{
		rdb:    rdb,
		local:  local,
		logger: logger.With("component", "backplane"),
	}
}

// SendToGroup publishes the event to the group's Redis channel. Local
// delivery happens when the subscription loop receives it back.
func (b *RedisBackplane) SendToGroup(ctx context.Context, groupID, eventName string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding group event: %w", err)
	}
	data, err := json.Marshal(wireEnvelope{Event: eventName, Payload: raw})
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, backplanePrefix+groupID, data).Err(); err != nil {
		return fmt.Errorf("publishing to backplane: %w", err)
	}
	return nil
}

// Run consumes backplane publications and delivers them locally until ctx
// ends. Malformed payloads are logged and skipped.
func (b *RedisBackplane) Run(ctx context.Context) error {
	pubsub := b.rdb.PSubscribe(ctx, backplanePrefix+"*")
	defer func() { _ = pubsub.Close() }()

	b.logger.Info("redis backplane subscribed", "pattern", backplanePrefix+"*")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.deliver(ctx, msg)
		}
	}
}

func (b *RedisBackplane) deliver(ctx context.Context, msg *redis.Message) {
	groupID := strings.TrimPrefix(msg.Channel, backplanePrefix)

	var env wireEnvelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		b.logger.Warn("undecodable backplane message skipped",
			"channel", msg.Channel,
			"error", err)
		return
	}

	if err := b.local.SendToGroup(ctx, groupID, env.Event, env.Payload); err != nil {
		b.logger.Warn("local delivery failed",
			"group_id", groupID,
			"event", env.Event,
			"error", err)
	}
}

// ABOUTME: Classifies normalized messages and fans them out to live subscriber groups.
// ABOUTME: Resolves pending synchronous callers before pushing to conversation and tenant audiences.

package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/XiansAiPlatform/XiansAi.Server-sub009/internal/metrics"
)

// LiveChannel is the transport contract for group push. Delivery to a group
// with no connected subscribers is a silent no-op.
type LiveChannel interface {
	SendToGroup(ctx context.Context, groupID, eventName string, payload any) error
}

// Broadcaster routes every normalized message: correlator resolution first,
// then fanout to the conversation-scoped group, the tenant-scoped group, and
// the streaming-subscriber registry.
type Broadcaster struct {
	live    LiveChannel
	streams *SubscriberRegistry
	pending *PendingRequests
	seen    *SeenCache
	logger  *slog.Logger
}

// NewBroadcaster wires the fanout path. The seen cache may be nil to disable
// duplicate suppression.
func NewBroadcaster(live LiveChannel, streams *SubscriberRegistry, pending *PendingRequests, seen *SeenCache, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		live:    live,
		streams: streams,
		pending: pending,
		seen:    seen,
		logger:  logger.With("component", "broadcaster"),
	}
}

// delivery is one group send attempt.
type delivery struct {
	groupID string
	event   string
}

// Dispatch processes one normalized message. The change feed is
// at-least-once, so duplicates by message id are suppressed here, which makes
// both correlator resolution and group delivery idempotent at the id level.
func (b *Broadcaster) Dispatch(ctx context.Context, msg *Message) {
	if b.seen != nil && msg.ID != "" && !b.seen.FirstSight(msg.ID) {
		metrics.DuplicatesSuppressed.Inc()
		b.logger.Debug("duplicate change event suppressed", "message_id", msg.ID)
		return
	}

	if msg.Direction == DirectionOutgoing && msg.RequestID != "" {
		if b.pending.Complete(msg.RequestID, msg) {
			b.logger.Debug("pending request resolved",
				"request_id", msg.RequestID,
				"message_id", msg.ID)
		}
		metrics.PendingRequests.Set(float64(b.pending.Len()))
	}

	if !msg.NeedsBroadcast() {
		return
	}
	b.broadcast(ctx, msg)
}

// broadcast attempts every channel for the message. Individual failures are
// logged and do not short-circuit the remaining deliveries.
func (b *Broadcaster) broadcast(ctx context.Context, msg *Message) {
	group := msg.GroupID()
	tenantGroup := msg.TenantGroupID()
	event := msg.EventName()

	deliveries := []delivery{
		{groupID: group, event: event},
	}
	// Chat and data keep a legacy-named duplicate on the conversation group
	// for clients that predate per-type events
	if msg.Type != TypeHandoff {
		deliveries = append(deliveries, delivery{groupID: group, event: EventLegacy})
	}
	deliveries = append(deliveries, delivery{groupID: tenantGroup, event: event})

	for _, d := range deliveries {
		metrics.Broadcasts.WithLabelValues(d.event).Inc()
		if err := b.live.SendToGroup(ctx, d.groupID, d.event, msg); err != nil {
			metrics.BroadcastErrors.Inc()
			b.logger.Warn("group delivery failed",
				"group_id", d.groupID,
				"event", d.event,
				"message_id", msg.ID,
				"error", err)
		}
	}

	if b.streams != nil {
		b.streams.Publish(ctx, &StreamEvent{
			Message:       msg,
			GroupID:       group,
			TenantGroupID: tenantGroup,
			Timestamp:     time.Now(),
		})
	}
}

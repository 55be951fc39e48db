// ABOUTME: Registry of independently-registered streaming subscribers.
// ABOUTME: Fan-out with per-subscriber failure isolation; one bad callback never blocks the rest.

package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/XiansAiPlatform/XiansAi.Server-sub009/internal/metrics"
)

// StreamEvent is what long-poll/SSE style consumers receive for every
// broadcast-eligible message.
type StreamEvent struct {
	Message       *Message  `json:"message"`
	GroupID       string    `json:"groupId"`
	TenantGroupID string    `json:"tenantGroupId"`
	Timestamp     time.Time `json:"timestamp"`
}

// StreamHandler is a subscriber callback. Errors and panics are contained
// per subscriber.
type StreamHandler func(ctx context.Context, event *StreamEvent) error

// SubscriberRegistry holds streaming subscribers independent of the
// group-push channels. Registration is mutated by connect/disconnect
// handlers; Publish reads a snapshot so delivery never holds the lock.
type SubscriberRegistry struct {
	mu     sync.RWMutex
	subs   map[string]StreamHandler
	logger *slog.Logger
}

// NewSubscriberRegistry creates an empty registry.
func NewSubscriberRegistry(logger *slog.Logger) *SubscriberRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriberRegistry{
		subs:   make(map[string]StreamHandler),
		logger: logger.With("component", "stream-subscribers"),
	}
}

// Add registers a subscriber and returns its id for later removal.
func (r *SubscriberRegistry) Add(handler StreamHandler) string {
	id := uuid.New().String()

	r.mu.Lock()
	r.subs[id] = handler
	count := len(r.subs)
	r.mu.Unlock()

	metrics.StreamSubscribers.Set(float64(count))
	r.logger.Debug("streaming subscriber added", "sub_id", id, "total", count)
	return id
}

// Remove unregisters a subscriber. Unknown ids are ignored.
func (r *SubscriberRegistry) Remove(id string) {
	r.mu.Lock()
	delete(r.subs, id)
	count := len(r.subs)
	r.mu.Unlock()

	metrics.StreamSubscribers.Set(float64(count))
	r.logger.Debug("streaming subscriber removed", "sub_id", id, "total", count)
}

// SubscriberCount reports the number of registered subscribers.
func (r *SubscriberRegistry) SubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Publish offers the event to every subscriber. Failures are logged per
// subscriber and never propagate to the others or to the caller.
func (r *SubscriberRegistry) Publish(ctx context.Context, event *StreamEvent) {
	r.mu.RLock()
	targets := make(map[string]StreamHandler, len(r.subs))
	for id, h := range r.subs {
		targets[id] = h
	}
	r.mu.RUnlock()

	for id, handler := range targets {
		if err := r.invoke(ctx, handler, event); err != nil {
			r.logger.Warn("streaming subscriber failed",
				"sub_id", id,
				"message_id", event.Message.ID,
				"error", err)
		}
	}
}

// invoke calls one subscriber, converting a panic into an error.
func (r *SubscriberRegistry) invoke(ctx context.Context, handler StreamHandler, event *StreamEvent) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("subscriber panic: %v", rec)
		}
	}()
	return handler(ctx, event)
}

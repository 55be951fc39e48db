// ABOUTME: In-memory live-channel transport; delivers events to group-scoped subscribers.
// ABOUTME: Connection lifecycle belongs to the callers; the hub only owns delivery.

package hub

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the per-subscriber channel buffer.
const subscriberBufferSize = 64

// Envelope is one delivered group event.
type Envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// subscription guards its channel so a send can never race the close. The
// registry snapshot taken by SendToGroup may outlive the subscription;
// delivery after removal is a no-op, not a panic.
type subscription struct {
	mu     sync.Mutex
	ch     chan Envelope
	closed bool
}

// send delivers without blocking. Returns false when the subscriber's buffer
// is full; delivery to a closed subscription is a silent no-op.
func (s *subscription) send(env Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- env:
		return true
	default:
		return false
	}
}

// close marks the subscription dead and closes its channel. Idempotent.
func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// GroupHub is an in-memory group-push transport. Groups are plain string
// keys; a send to a group with no subscribers is a silent no-op.
type GroupHub struct {
	mu     sync.RWMutex
	groups map[string]map[string]*subscription
	logger *slog.Logger
}

// NewGroupHub creates an empty hub.
func NewGroupHub(logger *slog.Logger) *GroupHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &GroupHub{
		groups: make(map[string]map[string]*subscription),
		logger: logger.With("component", "hub"),
	}
}

// Subscribe joins a group. The subscription is removed when ctx ends or
// Unsubscribe is called with the returned id.
func (h *GroupHub) Subscribe(ctx context.Context, groupID string) (<-chan Envelope, string) {
	subID := uuid.New().String()
	sub := &subscription{ch: make(chan Envelope, subscriberBufferSize)}

	h.mu.Lock()
	if _, ok := h.groups[groupID]; !ok {
		h.groups[groupID] = make(map[string]*subscription)
	}
	h.groups[groupID][subID] = sub
	h.mu.Unlock()

	h.logger.Debug("group subscriber added", "group_id", groupID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		h.Unsubscribe(groupID, subID)
	}()

	return sub.ch, subID
}

// Unsubscribe leaves a group and closes the subscriber's channel.
func (h *GroupHub) Unsubscribe(groupID, subID string) {
	h.mu.Lock()
	subs, ok := h.groups[groupID]
	if !ok {
		h.mu.Unlock()
		return
	}
	sub, ok := subs[subID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(subs, subID)
	if len(subs) == 0 {
		delete(h.groups, groupID)
	}
	h.mu.Unlock()

	// Outside the registry lock; the subscription's own lock fences any
	// in-flight send working from an older snapshot.
	sub.close()

	h.logger.Debug("group subscriber removed", "group_id", groupID, "sub_id", subID)
}

// SendToGroup delivers an event to every current subscriber of the group.
// Slow subscribers have the event dropped rather than blocking delivery.
func (h *GroupHub) SendToGroup(_ context.Context, groupID, eventName string, payload any) error {
	h.mu.RLock()
	subs, ok := h.groups[groupID]
	if !ok || len(subs) == 0 {
		h.mu.RUnlock()
		return nil
	}
	targets := make([]*subscription, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	env := Envelope{Event: eventName, Payload: payload}
	for _, sub := range targets {
		if !sub.send(env) {
			h.logger.Debug("dropped event for slow subscriber",
				"group_id", groupID,
				"event", eventName)
		}
	}
	return nil
}

// GroupSize reports current membership, for readiness checks and tests.
func (h *GroupHub) GroupSize(groupID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[groupID])
}

// Close drops every subscription and closes all channels.
func (h *GroupHub) Close() {
	h.mu.Lock()
	var all []*subscription
	for groupID, subs := range h.groups {
		for subID, sub := range subs {
			all = append(all, sub)
			delete(subs, subID)
		}
		delete(h.groups, groupID)
	}
	h.mu.Unlock()

	for _, sub := range all {
		sub.close()
	}
}

// ABOUTME: Synchronous bridge between HTTP-style callers and asynchronous workflow execution.
// ABOUTME: Validates, persists inbound, invokes update-with-start, and correlates side-channel replies.

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/XiansAiPlatform/XiansAi.Server-sub009/internal/engine"
	"github.com/XiansAiPlatform/XiansAi.Server-sub009/internal/messaging"
	"github.com/XiansAiPlatform/XiansAi.Server-sub009/internal/metrics"
)

// updateName is the workflow update delivered for every inbound message.
const updateName = "HandleInboundMessage"

// ErrInvalidRequest marks client errors: the engine is never contacted for
// these.
var ErrInvalidRequest = errors.New("invalid request")

// Request is a caller's inbound message. TenantID and Authorization are
// attached by the hosting layer, not parsed from the body.
type Request struct {
	ParticipantID string                `json:"participantId"`
	WorkflowID    string                `json:"workflowId,omitempty"`
	WorkflowType  string                `json:"workflowType,omitempty"`
	ThreadID      string                `json:"threadId,omitempty"`
	RequestID     string                `json:"requestId,omitempty"`
	Type          messaging.MessageType `json:"messageType,omitempty"`
	Text          string                `json:"text,omitempty"`
	Data          any                   `json:"data,omitempty"`
	Hint          string                `json:"hint,omitempty"`
	Scope         string                `json:"scope,omitempty"`

	TenantID      string `json:"-"`
	Authorization string `json:"-"`
}

// Response echoes the resolved conversation identity back to the caller.
type Response struct {
	ThreadID      string    `json:"threadId"`
	ParticipantID string    `json:"participantId"`
	WorkflowID    string    `json:"workflowId"`
	WorkflowType  string    `json:"workflowType,omitempty"`
	Agent         string    `json:"agent,omitempty"`
	Completed     bool      `json:"completed"`
	Text          string    `json:"text,omitempty"`
	Data          any       `json:"data,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// ExecutionContext travels with the update so the workflow knows who asked.
type ExecutionContext struct {
	ParticipantID string `json:"participantId"`
	TenantID      string `json:"tenantId"`
	WorkflowID    string `json:"workflowId"`
	WorkflowType  string `json:"workflowType,omitempty"`
	Authorization string `json:"authorization,omitempty"`
}

// MessageStore is what the bridge needs from persistence.
type MessageStore interface {
	SaveMessage(ctx context.Context, msg *messaging.Message) error
	EnsureThread(ctx context.Context, tenantID, workflowID, participantID, threadID string) (string, error)
}

// Bridge accepts a structured caller request, drives the workflow engine's
// update-with-start primitive, and returns its result synchronously. Replies
// that arrive as side-channel store writes are correlated back through the
// pending-request registry.
type Bridge struct {
	store        MessageStore
	engine       engine.Engine
	pending      *messaging.PendingRequests
	replyTimeout time.Duration
	logger       *slog.Logger
}

// New wires a Bridge. replyTimeout bounds the side-channel correlation wait;
// zero selects a default.
func New(store MessageStore, eng engine.Engine, pending *messaging.PendingRequests, replyTimeout time.Duration, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if replyTimeout <= 0 {
		replyTimeout = 2 * time.Minute
	}
	return &Bridge{
		store:        store,
		engine:       eng,
		pending:      pending,
		replyTimeout: replyTimeout,
		logger:       logger.With("component", "bridge"),
	}
}

// Send processes one caller request end to end. Returns ErrInvalidRequest
// wraps for malformed input, engine.ErrUpdateTimeout wraps for timeout-class
// failures, and internal errors otherwise.
func (b *Bridge) Send(ctx context.Context, req *Request) (*Response, error) {
	started := time.Now()
	resp, err := b.send(ctx, req)
	metrics.BridgeDuration.Observe(time.Since(started).Seconds())
	metrics.BridgeCalls.WithLabelValues(outcomeLabel(err)).Inc()
	return resp, err
}

func (b *Bridge) send(ctx context.Context, req *Request) (*Response, error) {
	workflowID, err := b.resolveWorkflowID(req)
	if err != nil {
		return nil, err
	}

	threadID, err := b.store.EnsureThread(ctx, req.TenantID, workflowID, req.ParticipantID, req.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("resolving thread: %w", err)
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}

	msgType := req.Type
	if msgType == "" {
		msgType = messaging.TypeChat
	}

	// Record first, then act: the inbound message is the source of truth
	// even when the engine call fails afterward
	inbound := &messaging.Message{
		TenantID:      req.TenantID,
		WorkflowID:    workflowID,
		WorkflowType:  req.WorkflowType,
		ParticipantID: req.ParticipantID,
		ThreadID:      threadID,
		Direction:     messaging.DirectionIncoming,
		Type:          msgType,
		Text:          req.Text,
		Data:          req.Data,
		Hint:          req.Hint,
		Scope:         req.Scope,
		RequestID:     requestID,
	}
	if err := b.store.SaveMessage(ctx, inbound); err != nil {
		return nil, fmt.Errorf("recording inbound message: %w", err)
	}

	b.logger.Debug("inbound message recorded",
		"message_id", inbound.ID,
		"workflow_id", workflowID,
		"thread_id", threadID,
		"request_id", requestID)

	// The workflow may answer through a side-channel store write instead of
	// the update result; register the waiter before the engine can race us
	waiter := b.pending.Register(requestID, b.replyTimeout)
	metrics.PendingRequests.Set(float64(b.pending.Len()))

	execCtx := ExecutionContext{
		ParticipantID: req.ParticipantID,
		TenantID:      req.TenantID,
		WorkflowID:    workflowID,
		WorkflowType:  req.WorkflowType,
		Authorization: req.Authorization,
	}

	var result Response
	err = b.engine.ExecuteUpdateWithStart(ctx, engine.UpdateWithStartRequest{
		WorkflowType: req.WorkflowType,
		WorkflowID:   workflowID,
		UpdateName:   updateName,
		StartArgs:    []any{execCtx},
		UpdateArgs:   []any{inbound, execCtx},
	}, &result)
	if err != nil {
		b.pending.Cancel(requestID)
		if errors.Is(err, engine.ErrUpdateTimeout) {
			b.logger.Warn("workflow update timed out",
				"workflow_id", workflowID,
				"request_id", requestID,
				"error", err)
			return nil, err
		}
		b.logger.Error("workflow update failed",
			"workflow_id", workflowID,
			"participant_id", req.ParticipantID,
			"thread_id", threadID,
			"request_id", requestID,
			"error", err)
		return nil, fmt.Errorf("executing workflow update: %w", err)
	}

	if !result.Completed {
		// Async topology: the reply arrives as an Outgoing store write that
		// the watcher correlates back to this request id
		return b.awaitReply(ctx, waiter, requestID, workflowID, threadID, req)
	}
	b.pending.Cancel(requestID)

	b.fillEcho(&result, req, workflowID, threadID)

	outbound := &messaging.Message{
		TenantID:      req.TenantID,
		WorkflowID:    workflowID,
		WorkflowType:  req.WorkflowType,
		ParticipantID: req.ParticipantID,
		ThreadID:      result.ThreadID,
		Direction:     messaging.DirectionOutgoing,
		Type:          msgType,
		Text:          result.Text,
		Data:          result.Data,
		RequestID:     requestID,
	}
	if err := b.store.SaveMessage(ctx, outbound); err != nil {
		// The caller already has the answer; losing the record is logged,
		// not surfaced
		b.logger.Error("recording outgoing message failed",
			"request_id", requestID,
			"error", err)
	}

	return &result, nil
}

// awaitReply blocks on the correlator until the workflow's side-channel
// write resolves the request or the deadline passes.
func (b *Bridge) awaitReply(ctx context.Context, waiter *messaging.Waiter, requestID, workflowID, threadID string, req *Request) (*Response, error) {
	msg, err := waiter.Wait(ctx)
	if err != nil {
		// Caller went away before the reaper fired; drop the slot
		b.pending.Cancel(requestID)
		if errors.Is(err, messaging.ErrRequestTimeout) {
			b.logger.Warn("no reply before deadline",
				"workflow_id", workflowID,
				"request_id", requestID)
			return nil, fmt.Errorf("awaiting workflow reply: %w", err)
		}
		return nil, err
	}

	resp := &Response{
		ThreadID:  msg.ThreadID,
		Completed: true,
		Text:      msg.Text,
		Data:      msg.Data,
		Timestamp: msg.CreatedAt,
	}
	b.fillEcho(resp, req, workflowID, threadID)
	return resp, nil
}

// resolveWorkflowID validates the caller's workflow identity. Explicit ids
// must be namespaced under the caller's tenant; otherwise the id is
// synthesized from tenant and workflow type.
func (b *Bridge) resolveWorkflowID(req *Request) (string, error) {
	if req.ParticipantID == "" {
		return "", fmt.Errorf("%w: participant id is required", ErrInvalidRequest)
	}
	if req.WorkflowID != "" {
		if !strings.HasPrefix(req.WorkflowID, req.TenantID+":") {
			return "", fmt.Errorf("%w: workflow id %q is not namespaced under tenant %q", ErrInvalidRequest, req.WorkflowID, req.TenantID)
		}
		return req.WorkflowID, nil
	}
	if req.WorkflowType == "" {
		return "", fmt.Errorf("%w: either workflow id or workflow type is required", ErrInvalidRequest)
	}
	return req.TenantID + ":" + req.WorkflowType, nil
}

// fillEcho completes the response identity fields the workflow left blank.
func (b *Bridge) fillEcho(resp *Response, req *Request, workflowID, threadID string) {
	if resp.ThreadID == "" {
		resp.ThreadID = threadID
	}
	if resp.ParticipantID == "" {
		resp.ParticipantID = req.ParticipantID
	}
	if resp.WorkflowID == "" {
		resp.WorkflowID = workflowID
	}
	if resp.WorkflowType == "" {
		resp.WorkflowType = req.WorkflowType
	}
	if resp.Agent == "" {
		resp.Agent = agentName(req.WorkflowType)
	}
	if resp.Timestamp.IsZero() {
		resp.Timestamp = time.Now().UTC()
	}
}

// agentName is the leading segment of a workflow type, e.g. "Support" for
// "Support:Triage".
func agentName(workflowType string) string {
	if i := strings.Index(workflowType, ":"); i > 0 {
		return workflowType[:i]
	}
	return workflowType
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidRequest):
		return "validation"
	case errors.Is(err, engine.ErrUpdateTimeout), errors.Is(err, messaging.ErrRequestTimeout):
		return "timeout"
	default:
		return "error"
	}
}

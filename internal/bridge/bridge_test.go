// ABOUTME: Tests for the synchronous RPC bridge.
// ABOUTME: Covers validation, workflow-id synthesis, persist-then-invoke, timeouts, and side-channel replies.

package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XiansAiPlatform/XiansAi.Server-sub009/internal/engine"
	"github.com/XiansAiPlatform/XiansAi.Server-sub009/internal/messaging"
)

type fakeStore struct {
	mu        sync.Mutex
	saved     []*messaging.Message
	saveErr   error
	threadID  string
	threadErr error
}

func (f *fakeStore) SaveMessage(_ context.Context, msg *messaging.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("m-%d", len(f.saved)+1)
	}
	copied := *msg
	f.saved = append(f.saved, &copied)
	return nil
}

func (f *fakeStore) EnsureThread(_ context.Context, _, _, _, threadID string) (string, error) {
	if f.threadErr != nil {
		return "", f.threadErr
	}
	if threadID != "" {
		return threadID, nil
	}
	return f.threadID, nil
}

func (f *fakeStore) messages() []*messaging.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*messaging.Message(nil), f.saved...)
}

type fakeEngine struct {
	mu     sync.Mutex
	result Response
	err    error
	calls  []engine.UpdateWithStartRequest
}

func (f *fakeEngine) ExecuteUpdateWithStart(_ context.Context, req engine.UpdateWithStartRequest, result any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if f.err != nil {
		return f.err
	}
	*(result.(*Response)) = f.result
	return nil
}

func (f *fakeEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeEngine) lastCall() engine.UpdateWithStartRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func newTestBridge(st *fakeStore, eng engine.Engine, replyTimeout time.Duration) (*Bridge, *messaging.PendingRequests) {
	pending := messaging.NewPendingRequests(nil)
	return New(st, eng, pending, replyTimeout, nil), pending
}

func TestSend_SynthesizesWorkflowIDAndCreatesThread(t *testing.T) {
	st := &fakeStore{threadID: "th-new"}
	eng := &fakeEngine{result: Response{Completed: true, Text: "hi there"}}
	b, pending := newTestBridge(st, eng, time.Minute)

	resp, err := b.Send(context.Background(), &Request{
		TenantID:      "acme",
		ParticipantID: "p1",
		WorkflowType:  "Support:Triage",
		Text:          "hello",
	})
	require.NoError(t, err)

	assert.Equal(t, "acme:Support:Triage", resp.WorkflowID)
	assert.Equal(t, "th-new", resp.ThreadID)
	assert.Equal(t, "p1", resp.ParticipantID)
	assert.Equal(t, "Support:Triage", resp.WorkflowType)
	assert.Equal(t, "Support", resp.Agent)
	assert.True(t, resp.Completed)
	assert.False(t, resp.Timestamp.IsZero())

	// Inbound persisted before the engine call, outgoing after
	msgs := st.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, messaging.DirectionIncoming, msgs[0].Direction)
	assert.Equal(t, "hello", msgs[0].Text)
	assert.Equal(t, "acme:Support:Triage", msgs[0].WorkflowID)
	assert.NotEmpty(t, msgs[0].RequestID)
	assert.Equal(t, messaging.DirectionOutgoing, msgs[1].Direction)
	assert.Equal(t, "hi there", msgs[1].Text)
	assert.Equal(t, msgs[0].RequestID, msgs[1].RequestID)

	// The engine saw the execution context attached to the update
	call := eng.lastCall()
	assert.Equal(t, "acme:Support:Triage", call.WorkflowID)
	assert.Equal(t, updateName, call.UpdateName)
	require.Len(t, call.UpdateArgs, 2)
	execCtx, ok := call.UpdateArgs[1].(ExecutionContext)
	require.True(t, ok)
	assert.Equal(t, "acme", execCtx.TenantID)
	assert.Equal(t, "p1", execCtx.ParticipantID)

	// No waiter leaked
	assert.Equal(t, 0, pending.Len())
}

func TestSend_ExplicitWorkflowIDMustBeTenantScoped(t *testing.T) {
	st := &fakeStore{threadID: "th-1"}
	eng := &fakeEngine{}
	b, _ := newTestBridge(st, eng, time.Minute)

	_, err := b.Send(context.Background(), &Request{
		TenantID:      "acme",
		ParticipantID: "p1",
		WorkflowID:    "other:Support:Triage",
	})
	assert.True(t, errors.Is(err, ErrInvalidRequest))
	assert.Zero(t, eng.callCount(), "validation failures must not reach the engine")
	assert.Empty(t, st.messages())
}

func TestSend_ValidationMatrix(t *testing.T) {
	tests := []struct {
		name string
		req  *Request
	}{
		{"missing participant", &Request{TenantID: "acme", WorkflowType: "Support:Triage"}},
		{"no workflow identity", &Request{TenantID: "acme", ParticipantID: "p1"}},
		{"foreign workflow id", &Request{TenantID: "acme", ParticipantID: "p1", WorkflowID: "evil:wf"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeEngine{}
			b, _ := newTestBridge(&fakeStore{threadID: "th"}, eng, time.Minute)

			_, err := b.Send(context.Background(), tt.req)
			assert.True(t, errors.Is(err, ErrInvalidRequest))
			assert.Zero(t, eng.callCount())
		})
	}
}

func TestSend_ExplicitTenantScopedIDAccepted(t *testing.T) {
	st := &fakeStore{}
	eng := &fakeEngine{result: Response{Completed: true}}
	b, _ := newTestBridge(st, eng, time.Minute)

	resp, err := b.Send(context.Background(), &Request{
		TenantID:      "acme",
		ParticipantID: "p1",
		WorkflowID:    "acme:Billing:Refunds",
		ThreadID:      "th-existing",
	})
	require.NoError(t, err)
	assert.Equal(t, "acme:Billing:Refunds", resp.WorkflowID)
	assert.Equal(t, "th-existing", resp.ThreadID)
}

func TestSend_EngineTimeoutLeavesNoOutgoingMessage(t *testing.T) {
	st := &fakeStore{threadID: "th-1"}
	eng := &fakeEngine{err: fmt.Errorf("%w: update expired", engine.ErrUpdateTimeout)}
	b, pending := newTestBridge(st, eng, time.Minute)

	_, err := b.Send(context.Background(), &Request{
		TenantID:      "acme",
		ParticipantID: "p1",
		WorkflowType:  "Support:Triage",
		Text:          "hello",
	})
	assert.True(t, errors.Is(err, engine.ErrUpdateTimeout))

	// Only the inbound record exists
	msgs := st.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, messaging.DirectionIncoming, msgs[0].Direction)

	assert.Equal(t, 0, pending.Len())
}

func TestSend_NoWorkersIsDistinguishable(t *testing.T) {
	eng := &fakeEngine{err: engine.ErrNoWorkers}
	b, _ := newTestBridge(&fakeStore{threadID: "th"}, eng, time.Minute)

	_, err := b.Send(context.Background(), &Request{
		TenantID:      "acme",
		ParticipantID: "p1",
		WorkflowType:  "Support:Triage",
	})
	assert.True(t, errors.Is(err, engine.ErrNoWorkers))
	assert.True(t, errors.Is(err, engine.ErrUpdateTimeout))
}

func TestSend_EngineFailureIsInternalError(t *testing.T) {
	eng := &fakeEngine{err: errors.New("workflow panicked")}
	b, pending := newTestBridge(&fakeStore{threadID: "th"}, eng, time.Minute)

	_, err := b.Send(context.Background(), &Request{
		TenantID:      "acme",
		ParticipantID: "p1",
		WorkflowType:  "Support:Triage",
	})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrInvalidRequest))
	assert.False(t, errors.Is(err, engine.ErrUpdateTimeout))
	assert.Equal(t, 0, pending.Len())
}

func TestSend_SideChannelReplyCorrelated(t *testing.T) {
	st := &fakeStore{threadID: "th-1"}
	eng := &fakeEngine{result: Response{Completed: false}}
	b, pending := newTestBridge(st, eng, time.Minute)

	req := &Request{
		TenantID:      "acme",
		ParticipantID: "p1",
		WorkflowType:  "Support:Triage",
		RequestID:     "req-42",
		Text:          "need help",
	}

	// Simulate the watcher observing the workflow's side-channel write
	go func() {
		for pending.Len() == 0 {
			time.Sleep(time.Millisecond)
		}
		pending.Complete("req-42", &messaging.Message{
			ID:        "m-out",
			ThreadID:  "th-1",
			Direction: messaging.DirectionOutgoing,
			Type:      messaging.TypeChat,
			Text:      "here is your answer",
			RequestID: "req-42",
			CreatedAt: time.Now().UTC(),
		})
	}()

	resp, err := b.Send(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.Completed)
	assert.Equal(t, "here is your answer", resp.Text)
	assert.Equal(t, "th-1", resp.ThreadID)
	assert.Equal(t, "acme:Support:Triage", resp.WorkflowID)
	assert.Equal(t, 0, pending.Len())
}

func TestSend_SideChannelTimeout(t *testing.T) {
	eng := &fakeEngine{result: Response{Completed: false}}
	b, pending := newTestBridge(&fakeStore{threadID: "th"}, eng, 20*time.Millisecond)

	_, err := b.Send(context.Background(), &Request{
		TenantID:      "acme",
		ParticipantID: "p1",
		WorkflowType:  "Support:Triage",
	})
	assert.True(t, errors.Is(err, messaging.ErrRequestTimeout))
	assert.Equal(t, 0, pending.Len())
}

func TestAgentName(t *testing.T) {
	assert.Equal(t, "Support", agentName("Support:Triage"))
	assert.Equal(t, "Solo", agentName("Solo"))
	assert.Equal(t, "", agentName(""))
}

// ABOUTME: ConversationMessage model shared by the store, watcher, and broadcaster.
// ABOUTME: Defines directions, message types, live-channel event names, and group keys.

package messaging

import (
	"time"
)

// Direction indicates whether a message flows toward the workflow or back out.
type Direction string

const (
	DirectionIncoming Direction = "Incoming"
	DirectionOutgoing Direction = "Outgoing"
)

// MessageType classifies the payload of a conversation message.
type MessageType string

const (
	TypeChat    MessageType = "Chat"
	TypeData    MessageType = "Data"
	TypeHandoff MessageType = "Handoff"
)

// Live-channel event names. The legacy name is a duplicate delivery kept for
// clients that predate the per-type events.
const (
	EventChat    = "ReceiveChat"
	EventData    = "ReceiveData"
	EventHandoff = "ReceiveHandoff"
	EventLegacy  = "ReceiveMessage"
)

// CollectionName is the backing store collection watched for changes.
const CollectionName = "conversation_message"

// Message is the unit of record for a conversation event. Once written with
// DirectionOutgoing and a RequestId it is immutable; this subsystem never
// updates or deletes messages.
type Message struct {
	ID            string      `bson:"_id" json:"id"`
	TenantID      string      `bson:"tenant_id" json:"tenantId"`
	WorkflowID    string      `bson:"workflow_id" json:"workflowId"`
	WorkflowType  string      `bson:"workflow_type,omitempty" json:"workflowType,omitempty"`
	ParticipantID string      `bson:"participant_id" json:"participantId"`
	ThreadID      string      `bson:"thread_id" json:"threadId"`
	Direction     Direction   `bson:"direction" json:"direction"`
	Type          MessageType `bson:"message_type" json:"messageType"`
	Text          string      `bson:"text,omitempty" json:"text,omitempty"`
	Data          any         `bson:"data,omitempty" json:"data,omitempty"`
	Hint          string      `bson:"hint,omitempty" json:"hint,omitempty"`
	Scope         string      `bson:"scope,omitempty" json:"scope,omitempty"`
	RequestID     string      `bson:"request_id,omitempty" json:"requestId,omitempty"`
	CreatedAt     time.Time   `bson:"created_at" json:"createdAt"`
}

// GroupID is the conversation-scoped live-channel audience key.
func (m *Message) GroupID() string {
	return m.WorkflowID + m.ParticipantID + m.TenantID
}

// TenantGroupID is the tenant-scoped audience key, spanning all participants.
func (m *Message) TenantGroupID() string {
	return m.WorkflowID + m.TenantID
}

// NeedsBroadcast reports whether the message is delivered to live
// subscribers. Handoffs are always broadcast regardless of direction; other
// incoming messages are internal bookkeeping only.
func (m *Message) NeedsBroadcast() bool {
	return m.Direction == DirectionOutgoing || m.Type == TypeHandoff
}

// EventName maps the message type to its live-channel event.
func (m *Message) EventName() string {
	switch m.Type {
	case TypeHandoff:
		return EventHandoff
	case TypeData:
		return EventData
	default:
		return EventChat
	}
}

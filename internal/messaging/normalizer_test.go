// ABOUTME: Tests for raw document normalization.
// ABOUTME: Covers the value-wrapper unwrap rule, leaf conversions, and text decryption passthrough.

package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/XiansAiPlatform/XiansAi.Server-sub009/internal/crypto"
)

func TestNormalizeData_UnwrapsJSONStringValue(t *testing.T) {
	raw := bson.M{"value": `{"answer": 42, "tags": ["a", "b"]}`}

	got := NormalizeData(raw)

	m, ok := got.(map[string]any)
	require.True(t, ok, "expected parsed JSON object, got %T", got)
	assert.Equal(t, float64(42), m["answer"])
	assert.Equal(t, []any{"a", "b"}, m["tags"])
}

func TestNormalizeData_UnwrapsArrayStringValue(t *testing.T) {
	got := NormalizeData(bson.M{"value": `[1, 2, 3]`})

	assert.Equal(t, []any{float64(1), float64(2), float64(3)}, got)
}

func TestNormalizeData_PlainStringValueStaysString(t *testing.T) {
	got := NormalizeData(bson.M{"value": "just a sentence"})

	assert.Equal(t, "just a sentence", got)
}

func TestNormalizeData_MalformedJSONStringStaysString(t *testing.T) {
	// Braced but not valid JSON: keep the raw string rather than failing
	got := NormalizeData(bson.M{"value": "{not json at all"})
	assert.Equal(t, "{not json at all", got)

	got = NormalizeData(bson.M{"value": "{broken: }"})
	assert.Equal(t, "{broken: }", got)
}

func TestNormalizeData_MultiKeyDocumentIsNotUnwrapped(t *testing.T) {
	raw := bson.M{"value": "x", "other": "y"}

	got := NormalizeData(raw)

	m, ok := got.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "x", m["value"])
	assert.Equal(t, "y", m["other"])
}

func TestNormalizeData_RecursiveConversion(t *testing.T) {
	oid := primitive.NewObjectID()
	when := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	raw := bson.M{
		"nested": bson.M{
			"items": bson.A{int32(1), int64(2), 3.5, true, "s"},
			"when":  primitive.NewDateTimeFromTime(when),
			"ref":   oid,
			"gone":  primitive.Null{},
		},
	}

	got := NormalizeData(raw)

	m := got.(map[string]any)
	nested := m["nested"].(map[string]any)
	assert.Equal(t, []any{int32(1), int64(2), 3.5, true, "s"}, nested["items"])
	assert.Equal(t, when, nested["when"].(time.Time).UTC())
	assert.Equal(t, oid.Hex(), nested["ref"])
	assert.Nil(t, nested["gone"])
}

func TestNormalizeData_UnknownLeafFallsBackToString(t *testing.T) {
	got := NormalizeData(bson.M{"weird": primitive.Timestamp{T: 7, I: 1}})

	m := got.(map[string]any)
	_, isString := m["weird"].(string)
	assert.True(t, isString, "unrecognized leaf should render as string, got %T", m["weird"])
}

func TestNormalize_FullDocument(t *testing.T) {
	cipher, err := crypto.New("normalizer-test-secret")
	require.NoError(t, err)
	n := NewNormalizer(cipher, nil)

	sealed, err := cipher.Encrypt("secret hello")
	require.NoError(t, err)

	created := time.Date(2025, 3, 9, 8, 30, 0, 0, time.UTC)
	raw := bson.M{
		"_id":            primitive.NewObjectID(),
		"tenant_id":      "acme",
		"workflow_id":    "acme:Support:Triage",
		"participant_id": "p1",
		"thread_id":      "th-1",
		"direction":      "Outgoing",
		"message_type":   "Chat",
		"text":           sealed,
		"request_id":     "req-1",
		"created_at":     primitive.NewDateTimeFromTime(created),
	}

	msg := n.Normalize(raw)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "acme", msg.TenantID)
	assert.Equal(t, DirectionOutgoing, msg.Direction)
	assert.Equal(t, TypeChat, msg.Type)
	assert.Equal(t, "secret hello", msg.Text)
	assert.Equal(t, "req-1", msg.RequestID)
	assert.Equal(t, created, msg.CreatedAt.UTC())
}

func TestNormalize_PlaintextTextPassesThrough(t *testing.T) {
	cipher, err := crypto.New("normalizer-test-secret")
	require.NoError(t, err)
	n := NewNormalizer(cipher, nil)

	msg := n.Normalize(bson.M{
		"_id":  "m-1",
		"text": "legacy plaintext row",
	})

	assert.Equal(t, "legacy plaintext row", msg.Text)
}

func TestNormalize_ForeignCiphertextPassesThrough(t *testing.T) {
	ours, err := crypto.New("our-secret")
	require.NoError(t, err)
	theirs, err := crypto.New("their-secret")
	require.NoError(t, err)

	sealed, err := theirs.Encrypt("written by another deployment")
	require.NoError(t, err)

	n := NewNormalizer(ours, nil)
	msg := n.Normalize(bson.M{"_id": "m-2", "text": sealed})

	// Integrity mismatch must never abort delivery; the raw value survives
	assert.Equal(t, sealed, msg.Text)
}

func TestMessage_GroupKeys(t *testing.T) {
	msg := &Message{WorkflowID: "wf", ParticipantID: "p1", TenantID: "t1"}

	assert.Equal(t, "wfp1t1", msg.GroupID())
	assert.Equal(t, "wft1", msg.TenantGroupID())
}

func TestMessage_NeedsBroadcast(t *testing.T) {
	tests := []struct {
		name      string
		direction Direction
		msgType   MessageType
		want      bool
	}{
		{"incoming chat", DirectionIncoming, TypeChat, false},
		{"incoming data", DirectionIncoming, TypeData, false},
		{"incoming handoff", DirectionIncoming, TypeHandoff, true},
		{"outgoing chat", DirectionOutgoing, TypeChat, true},
		{"outgoing data", DirectionOutgoing, TypeData, true},
		{"outgoing handoff", DirectionOutgoing, TypeHandoff, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &Message{Direction: tt.direction, Type: tt.msgType}
			assert.Equal(t, tt.want, msg.NeedsBroadcast())
		})
	}
}

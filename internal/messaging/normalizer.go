// ABOUTME: Converts raw change-stream documents into normalized Messages.
// ABOUTME: Unwraps store-native value containers and reverses field-level text encryption.

package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/XiansAiPlatform/XiansAi.Server-sub009/internal/crypto"
)

// Decrypter reverses field-level encryption on message text.
type Decrypter interface {
	Decrypt(cipherText string) (string, error)
}

// Normalizer turns raw store documents into plain in-memory Messages.
// It never fails a message: unknown leaf types degrade to string renderings
// and undecryptable text passes through unchanged.
type Normalizer struct {
	decrypter Decrypter
	logger    *slog.Logger
}

// NewNormalizer creates a Normalizer. A nil decrypter disables decryption
// (text passes through as stored).
func NewNormalizer(decrypter Decrypter, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{
		decrypter: decrypter,
		logger:    logger.With("component", "normalizer"),
	}
}

// Normalize builds a Message from a raw document as emitted by the watcher.
func (n *Normalizer) Normalize(raw bson.M) *Message {
	msg := &Message{
		ID:            renderID(raw["_id"]),
		TenantID:      asString(raw["tenant_id"]),
		WorkflowID:    asString(raw["workflow_id"]),
		WorkflowType:  asString(raw["workflow_type"]),
		ParticipantID: asString(raw["participant_id"]),
		ThreadID:      asString(raw["thread_id"]),
		Direction:     Direction(asString(raw["direction"])),
		Type:          MessageType(asString(raw["message_type"])),
		Hint:          asString(raw["hint"]),
		Scope:         asString(raw["scope"]),
		RequestID:     asString(raw["request_id"]),
		Data:          NormalizeData(raw["data"]),
	}

	if ts, ok := raw["created_at"]; ok {
		if t, ok := toTime(ts); ok {
			msg.CreatedAt = t
		}
	}

	msg.Text = n.decryptText(asString(raw["text"]), msg.ID)
	return msg
}

// decryptText attempts to reverse encryption on the stored text. Values that
// are not validly encoded or fail authentication are treated as legacy
// plaintext and returned unchanged.
func (n *Normalizer) decryptText(text, messageID string) string {
	if text == "" || n.decrypter == nil {
		return text
	}

	plain, err := n.decrypter.Decrypt(text)
	if err == nil {
		return plain
	}

	switch {
	case errors.Is(err, crypto.ErrBadEncoding):
		// Not ciphertext at all; stored before encryption was enabled.
	case errors.Is(err, crypto.ErrIntegrity):
		n.logger.Debug("text failed integrity check, passing through",
			"message_id", messageID)
	default:
		n.logger.Warn("text decryption failed, passing through",
			"message_id", messageID,
			"error", err)
	}
	return text
}

// NormalizeData converts a store-native data value into plain maps, lists,
// and scalars. A single-key {"value": ...} wrapper is unwrapped; when the
// wrapped value is a string shaped like serialized JSON it is parsed into a
// structured value.
func NormalizeData(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case bson.M:
		if inner, ok := unwrapValue(t); ok {
			return inner
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = NormalizeData(val)
		}
		return out
	case bson.D:
		return NormalizeData(t.Map())
	case bson.A:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = NormalizeData(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = NormalizeData(val)
		}
		return out
	case map[string]any:
		if inner, ok := unwrapValue(bson.M(t)); ok {
			return inner
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = NormalizeData(val)
		}
		return out
	case string, bool, int, int32, int64, float32, float64:
		return t
	case primitive.DateTime:
		return t.Time()
	case time.Time:
		return t
	case primitive.ObjectID:
		return t.Hex()
	case primitive.Null, primitive.Undefined:
		return nil
	default:
		// Unknown leaf types must not fail the pipeline
		return fmt.Sprint(t)
	}
}

// unwrapValue detects the single-key {"value": ...} wrapper. Wrapped strings
// that look like serialized JSON are parsed; other strings stay as-is.
func unwrapValue(m bson.M) (any, bool) {
	if len(m) != 1 {
		return nil, false
	}
	inner, ok := m["value"]
	if !ok {
		return nil, false
	}

	s, isString := inner.(string)
	if !isString {
		return NormalizeData(inner), true
	}
	if looksLikeJSON(s) {
		var parsed any
		if err := json.Unmarshal([]byte(s), &parsed); err == nil {
			return parsed, true
		}
	}
	return s, true
}

// looksLikeJSON reports whether the string is shaped like a serialized JSON
// object or array.
func looksLikeJSON(s string) bool {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) < 2 {
		return false
	}
	return (strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}")) ||
		(strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]"))
}

// renderID renders a store-assigned identifier as a string.
func renderID(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case primitive.ObjectID:
		return t.Hex()
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// asString extracts a string field, tolerating missing or non-string values.
func asString(v any) string {
	s, _ := v.(string)
	return s
}

// toTime converts store timestamp representations into time.Time.
func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case primitive.DateTime:
		return t.Time(), true
	case time.Time:
		return t, true
	default:
		return time.Time{}, false
	}
}

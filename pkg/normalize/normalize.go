// Package normalize maps raw transport payloads onto the canonical
// events.NormalizedEvent shape. Exactly two wire shapes are recognized:
//
//   - Shape A ("flat"): the object directly exposes conversation_id and
//     content as strings.
//   - Shape B ("enveloped"): the object nests a message object carrying
//     conversation_id, meta.role, sender markers, and content that may be a
//     plain string or a structured object.
//
// Anything else is classified Unrecognized — never a partially-filled event.
// Normalization is a pure function of its input; no state is kept between
// calls.
package normalize

import (
	"encoding/json"
	"fmt"

	"github.com/brightclass/relay/pkg/events"
)

// Source describes where a frame arrived, so the normalizer can resolve the
// event kind and the fallback sender role without touching transport state.
type Source struct {
	// Channel is the channel name the frame arrived on, if any.
	Channel string

	// Event is the wire event name ("message:new", "typing", ...).
	Event string

	// ImpliedRole is the sender role implied by the channel when the
	// payload itself carries none.
	ImpliedRole events.SenderRole
}

// UnrecognizedError reports a payload that matched neither known shape.
type UnrecognizedError struct {
	Reason string
}

func (e *UnrecognizedError) Error() string {
	return "unrecognized payload: " + e.Reason
}

func unrecognized(format string, args ...interface{}) error {
	return &UnrecognizedError{Reason: fmt.Sprintf(format, args...)}
}

// Wire event names bound by the orchestrator and the point-to-point stream.
const (
	WireMessageNew        = "message:new"
	WireMessageEdited     = "message:edited"
	WireMessageDeleted    = "message:deleted"
	WireTypingStart       = "typing:start"
	WireTypingStop        = "typing:stop"
	WireTypingGeneric     = "typing"
	WireReadReceipt       = "read:receipt"
	WireParticipantJoined = "participant:joined"
	WireParticipantLeft   = "participant:left"
)

var wireKinds = map[string]events.EventKind{
	WireMessageNew:        events.KindMessageNew,
	WireMessageEdited:     events.KindMessageEdited,
	WireMessageDeleted:    events.KindMessageDeleted,
	WireTypingStart:       events.KindTypingStart,
	WireTypingStop:        events.KindTypingStop,
	WireReadReceipt:       events.KindReadReceipt,
	WireParticipantJoined: events.KindParticipantJoined,
	WireParticipantLeft:   events.KindParticipantLeft,
}

// Normalize maps one raw payload onto exactly one NormalizedEvent, or returns
// an *UnrecognizedError. It never returns both.
func Normalize(src Source, raw []byte) (*events.NormalizedEvent, error) {
	kind, generic, err := resolveKind(src.Event)
	if err != nil {
		return nil, err
	}

	var root map[string]interface{}
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, unrecognized("payload is not a JSON object: %v", err)
	}
	if root == nil {
		return nil, unrecognized("payload is null")
	}

	// The generic typing event carries a boolean flag instead of the
	// start/stop pair; both collapse onto the same tagged kinds.
	if generic {
		if DeriveTyping(root) {
			kind = events.KindTypingStart
		} else {
			kind = events.KindTypingStop
		}
	}

	if msg, ok := root["message"].(map[string]interface{}); ok {
		return normalizeEnveloped(src, kind, root, msg)
	}
	return normalizeFlat(src, kind, root)
}

func resolveKind(event string) (kind events.EventKind, generic bool, err error) {
	if event == WireTypingGeneric {
		return "", true, nil
	}
	kind, ok := wireKinds[event]
	if !ok {
		return "", false, unrecognized("unknown event %q", event)
	}
	return kind, false, nil
}

// normalizeFlat handles Shape A: conversation_id and content directly on the
// object. Content is required for message kinds only; typing, receipts, and
// join/leave events legitimately arrive without it.
func normalizeFlat(src Source, kind events.EventKind, root map[string]interface{}) (*events.NormalizedEvent, error) {
	convID, ok := stringField(root, "conversation_id")
	if !ok {
		return nil, unrecognized("missing conversation_id in both flat and enveloped forms")
	}

	content, ok := stringField(root, "content")
	if !ok && kind.IsMessage() {
		return nil, unrecognized("flat payload missing content for %s", kind)
	}

	role := src.ImpliedRole
	if r, ok := stringField(root, "sender_role"); ok {
		role = parseRole(r, role)
	}
	if !role.Valid() {
		role = events.RoleUser
	}

	return &events.NormalizedEvent{
		ConversationID: convID,
		Content:        content,
		SenderRole:     role,
		InvocationID:   optString(root, "invocation_id"),
		Timestamp:      firstString(root, "timestamp", "created_at"),
		Kind:           kind,
	}, nil
}

// normalizeEnveloped handles Shape B: a nested message object. Structured
// content is projected to its reply field when present, otherwise serialized
// whole — a frame is never dropped for having structured content.
func normalizeEnveloped(src Source, kind events.EventKind, root, msg map[string]interface{}) (*events.NormalizedEvent, error) {
	convID, ok := stringField(msg, "conversation_id")
	if !ok {
		return nil, unrecognized("enveloped payload missing message.conversation_id")
	}

	content, err := projectContent(msg["content"])
	if err != nil {
		return nil, err
	}
	if content == "" && kind.IsMessage() {
		if _, present := msg["content"]; !present {
			return nil, unrecognized("enveloped payload missing message.content for %s", kind)
		}
	}

	return &events.NormalizedEvent{
		ConversationID: convID,
		Content:        content,
		SenderRole:     envelopedRole(src, msg),
		InvocationID:   invocationID(root, msg),
		Timestamp:      firstString(msg, "timestamp", "created_at"),
		Kind:           kind,
	}, nil
}

// invocationID prefers the message-level field, falling back to the envelope.
func invocationID(root, msg map[string]interface{}) string {
	if s := optString(msg, "invocation_id"); s != "" {
		return s
	}
	return optString(root, "invocation_id")
}

// envelopedRole resolves the sender in priority order: explicit meta.role,
// then the sender marker fields, then the channel's implied role.
func envelopedRole(src Source, msg map[string]interface{}) events.SenderRole {
	if meta, ok := msg["meta"].(map[string]interface{}); ok {
		if r, ok := stringField(meta, "role"); ok {
			if role := parseRole(r, ""); role.Valid() {
				return role
			}
		}
	}
	if _, ok := msg["sender_assistant_id"]; ok {
		return events.RoleAgent
	}
	if _, ok := msg["sender_user_id"]; ok {
		return events.RoleUser
	}
	if src.ImpliedRole.Valid() {
		return src.ImpliedRole
	}
	return events.RoleUser
}

// projectContent reduces a content value to a string. Strings pass through;
// objects yield their reply field when it is a string, else the whole object
// serialized.
func projectContent(v interface{}) (string, error) {
	switch c := v.(type) {
	case nil:
		return "", nil
	case string:
		return c, nil
	case map[string]interface{}:
		if reply, ok := stringField(c, "reply"); ok {
			return reply, nil
		}
		data, err := json.Marshal(c)
		if err != nil {
			return "", unrecognized("unserializable structured content: %v", err)
		}
		return string(data), nil
	default:
		data, err := json.Marshal(c)
		if err != nil {
			return "", unrecognized("unserializable content of type %T", v)
		}
		return string(data), nil
	}
}

// DeriveTyping extracts the boolean typing state for the generic typing
// event: message.meta.typing first, then meta.typing, else false.
func DeriveTyping(root map[string]interface{}) bool {
	if msg, ok := root["message"].(map[string]interface{}); ok {
		if meta, ok := msg["meta"].(map[string]interface{}); ok {
			if t, ok := meta["typing"].(bool); ok {
				return t
			}
		}
	}
	if meta, ok := root["meta"].(map[string]interface{}); ok {
		if t, ok := meta["typing"].(bool); ok {
			return t
		}
	}
	return false
}

func parseRole(s string, fallback events.SenderRole) events.SenderRole {
	switch s {
	case "user":
		return events.RoleUser
	case "agent", "assistant":
		return events.RoleAgent
	case "system":
		return events.RoleSystem
	default:
		return fallback
	}
}

func stringField(m map[string]interface{}, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func optString(m map[string]interface{}, key string) string {
	s, _ := stringField(m, key)
	return s
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if k == "" {
			continue
		}
		if s, ok := stringField(m, k); ok {
			return s
		}
	}
	return ""
}

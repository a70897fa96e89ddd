// Package events defines the typed event contracts for the relay subsystem.
// Every event flowing through the websocket transports, the normalizer, or
// the in-process bus MUST use one of these types. No ad-hoc
// map[string]interface{} events.
package events

import "time"

// --- Bus topics ---

// Topic vocabulary exposed to UI consumers. This is the only contract
// consumer code needs; it never reaches into transport internals.
const (
	// TopicMessage carries message lifecycle events and read receipts.
	TopicMessage = "realtime.message"

	// TopicTyping carries typing indicator events.
	TopicTyping = "realtime.typing"

	// TopicPresence carries participant join/leave events.
	TopicPresence = "realtime.presence"

	// TopicUnrecognized carries diagnostics for frames that matched no
	// known payload shape. Consumers are debugging tools, not UI.
	TopicUnrecognized = "realtime.unrecognized"

	// TopicConnection carries connection state transitions. Consumed by the
	// session coordinator to drive its reconnect policy.
	TopicConnection = "realtime.connection"
)

// --- Event kinds ---

// EventKind tags the semantic variant of a normalized event. Two structurally
// different typing wire shapes (start/stop pair vs. one generic event with a
// boolean flag) both collapse onto TypingStart/TypingStop here.
type EventKind string

const (
	KindMessageNew        EventKind = "message.new"
	KindMessageEdited     EventKind = "message.edited"
	KindMessageDeleted    EventKind = "message.deleted"
	KindTypingStart       EventKind = "typing.start"
	KindTypingStop        EventKind = "typing.stop"
	KindReadReceipt       EventKind = "read.receipt"
	KindParticipantJoined EventKind = "participant.joined"
	KindParticipantLeft   EventKind = "participant.left"
)

// Topic returns the bus topic a kind is delivered on.
func (k EventKind) Topic() string {
	switch k {
	case KindTypingStart, KindTypingStop:
		return TopicTyping
	case KindParticipantJoined, KindParticipantLeft:
		return TopicPresence
	default:
		return TopicMessage
	}
}

// IsMessage reports whether the kind carries message content. Presence and
// typing kinds may legitimately arrive with an empty content field.
func (k EventKind) IsMessage() bool {
	switch k {
	case KindMessageNew, KindMessageEdited, KindMessageDeleted:
		return true
	default:
		return false
	}
}

// --- Sender roles ---

// SenderRole identifies who produced a message.
type SenderRole string

const (
	RoleUser   SenderRole = "user"
	RoleAgent  SenderRole = "agent"
	RoleSystem SenderRole = "system"
)

func (r SenderRole) String() string { return string(r) }

// Valid returns true if the role is one of the known values.
func (r SenderRole) Valid() bool {
	return r == RoleUser || r == RoleAgent || r == RoleSystem
}

// --- Canonical event ---

// NormalizedEvent is the canonical shape every raw transport payload is
// mapped onto. Constructed only by the normalizer; immutable once published.
type NormalizedEvent struct {
	ConversationID string     `json:"conversation_id"`
	Content        string     `json:"content"`
	SenderRole     SenderRole `json:"sender_role"`
	InvocationID   string     `json:"invocation_id,omitempty"`
	Timestamp      string     `json:"timestamp,omitempty"` // ISO-8601, from the payload
	Kind           EventKind  `json:"event_kind"`
}

// --- Bus envelope ---

// Envelope is the universal wrapper for everything published on the bus.
type Envelope struct {
	// Type identifies the event (usually string(EventKind), or a
	// diagnostic/connection event name).
	Type string `json:"type"`

	// Source identifies the component that emitted the event.
	Source string `json:"source"`

	// Timestamp is the receipt time, stamped at publish.
	Timestamp time.Time `json:"timestamp"`

	// Data is the typed payload.
	Data interface{} `json:"data"`
}

// NewEnvelope creates a timestamped envelope.
func NewEnvelope(eventType, source string, data interface{}) Envelope {
	return Envelope{
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// --- Typed payloads ---

// UnrecognizedPayload is the diagnostic published on TopicUnrecognized when a
// frame matches neither known payload shape. The raw frame is preserved
// verbatim so the journal can record it.
type UnrecognizedPayload struct {
	Channel string `json:"channel,omitempty"`
	Event   string `json:"event,omitempty"`
	Reason  string `json:"reason"`
	Raw     []byte `json:"raw,omitempty"`
}

// Connection state transition names published on TopicConnection.
const (
	ConnectionOpened = "connection.opened"
	ConnectionClosed = "connection.closed"
	ConnectionFailed = "connection.failed"
)

// ConnectionEventData is the payload for connection lifecycle events.
type ConnectionEventData struct {
	UserID       string `json:"user_id"`
	ConnectionID string `json:"connection_id"`
	Error        string `json:"error,omitempty"`
}

// Package protocol defines the message types and structures flowing
// between the platform gateway, the moderator service, and the verifier.
// All messages are serialized as JSON and follow a consistent envelope
// format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Platform -> Gateway event types, as carried on the gateway socket.
const (
	TypeHello         = "hello"
	TypeHeartbeatAck  = "heartbeat_ack"
	TypeReady         = "ready"
	TypeMessage       = "message_create"
	TypeMessageEdit   = "message_update"
	TypeMessageDelete = "message_delete"
	TypeMemberJoin    = "member_join"
	TypeMemberLeave   = "member_leave"
	TypeMemberUpdate  = "member_update"
	TypeVoiceState    = "voice_state"
	TypeInteraction   = "interaction"
)

// Gateway -> Platform message types.
const (
	TypeIdentify  = "identify"
	TypeHeartbeat = "heartbeat"
)

// Verifier -> Moderator event types, carried over NATS.
const (
	TypeVerifyGranted = "verify_granted"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Platform -> Gateway event structs
// ---------------------------------------------------------------------------

// HelloMsg opens the gateway session and carries the heartbeat cadence.
type HelloMsg struct {
	Type              string `json:"type"`
	HeartbeatInterval int    `json:"heartbeat_interval"` // milliseconds
}

// ReadyMsg confirms the identify handshake.
type ReadyMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	GuildID   string `json:"guild_id"`
}

// MessageEvent is one message posted in a guild channel. EventID is the
// platform message id and doubles as the moderation source event id.
type MessageEvent struct {
	Type       string `json:"type"`
	EventID    string `json:"event_id"`
	GuildID    string `json:"guild_id"`
	ChannelID  string `json:"channel_id"`
	AuthorID   string `json:"author_id"`
	AuthorName string `json:"author_name"`
	AuthorBot  bool   `json:"author_bot"`
	Content    string `json:"content"`
	Ts         int64  `json:"ts"`
}

// MessageEditEvent fires when a message is edited. NewContent goes back
// through the scan pipeline so an edit cannot sneak blocked terms past
// the original scan.
type MessageEditEvent struct {
	Type       string `json:"type"`
	EventID    string `json:"event_id"`
	GuildID    string `json:"guild_id"`
	ChannelID  string `json:"channel_id"`
	AuthorID   string `json:"author_id"`
	AuthorName string `json:"author_name"`
	AuthorBot  bool   `json:"author_bot"`
	NewContent string `json:"new_content"`
	Ts         int64  `json:"ts"`
}

// MessageDeleteEvent fires when a message is removed.
type MessageDeleteEvent struct {
	Type      string `json:"type"`
	EventID   string `json:"event_id"`
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	AuthorID  string `json:"author_id"`
	Ts        int64  `json:"ts"`
}

// MemberJoinEvent fires when a member enters the guild.
type MemberJoinEvent struct {
	Type       string `json:"type"`
	GuildID    string `json:"guild_id"`
	MemberID   string `json:"member_id"`
	MemberName string `json:"member_name"`
	Ts         int64  `json:"ts"`
}

// MemberLeaveEvent fires when a member leaves or is removed.
type MemberLeaveEvent struct {
	Type       string `json:"type"`
	GuildID    string `json:"guild_id"`
	MemberID   string `json:"member_id"`
	MemberName string `json:"member_name"`
	Ts         int64  `json:"ts"`
}

// MemberUpdateEvent fires on nickname or role changes.
type MemberUpdateEvent struct {
	Type        string   `json:"type"`
	GuildID     string   `json:"guild_id"`
	MemberID    string   `json:"member_id"`
	OldNickname string   `json:"old_nickname"`
	NewNickname string   `json:"new_nickname"`
	OldRoles    []string `json:"old_roles"`
	NewRoles    []string `json:"new_roles"`
	Ts          int64    `json:"ts"`
}

// VoiceEvent fires when a member joins, leaves, or moves between voice
// channels. An empty ChannelID means the member left voice entirely.
type VoiceEvent struct {
	Type        string `json:"type"`
	GuildID     string `json:"guild_id"`
	MemberID    string `json:"member_id"`
	ChannelID   string `json:"channel_id"`
	PrevChannel string `json:"prev_channel"`
	Ts          int64  `json:"ts"`
}

// InteractionEvent is a staff button click or slash command. For alert
// buttons, SourceEventID identifies the flagged message the alert covers.
type InteractionEvent struct {
	Type          string `json:"type"`
	InteractionID string `json:"interaction_id"`
	GuildID       string `json:"guild_id"`
	StaffID       string `json:"staff_id"`
	Action        string `json:"action"` // warn, timeout, kick, ban, dismiss, or a command name
	SourceEventID string `json:"source_event_id,omitempty"`
	TargetID      string `json:"target_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
	DurationMin   int    `json:"duration_min,omitempty"`
	Ts            int64  `json:"ts"`
}

// ---------------------------------------------------------------------------
// Gateway -> Platform message structs
// ---------------------------------------------------------------------------

// IdentifyMsg authenticates the gateway socket.
type IdentifyMsg struct {
	Type    string `json:"type"`
	Token   string `json:"token"`
	GuildID string `json:"guild_id"`
}

// HeartbeatMsg keeps the gateway socket alive.
type HeartbeatMsg struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq"`
}

// ---------------------------------------------------------------------------
// Verifier -> Moderator structs
// ---------------------------------------------------------------------------

// VerifyGrantedEvent announces that a member passed verification and was
// granted the verified role, so the moderator can audit it.
type VerifyGrantedEvent struct {
	Type     string `json:"type"`
	MemberID string `json:"member_id"`
	Ts       int64  `json:"ts"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseGatewayEvent parses raw gateway bytes into a typed platform event.
// It returns the event type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown event types.
func ParseGatewayEvent(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeHello:
		var m HelloMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeHeartbeatAck:
		msg = struct{}{}
	case TypeReady:
		var m ReadyMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m MessageEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageEdit:
		var m MessageEditEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageDelete:
		var m MessageDeleteEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMemberJoin:
		var m MemberJoinEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMemberLeave:
		var m MemberLeaveEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMemberUpdate:
		var m MemberUpdateEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeVoiceState:
		var m VoiceEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeInteraction:
		var m InteractionEvent
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown gateway event type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// Encode creates a JSON-encoded byte slice for an outgoing message. The
// msgType is injected into the payload under the "type" key, overriding
// whatever the struct carries, so callers cannot emit a mislabeled event.
func Encode(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return out, nil
}

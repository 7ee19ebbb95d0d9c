package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid message_create event
// ---------------------------------------------------------------------------

func TestParseGatewayEvent_Message(t *testing.T) {
	input := []byte(`{"type":"message_create","event_id":"msg-1","guild_id":"g1","channel_id":"general","author_id":"u1","author_name":"alice","content":"hello","ts":1700000000}`)

	msgType, msg, err := ParseGatewayEvent(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMessage {
		t.Fatalf("expected type %q, got %q", TypeMessage, msgType)
	}

	ev, ok := msg.(MessageEvent)
	if !ok {
		t.Fatalf("expected MessageEvent, got %T", msg)
	}
	if ev.EventID != "msg-1" {
		t.Errorf("expected event_id %q, got %q", "msg-1", ev.EventID)
	}
	if ev.Content != "hello" {
		t.Errorf("expected content %q, got %q", "hello", ev.Content)
	}
	if ev.AuthorBot {
		t.Error("author_bot should default to false")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing a staff interaction event
// ---------------------------------------------------------------------------

func TestParseGatewayEvent_Interaction(t *testing.T) {
	input := []byte(`{"type":"interaction","interaction_id":"i-9","guild_id":"g1","staff_id":"staff-1","action":"ban","source_event_id":"msg-1","reason":"spam"}`)

	msgType, msg, err := ParseGatewayEvent(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeInteraction {
		t.Fatalf("expected type %q, got %q", TypeInteraction, msgType)
	}

	ev, ok := msg.(InteractionEvent)
	if !ok {
		t.Fatalf("expected InteractionEvent, got %T", msg)
	}
	if ev.Action != "ban" {
		t.Errorf("expected action %q, got %q", "ban", ev.Action)
	}
	if ev.SourceEventID != "msg-1" {
		t.Errorf("expected source_event_id %q, got %q", "msg-1", ev.SourceEventID)
	}
	if ev.StaffID != "staff-1" {
		t.Errorf("expected staff_id %q, got %q", "staff-1", ev.StaffID)
	}
}

// ---------------------------------------------------------------------------
// Test: Encode injects the type discriminator
// ---------------------------------------------------------------------------

func TestEncode_InjectsType(t *testing.T) {
	payload := IdentifyMsg{
		Token:   "bot-token",
		GuildID: "g1",
	}

	data, err := Encode(TypeIdentify, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Decode back and verify structure.
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}

	if result["type"] != TypeIdentify {
		t.Errorf("expected type %q, got %v", TypeIdentify, result["type"])
	}
	if result["token"] != "bot-token" {
		t.Errorf("expected token %q, got %v", "bot-token", result["token"])
	}
	if result["guild_id"] != "g1" {
		t.Errorf("expected guild_id %q, got %v", "g1", result["guild_id"])
	}
}

func TestEncode_OverridesWrongType(t *testing.T) {
	payload := HeartbeatMsg{Type: "bogus", Seq: 42}

	data, err := Encode(TypeHeartbeat, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeHeartbeat {
		t.Errorf("expected type %q, got %v", TypeHeartbeat, result["type"])
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown event type returns an error
// ---------------------------------------------------------------------------

func TestParseGatewayEvent_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseGatewayEvent(input)
	if err == nil {
		t.Fatal("expected an error for unknown event type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

// ---------------------------------------------------------------------------
// Test: Round-trip fidelity (marshal -> parse)
// ---------------------------------------------------------------------------

func TestRoundTrip_MessageEvent(t *testing.T) {
	original := MessageEvent{
		Type:       TypeMessage,
		EventID:    "msg-7",
		GuildID:    "g1",
		ChannelID:  "general",
		AuthorID:   "u2",
		AuthorName: "bob",
		Content:    "fr33 m0ney",
		Ts:         1700000123,
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}

	msgType, msg, err := ParseGatewayEvent(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeMessage {
		t.Fatalf("expected type %q, got %q", TypeMessage, msgType)
	}

	decoded, ok := msg.(MessageEvent)
	if !ok {
		t.Fatalf("expected MessageEvent, got %T", msg)
	}
	if decoded != original {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", decoded, original)
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all gateway event types succeeds
// ---------------------------------------------------------------------------

func TestParseGatewayEvent_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"hello", `{"type":"hello","heartbeat_interval":30000}`, TypeHello},
		{"heartbeat_ack", `{"type":"heartbeat_ack"}`, TypeHeartbeatAck},
		{"ready", `{"type":"ready","session_id":"s1","guild_id":"g1"}`, TypeReady},
		{"message_create", `{"type":"message_create","event_id":"m1","content":"hi"}`, TypeMessage},
		{"message_update", `{"type":"message_update","event_id":"m1","new_content":"hi2"}`, TypeMessageEdit},
		{"message_delete", `{"type":"message_delete","event_id":"m1"}`, TypeMessageDelete},
		{"member_join", `{"type":"member_join","member_id":"u1","member_name":"alice"}`, TypeMemberJoin},
		{"member_leave", `{"type":"member_leave","member_id":"u1"}`, TypeMemberLeave},
		{"member_update", `{"type":"member_update","member_id":"u1","new_nickname":"al"}`, TypeMemberUpdate},
		{"voice_state", `{"type":"voice_state","member_id":"u1","channel_id":"vc1"}`, TypeVoiceState},
		{"interaction", `{"type":"interaction","interaction_id":"i1","action":"dismiss"}`, TypeInteraction},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseGatewayEvent([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}

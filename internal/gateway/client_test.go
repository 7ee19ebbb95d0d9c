package gateway

import (
	"testing"
)

// capturePublisher records which subject method each event landed on.
type capturePublisher struct {
	messages     [][]byte
	edits        [][]byte
	deletes      [][]byte
	joins        [][]byte
	leaves       [][]byte
	updates      [][]byte
	voice        [][]byte
	interactions [][]byte
}

func (p *capturePublisher) PublishGuildMessage(data []byte) error {
	p.messages = append(p.messages, data)
	return nil
}

func (p *capturePublisher) PublishMessageEdit(data []byte) error {
	p.edits = append(p.edits, data)
	return nil
}

func (p *capturePublisher) PublishMessageDelete(data []byte) error {
	p.deletes = append(p.deletes, data)
	return nil
}

func (p *capturePublisher) PublishMemberJoin(data []byte) error {
	p.joins = append(p.joins, data)
	return nil
}

func (p *capturePublisher) PublishMemberLeave(data []byte) error {
	p.leaves = append(p.leaves, data)
	return nil
}

func (p *capturePublisher) PublishMemberUpdate(data []byte) error {
	p.updates = append(p.updates, data)
	return nil
}

func (p *capturePublisher) PublishVoiceEvent(data []byte) error {
	p.voice = append(p.voice, data)
	return nil
}

func (p *capturePublisher) PublishInteraction(data []byte) error {
	p.interactions = append(p.interactions, data)
	return nil
}

func (p *capturePublisher) total() int {
	return len(p.messages) + len(p.edits) + len(p.deletes) + len(p.joins) +
		len(p.leaves) + len(p.updates) + len(p.voice) + len(p.interactions)
}

func TestHandleEvent_RoutesToSubjects(t *testing.T) {
	pub := &capturePublisher{}
	c := New(DefaultConfig("wss://gw.example", "token", "g1"), pub)

	events := []string{
		`{"type":"message_create","event_id":"m1","content":"hello"}`,
		`{"type":"message_update","event_id":"m1","new_content":"hello2"}`,
		`{"type":"message_delete","event_id":"m1"}`,
		`{"type":"member_join","member_id":"u1"}`,
		`{"type":"member_leave","member_id":"u1"}`,
		`{"type":"member_update","member_id":"u1","new_nickname":"x"}`,
		`{"type":"voice_state","member_id":"u1","channel_id":"vc1"}`,
		`{"type":"interaction","interaction_id":"i1","action":"ban"}`,
	}
	for _, ev := range events {
		if err := c.handleEvent([]byte(ev)); err != nil {
			t.Fatalf("handleEvent(%s): %v", ev, err)
		}
	}

	if len(pub.messages) != 1 || len(pub.edits) != 1 || len(pub.deletes) != 1 ||
		len(pub.joins) != 1 || len(pub.leaves) != 1 || len(pub.updates) != 1 ||
		len(pub.voice) != 1 || len(pub.interactions) != 1 {
		t.Errorf("events misrouted: %+v", pub)
	}
}

func TestHandleEvent_DropsControlFrames(t *testing.T) {
	pub := &capturePublisher{}
	c := New(DefaultConfig("wss://gw.example", "token", "g1"), pub)

	for _, ev := range []string{
		`{"type":"hello","heartbeat_interval":30000}`,
		`{"type":"heartbeat_ack"}`,
		`{"type":"ready","session_id":"s1","guild_id":"g1"}`,
	} {
		if err := c.handleEvent([]byte(ev)); err != nil {
			t.Fatalf("handleEvent(%s): %v", ev, err)
		}
	}
	if pub.total() != 0 {
		t.Errorf("control frames must not be published, got %d", pub.total())
	}
}

func TestHandleEvent_RejectsMalformed(t *testing.T) {
	pub := &capturePublisher{}
	c := New(DefaultConfig("wss://gw.example", "token", "g1"), pub)

	if err := c.handleEvent([]byte(`{"no_type":true}`)); err == nil {
		t.Error("expected error for event without a type")
	}
	if err := c.handleEvent([]byte(`{broken`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
	if pub.total() != 0 {
		t.Errorf("malformed events must not be published, got %d", pub.total())
	}
}

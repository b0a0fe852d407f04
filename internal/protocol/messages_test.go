package protocol

import "testing"

func TestParseInboundRegisterRenamesAgentCategory(t *testing.T) {
	raw := []byte(`{"type":"register","name":"Agent One","agent_type":"claude-code","priority":7,"workspace_id":"ws1","user_id":"u1"}`)
	parsed, err := ParseInbound(raw)
	if err != nil {
		t.Fatalf("ParseInbound() error = %v", err)
	}
	msg, ok := parsed.(RegisterMessage)
	if !ok {
		t.Fatalf("parsed type = %T, want RegisterMessage", parsed)
	}
	if msg.AgentType != "claude-code" {
		t.Fatalf("AgentType = %q, want claude-code", msg.AgentType)
	}
	if msg.Priority != 7 {
		t.Fatalf("Priority = %d, want 7", msg.Priority)
	}
}

func TestParseInboundSpeakRequest(t *testing.T) {
	raw := []byte(`{"type":"speak_request","message":"hi","estimated_duration":5.5,"voice_settings":{"pitch":1}}`)
	parsed, err := ParseInbound(raw)
	if err != nil {
		t.Fatalf("ParseInbound() error = %v", err)
	}
	msg, ok := parsed.(SpeakRequestMessage)
	if !ok {
		t.Fatalf("parsed type = %T, want SpeakRequestMessage", parsed)
	}
	if msg.Message != "hi" || msg.EstimatedDuration != 5.5 {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.VoiceSettings["pitch"] != float64(1) {
		t.Fatalf("VoiceSettings = %+v, want pitch=1", msg.VoiceSettings)
	}
}

func TestParseInboundMissingTypeErrors(t *testing.T) {
	if _, err := ParseInbound([]byte(`{}`)); err == nil {
		t.Fatalf("expected error for missing type field")
	}
}

func TestParseInboundUnsupportedType(t *testing.T) {
	_, err := ParseInbound([]byte(`{"type":"something_else"}`))
	if err == nil {
		t.Fatalf("expected error for unsupported type")
	}
}

func TestParseInboundMalformedJSON(t *testing.T) {
	if _, err := ParseInbound([]byte(`not json`)); err == nil {
		t.Fatalf("expected error for malformed JSON")
	}
}

func TestParseInboundHeartbeatAndStatusUpdate(t *testing.T) {
	if parsed, err := ParseInbound([]byte(`{"type":"heartbeat"}`)); err != nil {
		t.Fatalf("ParseInbound(heartbeat) error = %v", err)
	} else if _, ok := parsed.(HeartbeatMessage); !ok {
		t.Fatalf("parsed type = %T, want HeartbeatMessage", parsed)
	}

	raw := []byte(`{"type":"status_update","status":"busy","priority":3}`)
	parsed, err := ParseInbound(raw)
	if err != nil {
		t.Fatalf("ParseInbound(status_update) error = %v", err)
	}
	msg, ok := parsed.(StatusUpdateMessage)
	if !ok || msg.Status != "busy" || msg.Priority != 3 {
		t.Fatalf("unexpected parsed status_update: %+v (ok=%v)", parsed, ok)
	}
}

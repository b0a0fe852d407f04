// Package protocol defines the wire-level JSON messages exchanged over the
// duplex agent channel, and parses inbound frames into typed values.
//
// The inbound "register" message nominally carries two fields both named
// "type": the envelope type ("register") and the agent's category
// ("claude-code", "autoagent", ...). A flat JSON object cannot carry two
// keys of the same name, so the agent category is exposed under a renamed
// key, agent_type, while the envelope keeps "type" for the message kind.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

type MessageType string

const (
	TypeRegister       MessageType = "register"
	TypeHeartbeat      MessageType = "heartbeat"
	TypeSpeakRequest   MessageType = "speak_request"
	TypeStatusUpdate   MessageType = "status_update"
	TypeSpeechComplete MessageType = "speech_complete"

	TypeRegistrationConfirmed MessageType = "registration_confirmed"
	TypeSpeakGranted          MessageType = "speak_granted"
	TypeSpeakDenied           MessageType = "speak_denied"
	TypeAgentJoined           MessageType = "agent_joined"
	TypeAgentSpeaking         MessageType = "agent_speaking"
	TypeAgentStatusUpdate     MessageType = "agent_status_update"
	TypeAgentDisconnected     MessageType = "agent_disconnected"
	TypeErrorEvent            MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

// --- inbound (client -> server) ---

type RegisterMessage struct {
	Type        MessageType `json:"type"`
	Name        string      `json:"name"`
	AgentType   string      `json:"agent_type"`
	Priority    int         `json:"priority"`
	WorkspaceID string      `json:"workspace_id"`
	UserID      string      `json:"user_id"`
}

type HeartbeatMessage struct {
	Type MessageType `json:"type"`
}

type SpeakRequestMessage struct {
	Type              MessageType    `json:"type"`
	Message           string         `json:"message"`
	Priority          int            `json:"priority"`
	EstimatedDuration float64        `json:"estimated_duration"`
	VoiceSettings     map[string]any `json:"voice_settings"`
}

type StatusUpdateMessage struct {
	Type     MessageType `json:"type"`
	Status   string      `json:"status"`
	Priority int         `json:"priority"`
}

type SpeechCompleteMessage struct {
	Type MessageType `json:"type"`
}

// --- outbound (server -> client) ---

type RegistrationConfirmed struct {
	Type         MessageType `json:"type"`
	AgentID      string      `json:"agent_id"`
	ServerStatus any         `json:"server_status"`
}

type SpeakGranted struct {
	Type              MessageType    `json:"type"`
	RequestID         string         `json:"request_id"`
	Message           string         `json:"message"`
	VoiceSettings     map[string]any `json:"voice_settings"`
	EstimatedDuration float64        `json:"estimated_duration"`
}

type SpeakDenied struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason"`
}

type AgentJoined struct {
	Type  MessageType `json:"type"`
	Agent any         `json:"agent"`
}

type AgentSpeaking struct {
	Type              MessageType `json:"type"`
	SpeakerID         string      `json:"speaker_id"`
	SpeakerName       string      `json:"speaker_name"`
	EstimatedDuration float64     `json:"estimated_duration"`
}

type SpeechComplete struct {
	Type    MessageType `json:"type"`
	AgentID string      `json:"agent_id"`
	Timeout bool        `json:"timeout"`
}

type AgentStatusUpdate struct {
	Type     MessageType `json:"type"`
	AgentID  string      `json:"agent_id"`
	Status   string      `json:"status"`
	Priority int         `json:"priority"`
}

type AgentDisconnected struct {
	Type      MessageType `json:"type"`
	AgentID   string      `json:"agent_id"`
	AgentName string      `json:"agent_name"`
}

type ErrorEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail"`
}

type envelope struct {
	Type              MessageType    `json:"type"`
	Name              string         `json:"name"`
	AgentType         string         `json:"agent_type"`
	Priority          int            `json:"priority"`
	WorkspaceID       string         `json:"workspace_id"`
	UserID            string         `json:"user_id"`
	Message           string         `json:"message"`
	EstimatedDuration float64        `json:"estimated_duration"`
	VoiceSettings     map[string]any `json:"voice_settings"`
	Status            string         `json:"status"`
}

// ParseInbound decodes a raw duplex-channel frame into one of the inbound
// message types. Malformed or unrecognized frames return an error; the
// caller (internal/transport) keeps the channel open and surfaces
// invalid_message.
func ParseInbound(raw []byte) (any, error) {
	var e envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch e.Type {
	case TypeRegister:
		return RegisterMessage{
			Type:        TypeRegister,
			Name:        e.Name,
			AgentType:   e.AgentType,
			Priority:    e.Priority,
			WorkspaceID: e.WorkspaceID,
			UserID:      e.UserID,
		}, nil
	case TypeHeartbeat:
		return HeartbeatMessage{Type: TypeHeartbeat}, nil
	case TypeSpeakRequest:
		return SpeakRequestMessage{
			Type:              TypeSpeakRequest,
			Message:           e.Message,
			Priority:          e.Priority,
			EstimatedDuration: e.EstimatedDuration,
			VoiceSettings:     e.VoiceSettings,
		}, nil
	case TypeStatusUpdate:
		return StatusUpdateMessage{
			Type:     TypeStatusUpdate,
			Status:   e.Status,
			Priority: e.Priority,
		}, nil
	case TypeSpeechComplete:
		return SpeechCompleteMessage{Type: TypeSpeechComplete}, nil
	case "":
		return nil, errors.New("missing type field")
	default:
		return nil, ErrUnsupportedType
	}
}

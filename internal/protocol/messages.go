package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	// server -> client
	TypeStateChanged   MessageType = "state_changed"
	TypeVolume         MessageType = "volume"
	TypeTranscriptItem MessageType = "transcript_item"
	TypeLeadUpdated    MessageType = "lead_updated"
	TypeErrorEvent     MessageType = "error_event"

	// client -> server
	TypeConnect        MessageType = "connect"
	TypeDisconnect     MessageType = "disconnect"
	TypeSetSensitivity MessageType = "set_sensitivity"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// StateChanged announces every session phase edge, speaking flips included.
type StateChanged struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	State     string      `json:"state"`
	Speaking  bool        `json:"speaking"`
	Error     string      `json:"error,omitempty"`
	TSMs      int64       `json:"ts_ms"`
}

// Volume carries one visualization sample for both audio directions.
type Volume struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Input     float64     `json:"input"`
	Output    float64     `json:"output"`
	TSMs      int64       `json:"ts_ms"`
}

// TranscriptItem is one committed line of the running call transcript.
type TranscriptItem struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Speaker   string      `json:"speaker"`
	Text      string      `json:"text"`
	TSMs      int64       `json:"ts_ms"`
}

// LeadUpdated reflects the merged lead after a field-extraction call.
type LeadUpdated struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id"`
	Fields    json.RawMessage `json:"fields"`
	TSMs      int64           `json:"ts_ms"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail"`
	TSMs      int64       `json:"ts_ms"`
}

// Connect asks the server to start a call with the named persona.
type Connect struct {
	Type    MessageType `json:"type"`
	Persona string      `json:"persona,omitempty"`
}

type Disconnect struct {
	Type MessageType `json:"type"`
}

// SetSensitivity adjusts the noise gate, 0 to 1.
type SetSensitivity struct {
	Type  MessageType `json:"type"`
	Value float64     `json:"value"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeConnect:
		var msg Connect
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeDisconnect:
		var msg Disconnect
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	case TypeSetSensitivity:
		var msg SetSensitivity
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Value < 0 || msg.Value > 1 {
			return nil, errors.New("invalid set_sensitivity value")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

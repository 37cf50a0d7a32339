// Package aip implements the wire protocol spoken between the coordinator,
// the relay server, and device agents. Each WebSocket text frame carries one
// JSON message with a type tag, a status tag, and correlation ids.
package aip

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType tags the variant of a message.
type MessageType string

const (
	TypeRegister           MessageType = "REGISTER"
	TypeHeartbeat          MessageType = "HEARTBEAT"
	TypeTask               MessageType = "TASK"
	TypeDeviceInfoRequest  MessageType = "DEVICE_INFO_REQUEST"
	TypeDeviceInfoResponse MessageType = "DEVICE_INFO_RESPONSE"
	TypeCommand            MessageType = "COMMAND"
	TypeCommandResults     MessageType = "COMMAND_RESULTS"
	TypeTaskEnd            MessageType = "TASK_END"
	TypeError              MessageType = "ERROR"
)

// Valid reports whether the type is part of the protocol.
func (t MessageType) Valid() bool {
	switch t {
	case TypeRegister, TypeHeartbeat, TypeTask, TypeDeviceInfoRequest,
		TypeDeviceInfoResponse, TypeCommand, TypeCommandResults,
		TypeTaskEnd, TypeError:
		return true
	default:
		return false
	}
}

// Status tags the disposition of a message.
type Status string

const (
	StatusOK        Status = "ok"
	StatusContinue  Status = "continue"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusError     Status = "error"
)

// ClientType distinguishes the two client roles the relay routes between.
type ClientType string

const (
	ClientConstellation ClientType = "constellation"
	ClientDevice        ClientType = "device"
)

// Message is the wire envelope. Payload stays raw so unknown payload fields
// survive a round-trip; unknown envelope fields are captured in extra and
// re-emitted on encode.
type Message struct {
	Type           MessageType     `json:"type"`
	Status         Status          `json:"status,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	ClientType     ClientType      `json:"client_type,omitempty"`
	ClientID       string          `json:"client_id,omitempty"`
	TargetID       string          `json:"target_id,omitempty"`
	SessionID      string          `json:"session_id,omitempty"`
	ResponseID     string          `json:"response_id,omitempty"`
	PrevResponseID string          `json:"prev_response_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`

	extra map[string]json.RawMessage
}

var envelopeKeys = map[string]struct{}{
	"type": {}, "status": {}, "timestamp": {}, "client_type": {},
	"client_id": {}, "target_id": {}, "session_id": {}, "response_id": {},
	"prev_response_id": {}, "payload": {},
}

// CorrelationID returns the id a reply correlates on: prev_response_id when
// the peer set it, otherwise session_id.
func (m *Message) CorrelationID() string {
	if m.PrevResponseID != "" {
		return m.PrevResponseID
	}
	return m.SessionID
}

// UnmarshalJSON decodes the envelope and preserves unrecognized keys.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key := range raw {
		if _, known := envelopeKeys[key]; known {
			delete(raw, key)
		}
	}

	*m = Message(a)
	if len(raw) > 0 {
		m.extra = raw
	}
	return nil
}

// MarshalJSON encodes the envelope, merging preserved unknown keys back in.
// Encoding is deterministic: merged objects marshal with sorted keys.
func (m Message) MarshalJSON() ([]byte, error) {
	type alias Message
	base, err := json.Marshal(alias(m))
	if err != nil {
		return nil, err
	}
	if len(m.extra) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for key, value := range m.extra {
		if _, taken := merged[key]; !taken {
			merged[key] = value
		}
	}
	return json.Marshal(merged)
}

// Decode parses and validates one frame. Unknown or missing types and
// frames without a correlation id are rejected with a *ProtocolError.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &ProtocolError{Code: CodeMalformedFrame, Message: err.Error()}
	}
	if msg.Type == "" {
		return nil, &ProtocolError{Code: CodeMissingType, Message: "frame has no type tag"}
	}
	if !msg.Type.Valid() {
		return nil, &ProtocolError{Code: CodeUnknownType, Message: fmt.Sprintf("unknown message type %q", msg.Type)}
	}
	if msg.CorrelationID() == "" {
		return nil, &ProtocolError{Code: CodeMissingCorrelation, Message: string(msg.Type) + " frame has no session_id or prev_response_id"}
	}
	return &msg, nil
}

// Encode validates and serializes the message for sending.
func (m *Message) Encode() ([]byte, error) {
	if !m.Type.Valid() {
		return nil, &ProtocolError{Code: CodeUnknownType, Message: fmt.Sprintf("unknown message type %q", m.Type)}
	}
	if m.CorrelationID() == "" {
		return nil, &ProtocolError{Code: CodeMissingCorrelation, Message: "outgoing message has no session_id"}
	}
	return json.Marshal(m)
}

// NewRegister builds the registration message for a device session. The
// coordinator declares the device it manages on this socket; the relay
// confirms with a HEARTBEAT(ok) echoing the session id.
func NewRegister(clientID, deviceID string, capabilities []string, metadata map[string]any) (*Message, error) {
	payload, err := json.Marshal(RegisterPayload{
		DeviceID:     deviceID,
		Capabilities: capabilities,
		Metadata:     metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("encode register payload: %w", err)
	}
	msg := newRequest(TypeRegister, clientID)
	msg.Payload = payload
	return msg, nil
}

// NewHeartbeat builds a liveness probe. The reply echoes the session id
// with status ok.
func NewHeartbeat(clientID string) *Message {
	return newRequest(TypeHeartbeat, clientID)
}

// NewTask builds a task submission addressed to one device.
func NewTask(clientID, targetID, taskID, description string, data map[string]any) (*Message, error) {
	payload, err := json.Marshal(TaskPayload{
		TaskID:      taskID,
		Description: description,
		Data:        data,
	})
	if err != nil {
		return nil, fmt.Errorf("encode task payload: %w", err)
	}
	msg := newRequest(TypeTask, clientID)
	msg.TargetID = targetID
	msg.Payload = payload
	return msg, nil
}

// NewDeviceInfoRequest builds a device-info query addressed to one device.
func NewDeviceInfoRequest(clientID, targetID string) (*Message, error) {
	payload, err := json.Marshal(DeviceInfoRequestPayload{RequestID: uuid.NewString()})
	if err != nil {
		return nil, fmt.Errorf("encode device info request payload: %w", err)
	}
	msg := newRequest(TypeDeviceInfoRequest, clientID)
	msg.TargetID = targetID
	msg.Payload = payload
	return msg, nil
}

func newRequest(t MessageType, clientID string) *Message {
	return &Message{
		Type:       t,
		Timestamp:  time.Now().UTC(),
		ClientType: ClientConstellation,
		ClientID:   clientID,
		SessionID:  uuid.NewString(),
	}
}

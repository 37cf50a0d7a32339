package aip

import (
	"encoding/json"
	"fmt"
)

// RegisterPayload declares a client to the relay.
type RegisterPayload struct {
	DeviceID     string         `json:"device_id"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// DeviceInfoRequestPayload asks a device to describe itself.
type DeviceInfoRequestPayload struct {
	RequestID string `json:"request_id"`
}

// DeviceInfoResponsePayload carries the reply to a device-info request.
// DeviceInfo is kept as a free-form map: devices report whatever fields
// they have (os, cpu_count, screen_resolution, ...) and the coordinator
// stores them without interpretation.
type DeviceInfoResponsePayload struct {
	DeviceID   string         `json:"device_id"`
	DeviceInfo map[string]any `json:"device_info"`
}

// TaskPayload carries one task submission.
type TaskPayload struct {
	TaskID      string         `json:"task_id"`
	Description string         `json:"description,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// Action is one step in a command batch. The coordinator forwards actions
// without interpreting them.
type Action struct {
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// CommandPayload carries a batch of device actions.
type CommandPayload struct {
	Actions []Action `json:"actions"`
}

// ActionResult is one entry in a streamed progress report.
type ActionResult struct {
	Action string `json:"action"`
	Status string `json:"status,omitempty"`
	Result any    `json:"result,omitempty"`
}

// CommandResultsPayload carries streamed intermediate results for a task.
type CommandResultsPayload struct {
	ActionResults []ActionResult `json:"action_results"`
}

// TaskEndPayload carries the terminal outcome of a task.
type TaskEndPayload struct {
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// ErrorPayload carries a structured protocol-level error.
type ErrorPayload struct {
	ErrorCode string         `json:"error_code"`
	Message   string         `json:"message,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Register decodes the payload of a REGISTER message.
func (m *Message) Register() (*RegisterPayload, error) {
	var p RegisterPayload
	if err := m.decodePayload(TypeRegister, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Task decodes the payload of a TASK message.
func (m *Message) Task() (*TaskPayload, error) {
	var p TaskPayload
	if err := m.decodePayload(TypeTask, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DeviceInfoResponse decodes the payload of a DEVICE_INFO_RESPONSE message.
func (m *Message) DeviceInfoResponse() (*DeviceInfoResponsePayload, error) {
	var p DeviceInfoResponsePayload
	if err := m.decodePayload(TypeDeviceInfoResponse, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CommandResults decodes the payload of a COMMAND_RESULTS message.
func (m *Message) CommandResults() (*CommandResultsPayload, error) {
	var p CommandResultsPayload
	if err := m.decodePayload(TypeCommandResults, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// TaskEnd decodes the payload of a TASK_END message.
func (m *Message) TaskEnd() (*TaskEndPayload, error) {
	var p TaskEndPayload
	if err := m.decodePayload(TypeTaskEnd, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ErrorInfo decodes the payload of an ERROR message.
func (m *Message) ErrorInfo() (*ErrorPayload, error) {
	var p ErrorPayload
	if err := m.decodePayload(TypeError, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (m *Message) decodePayload(want MessageType, into any) error {
	if m.Type != want {
		return &ProtocolError{
			Code:    CodeSchemaViolation,
			Message: fmt.Sprintf("expected %s payload, message is %s", want, m.Type),
		}
	}
	if len(m.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Payload, into); err != nil {
		return &ProtocolError{
			Code:    CodeSchemaViolation,
			Message: fmt.Sprintf("decode %s payload: %v", want, err),
		}
	}
	return nil
}

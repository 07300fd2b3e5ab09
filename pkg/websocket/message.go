// Package websocket defines the device control WebSocket wire protocol.
//
// Frames are flat JSON objects discriminated by a "type" field:
//
//	{"type":"device_online","specs":{...}}
//	{"type":"registered","device_id":"device_6100","frp_port":6100,...}
//	{"type":"ping"} / {"type":"pong"}
//	{"type":"task_progress",...} / {"type":"log",...}
package websocket

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame types carried on the device control channel.
const (
	TypeDeviceOnline = "device_online"
	TypeRegistered   = "registered"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeTaskProgress = "task_progress"
	TypeLog          = "log"
	TypeError        = "error"
)

// Message is a partially decoded frame: the type discriminator plus the
// raw bytes for a typed second-pass decode.
type Message struct {
	Type string `json:"type"`
	raw  json.RawMessage
}

// Parse extracts the frame type and retains the raw frame for Decode.
func Parse(data []byte) (*Message, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}
	if head.Type == "" {
		return nil, fmt.Errorf("invalid frame: missing type")
	}
	return &Message{Type: head.Type, raw: append(json.RawMessage(nil), data...)}, nil
}

// Decode unmarshals the full frame into a typed struct.
func (m *Message) Decode(v interface{}) error {
	if m.raw == nil {
		return nil
	}
	return json.Unmarshal(m.raw, v)
}

// Raw returns the original frame bytes.
func (m *Message) Raw() []byte {
	return m.raw
}

// Encode marshals a typed frame for the wire.
func Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// DeviceOnline is the first frame a device must send after connecting.
// Specs stay raw here; the gateway decodes them into the registry's type.
type DeviceOnline struct {
	Type  string          `json:"type"`
	Specs json.RawMessage `json:"specs"`
}

// Registered is the server's reply to a successful device_online.
type Registered struct {
	Type      string    `json:"type"`
	DeviceID  string    `json:"device_id"`
	FRPPort   int       `json:"frp_port"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NewRegistered builds a registered reply frame.
func NewRegistered(deviceID string, frpPort int, message string) *Registered {
	return &Registered{
		Type:      TypeRegistered,
		DeviceID:  deviceID,
		FRPPort:   frpPort,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// Heartbeat is a ping or pong frame.
type Heartbeat struct {
	Type string `json:"type"`
}

// NewPing builds an application-level ping frame.
func NewPing() *Heartbeat { return &Heartbeat{Type: TypePing} }

// NewPong builds an application-level pong frame.
func NewPong() *Heartbeat { return &Heartbeat{Type: TypePong} }

// TaskProgress is informational traffic from a device about a running task.
type TaskProgress struct {
	Type      string `json:"type"`
	TaskID    string `json:"task_id"`
	StepIndex int    `json:"step_index,omitempty"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Log is an informational log line forwarded by a device.
type Log struct {
	Type    string `json:"type"`
	Level   string `json:"level,omitempty"`
	Message string `json:"message"`
}

// ErrorFrame reports a protocol or registration error to the device.
type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewErrorFrame builds an error frame.
func NewErrorFrame(code, message string) *ErrorFrame {
	return &ErrorFrame{Type: TypeError, Code: code, Message: message}
}

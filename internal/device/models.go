// Package device defines the fleet's device model and the components
// that maintain it: port allocator, data channels, registry, scanner
// and zombie reaper.
package device

import (
	"encoding/json"
	"fmt"
	"time"

	v1 "github.com/autofleet/autofleet/pkg/api/v1"
)

// Kind distinguishes phones from desktop PCs.
type Kind string

const (
	KindPhone Kind = "phone"
	KindPC    Kind = "pc"
)

// Status is the derived availability of a device.
type Status string

const (
	StatusOffline Status = "offline"
	StatusOnline  Status = "online"
	StatusBusy    Status = "busy"
	StatusError   Status = "error"
)

// Specs is the hardware report a device sends with device_online, plus
// the PC-only fields learned from its /health endpoint.
type Specs struct {
	DeviceName       string  `json:"device_name,omitempty"`
	DeviceType       string  `json:"device_type,omitempty"`
	Model            string  `json:"model,omitempty"`
	OS               string  `json:"os,omitempty"`
	OSVersion        string  `json:"os_version,omitempty"`
	ScreenResolution string  `json:"screen_resolution,omitempty"`
	FRPPort          int     `json:"frp_port,omitempty"`
	Battery          int     `json:"battery,omitempty"`
	Ratio            float64 `json:"ratio,omitempty"`
	CtrlKey          string  `json:"ctrl_key,omitempty"`
	SearchKey        string  `json:"search_key,omitempty"`
}

// ParseSpecs decodes a raw device_online specs payload. Unknown fields
// are ignored so older clients keep working.
func ParseSpecs(raw json.RawMessage) (Specs, error) {
	var s Specs
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("decode device specs: %w", err)
	}
	return s, nil
}

// KindFromSpecs maps the declared device_type onto a Kind, defaulting
// to phone for unknown values.
func KindFromSpecs(s Specs) Kind {
	if s.DeviceType == string(KindPC) {
		return KindPC
	}
	return KindPhone
}

// Device is the canonical in-memory record for one fleet member.
// All mutation goes through the Registry; readers receive copies.
type Device struct {
	ID   string
	Name string
	Kind Kind
	Port int

	TunnelUp bool
	WSUp     bool
	Status   Status

	CurrentTaskID string
	LastHeartbeat time.Time
	LastSeen      time.Time

	Specs Specs

	TotalTasks   int
	SuccessTasks int
	FailedTasks  int

	RegisteredAt time.Time
	UpdatedAt    time.Time
}

// DeviceID renders the stable identity derived from the tunnel port.
func DeviceID(port int) string {
	return fmt.Sprintf("device_%d", port)
}

// ChannelsUp reports whether the channels required for this kind are
// present: phones need both the tunnel and the control socket, PCs only
// the control socket.
func (d *Device) ChannelsUp() bool {
	if d.Kind == KindPC {
		return d.WSUp
	}
	return d.TunnelUp && d.WSUp
}

// DeriveStatus computes the canonical status from channel state and
// task assignment. An explicit error status sticks until a channel
// transition clears it.
func (d *Device) DeriveStatus() Status {
	if !d.ChannelsUp() {
		return StatusOffline
	}
	if d.Status == StatusError {
		return StatusError
	}
	if d.CurrentTaskID != "" {
		return StatusBusy
	}
	return StatusOnline
}

// Ready reports whether the device can take a new task: both channels
// up, online, and not already working.
func (d *Device) Ready() bool {
	return d.TunnelUp && d.WSUp && d.Status == StatusOnline && d.CurrentTaskID == ""
}

// SuccessRate is the fraction of finished tasks that succeeded.
func (d *Device) SuccessRate() float64 {
	if d.TotalTasks == 0 {
		return 0
	}
	return float64(d.SuccessTasks) / float64(d.TotalTasks)
}

// Clone returns a snapshot safe to hand outside the registry lock.
func (d *Device) Clone() *Device {
	c := *d
	return &c
}

// ToAPI converts the device to its API representation.
func (d *Device) ToAPI() *v1.Device {
	out := &v1.Device{
		ID:            d.ID,
		Name:          d.Name,
		Kind:          v1.DeviceKind(d.Kind),
		Port:          d.Port,
		Status:        v1.DeviceStatus(d.Status),
		TunnelUp:      d.TunnelUp,
		WSUp:          d.WSUp,
		CurrentTaskID: d.CurrentTaskID,
		Specs: v1.DeviceSpecs{
			DeviceName:       d.Specs.DeviceName,
			Model:            d.Specs.Model,
			OS:               d.Specs.OS,
			OSVersion:        d.Specs.OSVersion,
			ScreenResolution: d.Specs.ScreenResolution,
			Battery:          d.Specs.Battery,
			Ratio:            d.Specs.Ratio,
			CtrlKey:          d.Specs.CtrlKey,
			SearchKey:        d.Specs.SearchKey,
		},
		TotalTasks:   d.TotalTasks,
		SuccessTasks: d.SuccessTasks,
		FailedTasks:  d.FailedTasks,
		SuccessRate:  d.SuccessRate(),
		RegisteredAt: d.RegisteredAt,
		UpdatedAt:    d.UpdatedAt,
	}
	if !d.LastHeartbeat.IsZero() {
		hb := d.LastHeartbeat
		out.LastHeartbeat = &hb
	}
	return out
}

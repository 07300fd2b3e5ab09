package v1

import "time"

// DeviceKind distinguishes the two fleet populations.
type DeviceKind string

const (
	DeviceKindPhone DeviceKind = "phone"
	DeviceKindPC    DeviceKind = "pc"
)

// DeviceStatus is the derived availability of a device.
type DeviceStatus string

const (
	DeviceStatusOffline DeviceStatus = "offline"
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusBusy    DeviceStatus = "busy"
	DeviceStatusError   DeviceStatus = "error"
)

// DeviceSpecs carries the hardware facts a device reports at registration.
// Ratio, CtrlKey and SearchKey are PC-only (reported by its /health probe).
type DeviceSpecs struct {
	DeviceName       string  `json:"device_name,omitempty"`
	Model            string  `json:"model,omitempty"`
	OS               string  `json:"os,omitempty"`
	OSVersion        string  `json:"os_version,omitempty"`
	ScreenResolution string  `json:"screen_resolution,omitempty"`
	Battery          int     `json:"battery,omitempty"`
	Ratio            float64 `json:"ratio,omitempty"`
	CtrlKey          string  `json:"ctrl_key,omitempty"`
	SearchKey        string  `json:"search_key,omitempty"`
}

// Device is the API view of a registered device.
type Device struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Kind          DeviceKind   `json:"kind"`
	Port          int          `json:"port"`
	Status        DeviceStatus `json:"status"`
	TunnelUp      bool         `json:"tunnel_up"`
	WSUp          bool         `json:"ws_up"`
	CurrentTaskID string       `json:"current_task_id,omitempty"`
	LastHeartbeat *time.Time   `json:"last_heartbeat,omitempty"`
	Specs         DeviceSpecs  `json:"specs"`
	TotalTasks    int          `json:"total_tasks"`
	SuccessTasks  int          `json:"success_tasks"`
	FailedTasks   int          `json:"failed_tasks"`
	SuccessRate   float64      `json:"success_rate"`
	RegisteredAt  time.Time    `json:"registered_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// DeviceList is the response envelope for the device listing.
type DeviceList struct {
	Devices []Device `json:"devices"`
	Total   int      `json:"total"`
}

// DeviceCommandRequest is an opaque passthrough command for one device.
type DeviceCommandRequest struct {
	Command string                 `json:"command" binding:"required"`
	Args    map[string]interface{} `json:"args,omitempty"`
}

// DeviceCommandResponse reports the channel result of a passthrough command.
type DeviceCommandResponse struct {
	Success bool                   `json:"success"`
	Output  map[string]interface{} `json:"output,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// Package events provides event subjects and utilities for the fleet event system.
package events

// Event types for tasks
const (
	TaskCreated       = "task.created"
	TaskStatusChanged = "task.status_change"
	TaskStep          = "task.step"
	TaskAwaitingUser  = "task.awaiting_user"
	TaskAnswered      = "task.answered"
)

// Event types for devices
const (
	DeviceOnline  = "device.online"
	DeviceOffline = "device.offline"
	DeviceUpdated = "device.updated"
)

// Event types for port management
const (
	PortEvicted  = "port.evicted"
	PortReaped   = "port.reaped"
	PortReleased = "port.released"
)

// BuildTaskStepSubject creates a step subject scoped to a task
func BuildTaskStepSubject(taskID string) string {
	return TaskStep + "." + taskID
}

// BuildTaskStepWildcardSubject creates a wildcard subscription for all step events
func BuildTaskStepWildcardSubject() string {
	return TaskStep + ".*"
}

// BuildTaskStatusSubject creates a status subject scoped to a task
func BuildTaskStatusSubject(taskID string) string {
	return TaskStatusChanged + "." + taskID
}

// BuildTaskStatusWildcardSubject creates a wildcard subscription for all status events
func BuildTaskStatusWildcardSubject() string {
	return TaskStatusChanged + ".*"
}

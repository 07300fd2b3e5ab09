package v1

import "time"

// TaskSummary is the persisted digest of a finished task's screenshots.
type TaskSummary struct {
	TaskID      string        `json:"task_id"`
	DeviceID    string        `json:"device_id,omitempty"`
	Instruction string        `json:"instruction"`
	Status      TaskStatus    `json:"status"`
	StepCount   int           `json:"step_count"`
	Steps       []StepSummary `json:"steps"`
	Tokens      TokenUsage    `json:"tokens"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// StepSummary is the per-step slice of a TaskSummary.
type StepSummary struct {
	Index       int            `json:"index"`
	Kind        string         `json:"kind"`
	Action      string         `json:"action,omitempty"`
	Thinking    string         `json:"thinking,omitempty"`
	Observation string         `json:"observation,omitempty"`
	Success     bool           `json:"success"`
	Screenshots ScreenshotRefs `json:"screenshots,omitempty"`
	DurationMS  int64          `json:"duration_ms"`
}

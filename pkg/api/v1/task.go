package v1

import "time"

// TaskStatus represents the state of an automation task.
type TaskStatus string

const (
	TaskStatusPending        TaskStatus = "pending"
	TaskStatusRunning        TaskStatus = "running"
	TaskStatusWaitingForUser TaskStatus = "waiting_for_user"
	TaskStatusCompleted      TaskStatus = "completed"
	TaskStatusFailed         TaskStatus = "failed"
	TaskStatusCancelled      TaskStatus = "cancelled"
)

// TokenUsage accumulates LLM token counters.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ScreenshotRefs holds store-relative paths for one step's captures.
type ScreenshotRefs struct {
	Original  string `json:"original,omitempty"`
	AI        string `json:"ai,omitempty"`
	Medium    string `json:"medium,omitempty"`
	Small     string `json:"small,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// Step is one recorded action of a task. Index is 1-based; preprocessing
// steps use index 0 and carry no screenshot.
type Step struct {
	Index       int                    `json:"index"`
	Kind        string                 `json:"kind"`
	Thinking    string                 `json:"thinking,omitempty"`
	Action      map[string]interface{} `json:"action,omitempty"`
	Observation string                 `json:"observation,omitempty"`
	Success     bool                   `json:"success"`
	Screenshots ScreenshotRefs         `json:"screenshots,omitempty"`
	Tokens      TokenUsage             `json:"tokens"`
	DurationMS  int64                  `json:"duration_ms"`
	CreatedAt   time.Time              `json:"created_at"`
}

// PendingQuestion is present while a task waits in waiting_for_user.
type PendingQuestion struct {
	Question string    `json:"question"`
	Options  []string  `json:"options,omitempty"`
	AskedAt  time.Time `json:"asked_at"`
}

// MemoryNote is one recorded piece of long-term task memory.
type MemoryNote struct {
	Content    string    `json:"content"`
	Category   string    `json:"category,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Memory is the free-form task memory maintained by the agent.
type Memory struct {
	Notes []MemoryNote `json:"notes,omitempty"`
	Todos string       `json:"todos,omitempty"`
}

// ModelConfig selects the LLM used for a task. APIKey is always masked
// in responses.
type ModelConfig struct {
	Model       string  `json:"model,omitempty"`
	BaseURL     string  `json:"base_url,omitempty"`
	APIKey      string  `json:"api_key,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`
}

// Task is the API view of an automation task.
type Task struct {
	ID              string           `json:"id"`
	Instruction     string           `json:"instruction"`
	DeviceID        string           `json:"device_id,omitempty"`
	Status          TaskStatus       `json:"status"`
	Priority        int              `json:"priority"`
	Kernel          string           `json:"kernel,omitempty"`
	Mode            string           `json:"mode,omitempty"`
	Model           *ModelConfig     `json:"model,omitempty"`
	Result          string           `json:"result,omitempty"`
	Error           string           `json:"error,omitempty"`
	Steps           []Step           `json:"steps,omitempty"`
	StepCount       int              `json:"step_count"`
	Tokens          TokenUsage       `json:"tokens"`
	Memory          *Memory          `json:"memory,omitempty"`
	PendingQuestion *PendingQuestion `json:"pending_question,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}

// CreateTaskRequest creates a new task. DeviceID is optional; when empty
// the scheduler picks the best available device.
type CreateTaskRequest struct {
	Instruction string       `json:"instruction" binding:"required"`
	DeviceID    string       `json:"device_id,omitempty"`
	Priority    int          `json:"priority,omitempty" binding:"omitempty,min=1,max=10"`
	Kernel      string       `json:"kernel,omitempty" binding:"omitempty,oneof=structured vision auto"`
	Model       *ModelConfig `json:"model,omitempty"`
}

// AnswerRequest supplies the user's answer to a pending ask_user question.
type AnswerRequest struct {
	Answer string `json:"answer" binding:"required"`
}

// TaskList is the paginated list response.
type TaskList struct {
	Tasks  []Task `json:"tasks"`
	Total  int    `json:"total"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

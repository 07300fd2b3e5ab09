// Package models defines the task domain: the Task record with its
// state machine, the per-step bookkeeping, and the strict API input
// decoding. All mutation goes through the scheduler; these types only
// enforce the transition rules.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/autofleet/autofleet/internal/device"
	"github.com/autofleet/autofleet/internal/llm"
	v1 "github.com/autofleet/autofleet/pkg/api/v1"
)

// Step kinds. Preprocessing steps are produced by the rule engine
// before the kernel starts and carry index 0 and no screenshot.
const (
	StepKindPreprocessing = "preprocessing"
	StepKindLLM           = "llm"
)

// DefaultPriority is assigned when the caller does not pick one.
const DefaultPriority = 5

// CancelledByUser is the error recorded on user-initiated cancellation.
const CancelledByUser = "Task cancelled by user"

// Step is one recorded perceive-decide-execute iteration.
type Step struct {
	Index       int                    `json:"index"`
	Kind        string                 `json:"kind"`
	Thinking    string                 `json:"thinking,omitempty"`
	Action      map[string]interface{} `json:"action,omitempty"`
	Observation string                 `json:"observation,omitempty"`
	Success     bool                   `json:"success"`
	Screenshots v1.ScreenshotRefs      `json:"screenshots,omitempty"`
	Tokens      v1.TokenUsage          `json:"tokens"`
	DurationMS  int64                  `json:"duration_ms"`
	CreatedAt   time.Time              `json:"created_at"`
}

// ActionType extracts the action discriminator for logs and summaries.
func (s *Step) ActionType() string {
	if s.Action == nil {
		return ""
	}
	if t, ok := s.Action["action"].(string); ok {
		return t
	}
	return ""
}

// ToAPI converts the step to its API representation.
func (s *Step) ToAPI() v1.Step {
	return v1.Step{
		Index:       s.Index,
		Kind:        s.Kind,
		Thinking:    s.Thinking,
		Action:      s.Action,
		Observation: s.Observation,
		Success:     s.Success,
		Screenshots: s.Screenshots,
		Tokens:      s.Tokens,
		DurationMS:  s.DurationMS,
		CreatedAt:   s.CreatedAt,
	}
}

// MemoryNote is one recorded piece of long-term task memory.
type MemoryNote struct {
	Content    string    `json:"content"`
	Category   string    `json:"category,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Memory is the free-form memory a kernel maintains across steps:
// recorded content notes plus a markdown todo list it may replace.
type Memory struct {
	Notes []MemoryNote `json:"notes,omitempty"`
	Todos string       `json:"todos,omitempty"`
}

// Empty reports whether there is nothing worth persisting.
func (m *Memory) Empty() bool {
	return len(m.Notes) == 0 && m.Todos == ""
}

// PendingQuestion exists exactly while the task sits in
// waiting_for_user.
type PendingQuestion struct {
	Question string    `json:"question"`
	Options  []string  `json:"options,omitempty"`
	AskedAt  time.Time `json:"asked_at"`
}

// ModelConfig overrides the server's default LLM selection for one
// task. The API key is never serialized back out unmasked.
type ModelConfig struct {
	Model       string  `json:"model,omitempty"`
	BaseURL     string  `json:"base_url,omitempty"`
	APIKey      string  `json:"api_key,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`
}

// Masked returns the API view with the key elided to prefix8…suffix4.
func (m *ModelConfig) Masked() *v1.ModelConfig {
	if m == nil {
		return nil
	}
	return &v1.ModelConfig{
		Model:       m.Model,
		BaseURL:     m.BaseURL,
		APIKey:      llm.MaskKey(m.APIKey),
		MaxTokens:   m.MaxTokens,
		Temperature: m.Temperature,
	}
}

// Task is the canonical record for one automation task.
type Task struct {
	ID          string        `json:"id"`
	Instruction string        `json:"instruction"`
	DeviceID    string        `json:"device_id,omitempty"`
	DeviceKind  device.Kind   `json:"device_kind,omitempty"`
	Status      v1.TaskStatus `json:"status"`
	Priority    int           `json:"priority"`

	// Kernel selects the agent loop: structured, vision or auto.
	Kernel string       `json:"kernel,omitempty"`
	Model  *ModelConfig `json:"model,omitempty"`

	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	Steps  []*Step       `json:"steps,omitempty"`
	Tokens v1.TokenUsage `json:"tokens"`

	// Mode records which kernel path actually ran, including the
	// hybrid handover marker.
	Mode string `json:"mode,omitempty"`

	Memory          Memory           `json:"memory,omitempty"`
	PendingQuestion *PendingQuestion `json:"pending_question,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// New builds a pending task from a validated creation request.
func New(req *v1.CreateTaskRequest) *Task {
	now := time.Now().UTC()
	priority := req.Priority
	if priority == 0 {
		priority = DefaultPriority
	}
	t := &Task{
		ID:          uuid.New().String(),
		Instruction: strings.TrimSpace(req.Instruction),
		DeviceID:    req.DeviceID,
		Status:      v1.TaskStatusPending,
		Priority:    priority,
		Kernel:      req.Kernel,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.Model != nil {
		t.Model = &ModelConfig{
			Model:       req.Model.Model,
			BaseURL:     req.Model.BaseURL,
			APIKey:      req.Model.APIKey,
			MaxTokens:   req.Model.MaxTokens,
			Temperature: req.Model.Temperature,
		}
	}
	return t
}

// IsTerminal reports whether the status absorbs further transitions.
func (t *Task) IsTerminal() bool {
	return IsTerminalStatus(t.Status)
}

// IsTerminalStatus reports whether a status is absorbing.
func IsTerminalStatus(s v1.TaskStatus) bool {
	switch s {
	case v1.TaskStatusCompleted, v1.TaskStatusFailed, v1.TaskStatusCancelled:
		return true
	}
	return false
}

// CanCancel reports whether cancel() is valid in the current state.
func (t *Task) CanCancel() bool {
	switch t.Status {
	case v1.TaskStatusPending, v1.TaskStatusRunning, v1.TaskStatusWaitingForUser:
		return true
	}
	return false
}

// MarkRunning performs the pending→running transition, binding the
// device and stamping started_at.
func (t *Task) MarkRunning(deviceID string, kind device.Kind, now time.Time) error {
	if t.Status != v1.TaskStatusPending {
		return fmt.Errorf("task %s is %s, not pending", t.ID, t.Status)
	}
	t.Status = v1.TaskStatusRunning
	t.DeviceID = deviceID
	t.DeviceKind = kind
	t.StartedAt = &now
	t.UpdatedAt = now
	return nil
}

// MarkWaiting suspends the task on an ask_user question. Exactly one
// pending question exists while waiting.
func (t *Task) MarkWaiting(question string, options []string, now time.Time) error {
	if t.Status != v1.TaskStatusRunning {
		return fmt.Errorf("task %s is %s, not running", t.ID, t.Status)
	}
	t.Status = v1.TaskStatusWaitingForUser
	t.PendingQuestion = &PendingQuestion{Question: question, Options: options, AskedAt: now}
	t.UpdatedAt = now
	return nil
}

// MarkAnswered resumes a waiting task and clears the question.
func (t *Task) MarkAnswered(now time.Time) {
	if t.Status == v1.TaskStatusWaitingForUser {
		t.Status = v1.TaskStatusRunning
	}
	t.PendingQuestion = nil
	t.UpdatedAt = now
}

// MarkTerminal applies a terminal transition. Terminal states are
// absorbing: a second call is rejected so racing finalizers cannot
// overwrite each other.
func (t *Task) MarkTerminal(status v1.TaskStatus, result, errMsg string, now time.Time) error {
	if !IsTerminalStatus(status) {
		return fmt.Errorf("%s is not a terminal status", status)
	}
	if t.IsTerminal() {
		return fmt.Errorf("task %s already %s", t.ID, t.Status)
	}
	t.Status = status
	t.Result = result
	t.Error = errMsg
	t.PendingQuestion = nil
	t.CompletedAt = &now
	t.UpdatedAt = now
	return nil
}

// AppendStep attaches a step, keeping the list ordered by index.
func (t *Task) AppendStep(s *Step) {
	t.Steps = append(t.Steps, s)
	t.UpdatedAt = time.Now().UTC()
}

// Step returns the step with the given index, if recorded.
func (t *Task) Step(index int) (*Step, bool) {
	for _, s := range t.Steps {
		if s.Index == index {
			return s, true
		}
	}
	return nil, false
}

// AddTokens accumulates usage onto the task counters.
func (t *Task) AddTokens(prompt, completion, total int) {
	t.Tokens.PromptTokens += prompt
	t.Tokens.CompletionTokens += completion
	t.Tokens.TotalTokens += total
}

// Clone returns a deep snapshot safe to hand outside the scheduler
// lock.
func (t *Task) Clone() *Task {
	c := *t
	if t.StartedAt != nil {
		st := *t.StartedAt
		c.StartedAt = &st
	}
	if t.CompletedAt != nil {
		ct := *t.CompletedAt
		c.CompletedAt = &ct
	}
	if t.Model != nil {
		mc := *t.Model
		c.Model = &mc
	}
	if t.PendingQuestion != nil {
		pq := *t.PendingQuestion
		pq.Options = append([]string(nil), t.PendingQuestion.Options...)
		c.PendingQuestion = &pq
	}
	c.Memory.Notes = append([]MemoryNote(nil), t.Memory.Notes...)
	c.Steps = make([]*Step, len(t.Steps))
	for i, s := range t.Steps {
		sc := *s
		c.Steps[i] = &sc
	}
	return &c
}

// ToAPI converts the task to its API representation. Steps are
// included only when withSteps is set; list endpoints return the
// digest form.
func (t *Task) ToAPI(withSteps bool) *v1.Task {
	out := &v1.Task{
		ID:          t.ID,
		Instruction: t.Instruction,
		DeviceID:    t.DeviceID,
		Status:      t.Status,
		Priority:    t.Priority,
		Kernel:      t.Kernel,
		Mode:        t.Mode,
		Model:       t.Model.Masked(),
		Result:      t.Result,
		Error:       t.Error,
		StepCount:   len(t.Steps),
		Tokens:      t.Tokens,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
	}
	if withSteps {
		out.Steps = make([]v1.Step, len(t.Steps))
		for i, s := range t.Steps {
			out.Steps[i] = s.ToAPI()
		}
	}
	if !t.Memory.Empty() {
		mem := &v1.Memory{Todos: t.Memory.Todos}
		for _, n := range t.Memory.Notes {
			mem.Notes = append(mem.Notes, v1.MemoryNote{
				Content:    n.Content,
				Category:   n.Category,
				RecordedAt: n.RecordedAt,
			})
		}
		out.Memory = mem
	}
	if t.PendingQuestion != nil {
		out.PendingQuestion = &v1.PendingQuestion{
			Question: t.PendingQuestion.Question,
			Options:  t.PendingQuestion.Options,
			AskedAt:  t.PendingQuestion.AskedAt,
		}
	}
	return out
}

// Summary renders the persisted screenshot-store digest.
func (t *Task) Summary() *v1.TaskSummary {
	sum := &v1.TaskSummary{
		TaskID:      t.ID,
		DeviceID:    t.DeviceID,
		Instruction: t.Instruction,
		Status:      t.Status,
		StepCount:   len(t.Steps),
		Tokens:      t.Tokens,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
	}
	sum.Steps = make([]v1.StepSummary, len(t.Steps))
	for i, s := range t.Steps {
		sum.Steps[i] = v1.StepSummary{
			Index:       s.Index,
			Kind:        s.Kind,
			Action:      s.ActionType(),
			Thinking:    s.Thinking,
			Observation: s.Observation,
			Success:     s.Success,
			Screenshots: s.Screenshots,
			DurationMS:  s.DurationMS,
		}
	}
	return sum
}

// DecodeCreateRequest decodes a task creation payload strictly:
// unknown fields are rejected so config typos fail loudly instead of
// silently running with defaults.
func DecodeCreateRequest(data []byte) (*v1.CreateTaskRequest, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var req v1.CreateTaskRequest
	if err := dec.Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid task spec: %w", err)
	}
	if strings.TrimSpace(req.Instruction) == "" {
		return nil, fmt.Errorf("invalid task spec: instruction is required")
	}
	if req.Priority != 0 && (req.Priority < 1 || req.Priority > 10) {
		return nil, fmt.Errorf("invalid task spec: priority must be between 1 and 10")
	}
	switch req.Kernel {
	case "", "structured", "vision", "auto":
	default:
		return nil, fmt.Errorf("invalid task spec: kernel must be structured, vision or auto")
	}
	return &req, nil
}

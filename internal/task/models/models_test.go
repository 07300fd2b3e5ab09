package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autofleet/autofleet/internal/device"
	v1 "github.com/autofleet/autofleet/pkg/api/v1"
)

func TestNewTaskDefaults(t *testing.T) {
	task := New(&v1.CreateTaskRequest{Instruction: "  open settings  "})

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "open settings", task.Instruction)
	assert.Equal(t, v1.TaskStatusPending, task.Status)
	assert.Equal(t, DefaultPriority, task.Priority)
	assert.Nil(t, task.StartedAt)
	assert.Nil(t, task.CompletedAt)
}

func TestTaskLifecycle(t *testing.T) {
	task := New(&v1.CreateTaskRequest{Instruction: "check the weather"})
	now := time.Now().UTC()

	require.NoError(t, task.MarkRunning("device_6101", device.KindPhone, now))
	assert.Equal(t, v1.TaskStatusRunning, task.Status)
	assert.Equal(t, "device_6101", task.DeviceID)
	require.NotNil(t, task.StartedAt)
	assert.Equal(t, now, *task.StartedAt)

	// Running twice is invalid.
	assert.Error(t, task.MarkRunning("device_6101", device.KindPhone, now))

	require.NoError(t, task.MarkWaiting("which city?", []string{"Beijing", "Shanghai"}, now))
	assert.Equal(t, v1.TaskStatusWaitingForUser, task.Status)
	require.NotNil(t, task.PendingQuestion)
	assert.Equal(t, "which city?", task.PendingQuestion.Question)

	task.MarkAnswered(now)
	assert.Equal(t, v1.TaskStatusRunning, task.Status)
	assert.Nil(t, task.PendingQuestion)

	done := now.Add(time.Second)
	require.NoError(t, task.MarkTerminal(v1.TaskStatusCompleted, "sunny, 25C", "", done))
	assert.Equal(t, v1.TaskStatusCompleted, task.Status)
	assert.True(t, task.IsTerminal())
	require.NotNil(t, task.CompletedAt)
	assert.Equal(t, done, *task.CompletedAt)
}

func TestTerminalIsAbsorbing(t *testing.T) {
	task := New(&v1.CreateTaskRequest{Instruction: "x"})
	now := time.Now().UTC()
	require.NoError(t, task.MarkRunning("device_6101", device.KindPhone, now))
	require.NoError(t, task.MarkTerminal(v1.TaskStatusCancelled, "", CancelledByUser, now))

	// A racing finalizer must not flip a terminal status.
	err := task.MarkTerminal(v1.TaskStatusFailed, "", "too late", now)
	assert.Error(t, err)
	assert.Equal(t, v1.TaskStatusCancelled, task.Status)
	assert.Equal(t, CancelledByUser, task.Error)

	assert.Error(t, task.MarkTerminal(v1.TaskStatusRunning, "", "", now))
}

func TestCanCancel(t *testing.T) {
	task := New(&v1.CreateTaskRequest{Instruction: "x"})
	assert.True(t, task.CanCancel())

	now := time.Now().UTC()
	require.NoError(t, task.MarkRunning("device_6101", device.KindPhone, now))
	assert.True(t, task.CanCancel())

	require.NoError(t, task.MarkWaiting("?", nil, now))
	assert.True(t, task.CanCancel())

	task.MarkAnswered(now)
	require.NoError(t, task.MarkTerminal(v1.TaskStatusCompleted, "ok", "", now))
	assert.False(t, task.CanCancel())
}

func TestCloneIsDeep(t *testing.T) {
	task := New(&v1.CreateTaskRequest{Instruction: "x"})
	now := time.Now().UTC()
	require.NoError(t, task.MarkRunning("device_6101", device.KindPhone, now))
	task.AppendStep(&Step{Index: 1, Kind: StepKindLLM, Thinking: "tap", Success: true})
	task.Memory.Notes = append(task.Memory.Notes, MemoryNote{Content: "price is 42", RecordedAt: now})

	clone := task.Clone()
	clone.Steps[0].Thinking = "mutated"
	clone.Memory.Notes[0].Content = "mutated"
	clone.DeviceID = "device_6200"

	assert.Equal(t, "tap", task.Steps[0].Thinking)
	assert.Equal(t, "price is 42", task.Memory.Notes[0].Content)
	assert.Equal(t, "device_6101", task.DeviceID)
}

func TestToAPIMasksKey(t *testing.T) {
	task := New(&v1.CreateTaskRequest{
		Instruction: "x",
		Model: &v1.ModelConfig{
			Model:  "gpt-4o",
			APIKey: "sk-abcdefghijklmnopqrstuvwxyz123456",
		},
	})

	out := task.ToAPI(false)
	require.NotNil(t, out.Model)
	assert.Equal(t, "sk-abcde…3456", out.Model.APIKey)
	assert.NotContains(t, out.Model.APIKey, "ghijklmnop")
}

func TestToAPISteps(t *testing.T) {
	task := New(&v1.CreateTaskRequest{Instruction: "x"})
	task.AppendStep(&Step{Index: 1, Kind: StepKindLLM, Action: map[string]interface{}{"action": "tap"}, Success: true})
	task.AppendStep(&Step{Index: 2, Kind: StepKindLLM, Action: map[string]interface{}{"action": "done"}, Success: true})

	digest := task.ToAPI(false)
	assert.Empty(t, digest.Steps)
	assert.Equal(t, 2, digest.StepCount)

	full := task.ToAPI(true)
	require.Len(t, full.Steps, 2)
	assert.Equal(t, 1, full.Steps[0].Index)
	assert.Equal(t, "tap", full.Steps[0].Action["action"])
}

func TestStepActionType(t *testing.T) {
	s := &Step{Action: map[string]interface{}{"action": "swipe", "direction": "up"}}
	assert.Equal(t, "swipe", s.ActionType())
	assert.Equal(t, "", (&Step{}).ActionType())
}

func TestDecodeCreateRequest(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"valid minimal", `{"instruction":"open settings"}`, false},
		{"valid full", `{"instruction":"open settings","device_id":"device_6101","priority":8,"kernel":"vision"}`, false},
		{"unknown field", `{"instruction":"x","bogus":true}`, true},
		{"missing instruction", `{"priority":5}`, true},
		{"blank instruction", `{"instruction":"   "}`, true},
		{"priority too low", `{"instruction":"x","priority":0}`, false},
		{"priority out of range", `{"instruction":"x","priority":11}`, true},
		{"bad kernel", `{"instruction":"x","kernel":"quantum"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := DecodeCreateRequest([]byte(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, req)
		})
	}
}

func TestSummary(t *testing.T) {
	task := New(&v1.CreateTaskRequest{Instruction: "buy milk"})
	now := time.Now().UTC()
	require.NoError(t, task.MarkRunning("device_6101", device.KindPhone, now))
	task.AppendStep(&Step{
		Index:   1,
		Kind:    StepKindLLM,
		Action:  map[string]interface{}{"action": "tap"},
		Success: true,
		Screenshots: v1.ScreenshotRefs{
			Original:  "steps/step_001_original.png",
			Thumbnail: "steps/step_001_thumb.jpg",
		},
	})
	require.NoError(t, task.MarkTerminal(v1.TaskStatusCompleted, "done", "", now))

	sum := task.Summary()
	assert.Equal(t, task.ID, sum.TaskID)
	assert.Equal(t, 1, sum.StepCount)
	require.Len(t, sum.Steps, 1)
	assert.Equal(t, "tap", sum.Steps[0].Action)
	assert.Equal(t, "steps/step_001_thumb.jpg", sum.Steps[0].Screenshots.Thumbnail)
}

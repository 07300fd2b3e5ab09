package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/autofleet/autofleet/internal/agent/kernel"
	"github.com/autofleet/autofleet/internal/audit"
	"github.com/autofleet/autofleet/internal/device"
	"github.com/autofleet/autofleet/internal/device/channel"
	"github.com/autofleet/autofleet/internal/events"
	"github.com/autofleet/autofleet/internal/screenshot"
	"github.com/autofleet/autofleet/internal/task/models"
	"github.com/autofleet/autofleet/internal/task/repository"
	v1 "github.com/autofleet/autofleet/pkg/api/v1"
)

// taskSink receives the kernel callbacks for one running task. It
// appends steps under the scheduler lock, persists after every
// mutation, and captures screenshots off the kernel loop so step
// throughput stays close to one model round trip.
type taskSink struct {
	s           *Scheduler
	rt          *running
	dev         *device.Device
	ch          channel.Channel
	kernelLabel string
	model       string

	// captures tracks in-flight screenshot goroutines; the run
	// goroutine drains it before finalizing.
	captures sync.WaitGroup

	mu      sync.Mutex
	cur     *models.Step
	started time.Time
}

var (
	_ kernel.StepSink   = (*taskSink)(nil)
	_ kernel.EffectSink = (*taskSink)(nil)
)

func (t *taskSink) OnStepStart(_ context.Context, index int, info kernel.StepInfo) {
	now := t.s.now()
	t.mu.Lock()
	t.cur = &models.Step{
		Index:     index,
		Kind:      models.StepKindLLM,
		Thinking:  info.Thinking,
		Action:    info.Action,
		Tokens:    v1.TokenUsage{TotalTokens: info.TokensUsed},
		CreatedAt: now,
	}
	t.started = now
	t.mu.Unlock()
}

func (t *taskSink) OnStepComplete(ctx context.Context, index int, success bool, thinking, observation string) {
	now := t.s.now()
	t.mu.Lock()
	step := t.cur
	if step == nil || step.Index != index {
		// Defensive: complete arrived without a matching start.
		step = &models.Step{Index: index, Kind: models.StepKindLLM, CreatedAt: now}
	}
	t.cur = nil
	step.Success = success
	step.Thinking = thinking
	step.Observation = observation
	step.DurationMS = now.Sub(t.started).Milliseconds()
	t.mu.Unlock()

	s := t.s
	taskID := t.rt.task.ID

	s.mu.Lock()
	t.rt.task.AppendStep(step)
	t.rt.task.AddTokens(0, 0, step.Tokens.TotalTokens)
	clone := t.rt.task.Clone()
	s.mu.Unlock()

	// The kernel may report the in-flight step after cancellation;
	// persistence must survive the dead run context.
	bg := context.WithoutCancel(ctx)
	s.persist(bg, clone)

	s.trail.Record(taskID, audit.KindStep, map[string]interface{}{
		"index":       step.Index,
		"action":      step.ActionType(),
		"success":     step.Success,
		"observation": step.Observation,
		"duration_ms": step.DurationMS,
	})
	s.publishEvent(bg, events.BuildTaskStepSubject(taskID), events.TaskStep, map[string]interface{}{
		"task_id":     taskID,
		"step_index":  step.Index,
		"action":      step.ActionType(),
		"success":     step.Success,
		"thinking":    step.Thinking,
		"observation": step.Observation,
	})
	s.metrics.RecordStep(t.kernelLabel, step.ActionType())

	if step.Tokens.TotalTokens > 0 {
		call := &repository.ModelCall{
			TaskID:      taskID,
			DeviceID:    t.dev.ID,
			Model:       t.model,
			StepIndex:   step.Index,
			TotalTokens: step.Tokens.TotalTokens,
			DurationMS:  step.DurationMS,
			CreatedAt:   now,
		}
		if err := s.repo.RecordModelCall(bg, call); err != nil {
			s.log.Warn("failed to record model call",
				zap.String("task_id", taskID), zap.Int("step", step.Index), zap.Error(err))
		}
	}

	meta := screenshot.StepMeta{
		TaskID:      taskID,
		Index:       step.Index,
		Kind:        step.Kind,
		Thinking:    step.Thinking,
		Action:      step.Action,
		Observation: step.Observation,
		Success:     step.Success,
		Mode:        t.kernelLabel,
		Tokens:      step.Tokens,
	}
	t.captures.Add(1)
	go t.capture(ctx, step.Index, meta)
}

// capture grabs the post-action screen and attaches the stored refs to
// the step. Failures are tolerated: the step record stands without
// images.
func (t *taskSink) capture(ctx context.Context, index int, meta screenshot.StepMeta) {
	defer t.captures.Done()
	if ctx.Err() != nil {
		return
	}
	png, _, err := t.ch.Screenshot(ctx)
	if err != nil {
		t.s.log.Debug("step screenshot capture failed",
			zap.String("task_id", meta.TaskID), zap.Int("step", index), zap.Error(err))
		return
	}
	refs, err := t.s.store.SaveStep(meta.TaskID, png, meta)
	if err != nil {
		t.s.log.Warn("failed to store step screenshot",
			zap.String("task_id", meta.TaskID), zap.Int("step", index), zap.Error(err))
		return
	}
	// Refs reach the repository with the next persist; the run
	// goroutine drains captures before its final write.
	t.s.mu.Lock()
	if st, ok := t.rt.task.Step(index); ok {
		st.Screenshots = refs
	}
	t.s.mu.Unlock()
}

// wait blocks until every scheduled capture has landed.
func (t *taskSink) wait() {
	t.captures.Wait()
}

func (t *taskSink) RecordContent(ctx context.Context, text, category string) {
	s := t.s
	s.mu.Lock()
	t.rt.task.Memory.Notes = append(t.rt.task.Memory.Notes, models.MemoryNote{
		Content:    text,
		Category:   category,
		RecordedAt: s.now(),
	})
	clone := t.rt.task.Clone()
	s.mu.Unlock()
	s.persist(context.WithoutCancel(ctx), clone)
}

func (t *taskSink) UpdateTodos(ctx context.Context, markdown string) {
	s := t.s
	s.mu.Lock()
	t.rt.task.Memory.Todos = markdown
	clone := t.rt.task.Clone()
	s.mu.Unlock()
	s.persist(context.WithoutCancel(ctx), clone)
}

// AskUser suspends the task on a question and blocks the kernel until
// the user answers, the wait times out, or the task is cancelled.
func (t *taskSink) AskUser(ctx context.Context, question string, options []string) (string, error) {
	s := t.s
	taskID := t.rt.task.ID

	s.mu.Lock()
	err := t.rt.task.MarkWaiting(question, options, s.now())
	var clone *models.Task
	if err == nil {
		clone = t.rt.task.Clone()
	}
	s.mu.Unlock()
	if err != nil {
		// Cancellation raced the transition.
		return "", errAskCancelled
	}

	// Open the exchange before announcing the question so an answer
	// arriving instantly has somewhere to land.
	s.rendezvous.create(taskID)

	bg := context.WithoutCancel(ctx)
	s.persist(bg, clone)
	s.trail.Record(taskID, audit.KindAskUser, map[string]interface{}{
		"question": question,
		"options":  options,
	})
	data := map[string]interface{}{
		"task_id":  taskID,
		"status":   string(clone.Status),
		"question": question,
		"options":  options,
	}
	s.publishEvent(bg, events.BuildTaskStatusSubject(taskID), events.TaskStatusChanged, data)
	s.publishEvent(bg, events.TaskAwaitingUser, events.TaskAwaitingUser, data)

	answer, werr := s.rendezvous.wait(ctx, taskID)
	if werr != nil {
		return "", werr
	}

	s.mu.Lock()
	t.rt.task.MarkAnswered(s.now())
	clone = t.rt.task.Clone()
	s.mu.Unlock()
	s.persist(bg, clone)
	s.trail.Record(taskID, audit.KindAnswer, map[string]interface{}{"answer": answer})
	resumed := map[string]interface{}{
		"task_id": taskID,
		"status":  string(clone.Status),
	}
	s.publishEvent(bg, events.BuildTaskStatusSubject(taskID), events.TaskStatusChanged, resumed)
	s.publishEvent(bg, events.TaskAnswered, events.TaskAnswered, map[string]interface{}{
		"task_id": taskID,
		"answer":  answer,
	})
	return answer, nil
}

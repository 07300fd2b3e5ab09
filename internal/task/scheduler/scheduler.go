// Package scheduler owns the task lifecycle: admission, device
// assignment, the per-task run goroutine that drives a kernel, the
// ask-user rendezvous, cancellation, and terminal bookkeeping.
//
// Running tasks live in memory and are mirrored to the repository on
// every transition. Terminal tasks are evicted from the running map
// and kept briefly in a snapshot cache so read-after-finish stays
// cheap; after that, reads fall through to the repository.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/autofleet/autofleet/internal/agent/executor"
	"github.com/autofleet/autofleet/internal/agent/kernel"
	"github.com/autofleet/autofleet/internal/audit"
	"github.com/autofleet/autofleet/internal/common/config"
	"github.com/autofleet/autofleet/internal/common/logger"
	"github.com/autofleet/autofleet/internal/device"
	"github.com/autofleet/autofleet/internal/device/channel"
	"github.com/autofleet/autofleet/internal/device/registry"
	"github.com/autofleet/autofleet/internal/events"
	"github.com/autofleet/autofleet/internal/events/bus"
	"github.com/autofleet/autofleet/internal/llm"
	"github.com/autofleet/autofleet/internal/metrics"
	"github.com/autofleet/autofleet/internal/screenshot"
	"github.com/autofleet/autofleet/internal/task/models"
	"github.com/autofleet/autofleet/internal/task/preprocess"
	"github.com/autofleet/autofleet/internal/task/repository"
	v1 "github.com/autofleet/autofleet/pkg/api/v1"
)

// Scheduler lifecycle and admission errors.
var (
	ErrAlreadyRunning = errors.New("scheduler already running")
	ErrNotRunning     = errors.New("scheduler not running")
	ErrDeviceBusy     = errors.New("no device available")
	ErrNotPending     = errors.New("task is not pending")
	ErrNotCancellable = errors.New("task already finished")
	ErrNotWaiting     = errors.New("task is not waiting for user input")
)

// dispatchInterval is the backstop for the dispatch loop; normally a
// kick arrives the moment a task is created or a device frees up.
const dispatchInterval = 2 * time.Second

// ChannelProvider hands out the data-plane channel for a device.
type ChannelProvider interface {
	ForDevice(port int, kind device.Kind) channel.Channel
}

// KernelFactory builds the agent loop for one task.
type KernelFactory func(mode string, deps kernel.Deps) (kernel.Kernel, error)

// Deps are the scheduler's collaborators.
type Deps struct {
	Cfg      *config.Config
	Repo     *repository.Repository
	Registry *registry.Registry
	Channels ChannelProvider
	Store    *screenshot.Store
	Trail    *audit.Trail
	Bus      bus.EventBus
	Metrics  *metrics.Metrics
	LLM      llm.Client
	Log      *logger.Logger
}

// running is the in-memory handle for one non-terminal task. The task
// pointer is mutated only under the scheduler lock.
type running struct {
	task    *models.Task
	cancel  context.CancelFunc
	started bool
	device  *device.Device
}

// Scheduler drives tasks from pending to a terminal status.
type Scheduler struct {
	cfg      *config.Config
	repo     *repository.Repository
	registry *registry.Registry
	channels ChannelProvider
	store    *screenshot.Store
	trail    *audit.Trail
	bus      bus.EventBus
	metrics  *metrics.Metrics
	client   llm.Client
	log      *logger.Logger

	exec       *executor.Executor
	rendezvous *rendezvous
	snapshots  snapshotCache
	newKernel  KernelFactory
	now        func() time.Time

	mu      sync.Mutex
	running map[string]*running
	queue   pendingQueue
	seq     uint64
	started bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	stopCh     chan struct{}
	kick       chan struct{}
	subs       []bus.Subscription
	wg         sync.WaitGroup
}

// New builds a scheduler. Start must be called before tasks are
// admitted.
func New(d Deps) (*Scheduler, error) {
	snapshots, err := newSnapshotCache(d.Cfg.Redis, d.Log)
	if err != nil {
		return nil, fmt.Errorf("snapshot cache: %w", err)
	}
	s := &Scheduler{
		cfg:        d.Cfg,
		repo:       d.Repo,
		registry:   d.Registry,
		channels:   d.Channels,
		store:      d.Store,
		trail:      d.Trail,
		bus:        d.Bus,
		metrics:    d.Metrics,
		client:     d.LLM,
		log:        d.Log.WithComponent("scheduler"),
		exec:       executor.New(d.Log),
		rendezvous: newRendezvous(d.Cfg.AskUser.TimeoutDuration()),
		snapshots:  snapshots,
		now:        time.Now,
		running:    make(map[string]*running),
		stopCh:     make(chan struct{}),
		kick:       make(chan struct{}, 1),
	}
	s.newKernel = func(mode string, deps kernel.Deps) (kernel.Kernel, error) {
		return kernel.NewHybrid(mode, deps)
	}
	return s, nil
}

// Start launches the dispatch loop and begins admitting tasks. Device
// availability events kick the loop so queued tasks dispatch promptly.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.started = true
	s.baseCtx, s.baseCancel = context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Unlock()

	for _, subject := range []string{events.DeviceOnline, events.DeviceUpdated} {
		sub, err := s.bus.Subscribe(subject, func(context.Context, *bus.Event) error {
			s.kickDispatch()
			return nil
		})
		if err != nil {
			s.log.Warn("failed to subscribe for dispatch kicks",
				zap.String("subject", subject), zap.Error(err))
			continue
		}
		s.subs = append(s.subs, sub)
	}

	s.wg.Add(1)
	go s.dispatchLoop()
	s.log.Info("scheduler started")
	return nil
}

// Stop cancels every run goroutine and waits for them to finalize.
// In-flight tasks fail with the kernel's cancellation message; they
// are not resumed on restart.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.started = false
	s.mu.Unlock()

	for _, sub := range s.subs {
		_ = sub.Unsubscribe()
	}
	s.subs = nil
	close(s.stopCh)
	s.baseCancel()
	s.wg.Wait()
	if err := s.snapshots.Close(); err != nil {
		s.log.Warn("snapshot cache close failed", zap.Error(err))
	}
	s.log.Info("scheduler stopped")
	return nil
}

// Create admits a task in pending state and schedules it for
// dispatch.
func (s *Scheduler) Create(ctx context.Context, req *v1.CreateTaskRequest) (*models.Task, error) {
	t := models.New(req)

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil, ErrNotRunning
	}
	s.seq++
	s.running[t.ID] = &running{task: t}
	heap.Push(&s.queue, queueItem{
		taskID:    t.ID,
		priority:  t.Priority,
		createdAt: t.CreatedAt,
		seq:       s.seq,
	})
	clone := t.Clone()
	s.mu.Unlock()

	s.persist(ctx, clone)
	s.trail.Record(t.ID, audit.KindTaskCreated, map[string]interface{}{
		"instruction": t.Instruction,
		"device_id":   t.DeviceID,
		"kernel":      t.Kernel,
		"priority":    t.Priority,
	})
	s.publishEvent(ctx, events.TaskCreated, events.TaskCreated, map[string]interface{}{
		"task_id":     t.ID,
		"instruction": t.Instruction,
		"device_id":   t.DeviceID,
	})
	s.log.Info("task created",
		zap.String("task_id", t.ID),
		zap.String("device_id", t.DeviceID),
		zap.Int("priority", t.Priority))
	s.kickDispatch()
	return clone, nil
}

// Execute validates the task is pending, binds a device and spawns the
// run goroutine. With no assignable device it returns ErrDeviceBusy
// and the dispatch loop retries later.
func (s *Scheduler) Execute(ctx context.Context, taskID string) error {
	s.mu.Lock()
	rt := s.running[taskID]
	if rt == nil {
		s.mu.Unlock()
		return repository.ErrNotFound
	}
	if rt.started || rt.task.Status != v1.TaskStatusPending {
		s.mu.Unlock()
		return ErrNotPending
	}
	pinned := rt.task.DeviceID
	s.mu.Unlock()

	var dev *device.Device
	var err error
	if pinned != "" {
		dev, err = s.registry.AssignTask(ctx, pinned, taskID)
	} else {
		var best *device.Device
		best, err = s.registry.BestAvailable()
		if err == nil {
			dev, err = s.registry.AssignTask(ctx, best.ID, taskID)
		}
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceBusy, err)
	}

	if !s.startRun(rt, dev) {
		// Cancellation raced the assignment; hand the device back
		// without touching its outcome counters.
		empty := ""
		_, _ = s.registry.Update(ctx, dev.ID, registry.Fields{CurrentTaskID: &empty})
		return ErrNotPending
	}
	return nil
}

// startRun flips the task to running and spawns its goroutine. It
// reports false when the task left pending while the device was being
// assigned.
func (s *Scheduler) startRun(rt *running, dev *device.Device) bool {
	s.mu.Lock()
	if rt.task.IsTerminal() {
		s.mu.Unlock()
		return false
	}
	now := s.now()
	if err := rt.task.MarkRunning(dev.ID, dev.Kind, now); err != nil {
		s.mu.Unlock()
		return false
	}
	runCtx, cancel := context.WithCancel(s.baseCtx)
	rt.cancel = cancel
	rt.started = true
	rt.device = dev
	clone := rt.task.Clone()
	s.mu.Unlock()

	bg := context.WithoutCancel(runCtx)
	s.persist(bg, clone)
	s.metrics.TasksRunning.Inc()
	s.trail.Record(clone.ID, audit.KindTaskStatus, map[string]interface{}{
		"status":    string(clone.Status),
		"device_id": dev.ID,
	})
	s.publishStatus(bg, clone)
	if err := s.store.WriteTaskInfo(screenshot.TaskInfo{
		TaskID:      clone.ID,
		DeviceID:    dev.ID,
		DeviceKind:  string(dev.Kind),
		Instruction: clone.Instruction,
		Kernel:      clone.Kernel,
		CreatedAt:   clone.CreatedAt,
	}); err != nil {
		s.log.Warn("failed to write task info",
			zap.String("task_id", clone.ID), zap.Error(err))
	}
	s.log.Info("task dispatched",
		zap.String("task_id", clone.ID),
		zap.String("device_id", dev.ID),
		zap.String("kind", string(dev.Kind)))

	s.wg.Add(1)
	go s.run(runCtx, rt, dev)
	return true
}

// run is the per-task goroutine: preprocessing, kernel, outcome
// classification, finalize.
func (s *Scheduler) run(ctx context.Context, rt *running, dev *device.Device) {
	defer s.wg.Done()

	s.mu.Lock()
	taskID := rt.task.ID
	instruction := rt.task.Instruction
	mode := rt.task.Kernel
	s.mu.Unlock()

	ch := s.channels.ForDevice(dev.Port, dev.Kind)

	if plan := preprocess.Analyze(instruction); plan != nil {
		done, remainder, result := s.runPreprocessing(ctx, rt, ch, plan)
		if done {
			s.finalize(rt, dev, v1.TaskStatusCompleted, result, "", nil)
			return
		}
		if remainder != "" {
			instruction = remainder
		}
	}

	if ctx.Err() != nil {
		s.finalize(rt, dev, v1.TaskStatusCancelled, "", models.CancelledByUser, nil)
		return
	}

	client, model, err := s.clientFor(rt)
	if err != nil {
		s.finalize(rt, dev, v1.TaskStatusFailed, "", "model configuration rejected: "+err.Error(), nil)
		return
	}
	sink := &taskSink{
		s:           s,
		rt:          rt,
		dev:         dev,
		ch:          ch,
		kernelLabel: kernelLabel(mode),
		model:       model,
	}
	deps := kernel.Deps{
		LLM:     client,
		Model:   model,
		Exec:    s.exec,
		Channel: ch,
		Steps:   sink,
		Effects: sink,
		Cfg:     s.cfg.Agent,
		Log:     s.log.WithTaskID(taskID),
	}
	kern, err := s.newKernel(mode, deps)
	if err != nil {
		s.finalize(rt, dev, v1.TaskStatusFailed, "", err.Error(), nil)
		return
	}

	out := kern.Run(ctx, instruction)
	sink.wait()

	if out.DeviceUnavailable {
		// The channel stayed unreachable after a retry; report the
		// tunnel dead so the device drops out of rotation until the
		// scanner re-probes the port.
		s.registry.MarkTunnelGone(context.WithoutCancel(ctx), dev.Port)
	}

	if out.Success {
		s.finalize(rt, dev, v1.TaskStatusCompleted, out.Message, "", &out)
		return
	}
	s.finalize(rt, dev, v1.TaskStatusFailed, "", out.Message, &out)
}

// runPreprocessing executes a matched rule as step index 0. It reports
// whether the rule finished the task outright, the instruction the
// kernel should continue with for compound rules, and the result text
// for the pure case.
func (s *Scheduler) runPreprocessing(ctx context.Context, rt *running, ch channel.Channel, plan *preprocess.Plan) (bool, string, string) {
	start := s.now()
	res := s.exec.Execute(ctx, plan.Action, ch, channel.Screen{}, nil)
	now := s.now()

	step := &models.Step{
		Index:       0,
		Kind:        models.StepKindPreprocessing,
		Action:      plan.Action.Serialize(),
		Observation: res.Message,
		Success:     res.Success,
		DurationMS:  now.Sub(start).Milliseconds(),
		CreatedAt:   start,
	}

	taskID := rt.task.ID
	s.mu.Lock()
	rt.task.AppendStep(step)
	if res.Success && plan.SkipLLM {
		rt.task.Mode = models.StepKindPreprocessing
	}
	clone := rt.task.Clone()
	s.mu.Unlock()

	bg := context.WithoutCancel(ctx)
	s.persist(bg, clone)
	s.trail.Record(taskID, audit.KindStep, map[string]interface{}{
		"index":   0,
		"kind":    models.StepKindPreprocessing,
		"rule":    plan.Rule,
		"action":  step.ActionType(),
		"success": res.Success,
	})
	// Rule steps carry no screenshot; only the sidecar is written.
	if err := s.store.SaveStepMeta(taskID, screenshot.StepMeta{
		TaskID:      taskID,
		Index:       0,
		Kind:        models.StepKindPreprocessing,
		Action:      step.Action,
		Observation: step.Observation,
		Success:     step.Success,
	}); err != nil {
		s.log.Warn("failed to write preprocessing step meta",
			zap.String("task_id", taskID), zap.Error(err))
	}
	s.publishEvent(bg, events.BuildTaskStepSubject(taskID), events.TaskStep, map[string]interface{}{
		"task_id":    taskID,
		"step_index": 0,
		"action":     step.ActionType(),
		"success":    res.Success,
	})
	s.metrics.RecordStep(models.StepKindPreprocessing, step.ActionType())
	s.log.Info("preprocessing rule applied",
		zap.String("task_id", taskID),
		zap.String("rule", plan.Rule),
		zap.Float64("confidence", plan.Confidence),
		zap.Bool("success", res.Success))

	if !res.Success {
		// The rule misfired; the kernel takes over with the full
		// instruction.
		return false, "", ""
	}
	if plan.SkipLLM {
		return true, "", res.Message
	}
	return false, plan.Remainder, ""
}

// finalize applies the terminal transition exactly once and runs the
// terminal bookkeeping: persist, cache, release device, write the
// store summary, close the audit trail, publish, count.
func (s *Scheduler) finalize(rt *running, dev *device.Device, status v1.TaskStatus, result, errMsg string, out *kernel.Outcome) {
	s.mu.Lock()
	t := rt.task
	if !t.IsTerminal() {
		if err := t.MarkTerminal(status, result, errMsg, s.now()); err != nil {
			s.log.Error("terminal transition rejected",
				zap.String("task_id", t.ID), zap.Error(err))
		}
	}
	if out != nil {
		t.Mode = out.Mode
		if out.TotalTokens > 0 {
			// The kernel totals are authoritative; they include calls
			// that never became steps.
			t.Tokens.PromptTokens = out.PromptTokens
			t.Tokens.CompletionTokens = out.CompletionTokens
			t.Tokens.TotalTokens = out.TotalTokens
		}
	}
	clone := t.Clone()
	wasStarted := rt.started
	delete(s.running, t.ID)
	s.mu.Unlock()

	if rt.cancel != nil {
		rt.cancel()
	}

	ctx := context.Background()
	s.snapshots.Put(ctx, clone)
	s.persist(ctx, clone)
	if dev != nil {
		s.registry.CompleteTask(ctx, dev.ID, clone.Status == v1.TaskStatusCompleted)
	}
	if err := s.store.WriteSummary(clone.Summary()); err != nil {
		s.log.Warn("failed to write task summary",
			zap.String("task_id", clone.ID), zap.Error(err))
	}
	s.trail.Record(clone.ID, audit.KindTaskStatus, map[string]interface{}{
		"status": string(clone.Status),
		"result": clone.Result,
		"error":  clone.Error,
	})
	s.trail.CloseTask(clone.ID)
	s.publishStatus(ctx, clone)
	if wasStarted {
		s.metrics.TasksRunning.Dec()
	}
	s.metrics.RecordTaskFinished(string(clone.Status), string(clone.DeviceKind))
	s.log.Info("task finished",
		zap.String("task_id", clone.ID),
		zap.String("status", string(clone.Status)),
		zap.Int("steps", len(clone.Steps)),
		zap.Int("total_tokens", clone.Tokens.TotalTokens))
	s.kickDispatch()
}

// Cancel stops a task. It is idempotent: cancelling an already
// cancelled task succeeds, cancelling a completed or failed one
// returns ErrNotCancellable.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) (*models.Task, error) {
	s.mu.Lock()
	rt := s.running[taskID]
	if rt == nil {
		s.mu.Unlock()
		t, err := s.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if t.Status == v1.TaskStatusCancelled {
			return t, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrNotCancellable, t.Status)
	}

	if rt.task.IsTerminal() {
		// The run goroutine is mid-finalize.
		clone := rt.task.Clone()
		s.mu.Unlock()
		if clone.Status == v1.TaskStatusCancelled {
			return clone, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrNotCancellable, clone.Status)
	}

	if err := rt.task.MarkTerminal(v1.TaskStatusCancelled, "", models.CancelledByUser, s.now()); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	started := rt.started
	cancelRun := rt.cancel
	clone := rt.task.Clone()
	if !started {
		// Still queued: no goroutine will finalize it.
		delete(s.running, taskID)
	}
	s.mu.Unlock()

	s.log.Info("task cancelled", zap.String("task_id", taskID), zap.Bool("was_running", started))
	if started {
		// Mark first so reads see cancelled immediately; the run
		// goroutine performs the terminal bookkeeping when the kernel
		// unwinds.
		s.persist(ctx, clone)
		s.rendezvous.cancelTask(taskID)
		cancelRun()
		return clone, nil
	}

	s.snapshots.Put(ctx, clone)
	s.persist(ctx, clone)
	s.trail.Record(taskID, audit.KindTaskStatus, map[string]interface{}{
		"status": string(clone.Status),
		"error":  clone.Error,
	})
	s.trail.CloseTask(taskID)
	s.publishStatus(ctx, clone)
	s.metrics.RecordTaskFinished(string(clone.Status), string(clone.DeviceKind))
	return clone, nil
}

// Answer delivers the user's reply to a waiting task.
func (s *Scheduler) Answer(ctx context.Context, taskID, answer string) error {
	s.mu.Lock()
	rt := s.running[taskID]
	if rt == nil {
		s.mu.Unlock()
		if _, err := s.GetTask(ctx, taskID); err != nil {
			return err
		}
		return ErrNotWaiting
	}
	status := rt.task.Status
	s.mu.Unlock()

	if status != v1.TaskStatusWaitingForUser {
		return ErrNotWaiting
	}
	if err := s.rendezvous.respond(taskID, answer); err != nil {
		return err
	}
	s.log.Info("answer delivered", zap.String("task_id", taskID))
	return nil
}

// GetTask reads memory first, then the snapshot cache, then the
// repository.
func (s *Scheduler) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	s.mu.Lock()
	if rt := s.running[taskID]; rt != nil {
		clone := rt.task.Clone()
		s.mu.Unlock()
		return clone, nil
	}
	s.mu.Unlock()

	if t, ok := s.snapshots.Get(ctx, taskID); ok {
		return t, nil
	}
	return s.repo.GetTask(ctx, taskID)
}

// ListTasks delegates to the repository; running tasks are mirrored
// there on every transition.
func (s *Scheduler) ListTasks(ctx context.Context, q repository.Query) ([]*models.Task, int, error) {
	return s.repo.ListTasks(ctx, q)
}

// RunningCount reports how many tasks currently hold a goroutine.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rt := range s.running {
		if rt.started {
			n++
		}
	}
	return n
}

func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(dispatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.kick:
		case <-ticker.C:
		}
		s.dispatchPending()
	}
}

// dispatchPending tries to start every queued task once, requeueing
// the ones that found no device.
func (s *Scheduler) dispatchPending() {
	s.mu.Lock()
	batch := make([]queueItem, 0, s.queue.Len())
	for s.queue.Len() > 0 {
		batch = append(batch, heap.Pop(&s.queue).(queueItem))
	}
	s.mu.Unlock()

	for _, it := range batch {
		err := s.Execute(s.baseCtx, it.taskID)
		switch {
		case err == nil:
		case errors.Is(err, ErrDeviceBusy):
			s.mu.Lock()
			heap.Push(&s.queue, it)
			s.mu.Unlock()
		default:
			// Cancelled while queued or otherwise gone; drop it.
			s.log.Debug("queued task not dispatchable",
				zap.String("task_id", it.taskID), zap.Error(err))
		}
	}
}

func (s *Scheduler) kickDispatch() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// clientFor returns the LLM client and model for a task, building a
// one-off client when the task overrides the server default. The
// in-memory task still holds the raw key; only persisted and returned
// copies are masked.
func (s *Scheduler) clientFor(rt *running) (llm.Client, string, error) {
	s.mu.Lock()
	mc := rt.task.Model
	mode := rt.task.Kernel
	s.mu.Unlock()

	if mc == nil {
		model := s.cfg.LLM.Model
		if mode == kernel.ModeVision && s.cfg.LLM.VisionModel != "" {
			model = s.cfg.LLM.VisionModel
		}
		return s.client, model, nil
	}

	model := mc.Model
	if model == "" {
		model = s.cfg.LLM.Model
	}
	override := config.LLMConfig{
		BaseURL:     mc.BaseURL,
		APIKey:      mc.APIKey,
		Model:       model,
		Timeout:     s.cfg.LLM.Timeout,
		MaxTokens:   mc.MaxTokens,
		Temperature: float64(mc.Temperature),
	}
	if override.BaseURL == "" {
		override.BaseURL = s.cfg.LLM.BaseURL
	}
	if override.APIKey == "" {
		override.APIKey = s.cfg.LLM.APIKey
	}
	client, err := llm.NewOpenAIFromConfig(&override)
	if err != nil {
		return nil, "", err
	}
	return llm.WithMetrics(llm.WithDefaults(client, &override), s.metrics), model, nil
}

func (s *Scheduler) persist(ctx context.Context, t *models.Task) {
	if err := s.repo.SaveTask(ctx, t); err != nil {
		s.log.Error("failed to persist task",
			zap.String("task_id", t.ID), zap.Error(err))
	}
}

func (s *Scheduler) publishStatus(ctx context.Context, t *models.Task) {
	data := map[string]interface{}{
		"task_id":   t.ID,
		"status":    string(t.Status),
		"device_id": t.DeviceID,
	}
	if t.Result != "" {
		data["result"] = t.Result
	}
	if t.Error != "" {
		data["error"] = t.Error
	}
	s.publishEvent(ctx, events.BuildTaskStatusSubject(t.ID), events.TaskStatusChanged, data)
}

func (s *Scheduler) publishEvent(ctx context.Context, subject, eventType string, data map[string]interface{}) {
	if s.bus == nil {
		return
	}
	ev := bus.NewEvent(eventType, "scheduler", data)
	if err := s.bus.Publish(ctx, subject, ev); err != nil {
		s.log.Warn("failed to publish event",
			zap.String("subject", subject), zap.Error(err))
	}
}

// kernelLabel normalizes the requested mode for metric labels.
func kernelLabel(mode string) string {
	if mode == "" {
		return kernel.ModeAuto
	}
	return mode
}

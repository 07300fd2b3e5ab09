package scheduler

import (
	"bytes"
	"container/heap"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autofleet/autofleet/internal/agent/kernel"
	"github.com/autofleet/autofleet/internal/audit"
	"github.com/autofleet/autofleet/internal/common/config"
	"github.com/autofleet/autofleet/internal/common/logger"
	"github.com/autofleet/autofleet/internal/db"
	"github.com/autofleet/autofleet/internal/device"
	"github.com/autofleet/autofleet/internal/device/allocator"
	"github.com/autofleet/autofleet/internal/device/channel"
	"github.com/autofleet/autofleet/internal/device/registry"
	"github.com/autofleet/autofleet/internal/events"
	"github.com/autofleet/autofleet/internal/events/bus"
	"github.com/autofleet/autofleet/internal/llm"
	"github.com/autofleet/autofleet/internal/metrics"
	"github.com/autofleet/autofleet/internal/screenshot"
	"github.com/autofleet/autofleet/internal/task/models"
	"github.com/autofleet/autofleet/internal/task/repository"
	v1 "github.com/autofleet/autofleet/pkg/api/v1"
)

// kernelScript replaces the agent loop in tests: it receives the deps
// the scheduler wired (sinks included) and returns the outcome.
type kernelScript func(ctx context.Context, deps kernel.Deps, instruction string) kernel.Outcome

type scriptedKernel struct {
	deps   kernel.Deps
	script kernelScript
}

func (k *scriptedKernel) Run(ctx context.Context, instruction string) kernel.Outcome {
	return k.script(ctx, k.deps, instruction)
}

func (k *scriptedKernel) Reset() {}

// fakeChannel is an in-memory device: commands succeed and screenshots
// return a fixed frame.
type fakeChannel struct {
	kind  device.Kind
	port  int
	frame []byte

	mu        sync.Mutex
	launched  []string
	launchErr error
}

func (f *fakeChannel) Kind() device.Kind { return f.kind }
func (f *fakeChannel) Port() int         { return f.port }

func (f *fakeChannel) Tap(context.Context, int, int, string, int) error     { return nil }
func (f *fakeChannel) Swipe(context.Context, int, int, int, int, int) error { return nil }
func (f *fakeChannel) Scroll(context.Context, int, int, int) error          { return nil }
func (f *fakeChannel) TypeText(context.Context, string) error               { return nil }
func (f *fakeChannel) KeyEvent(context.Context, string) error               { return nil }
func (f *fakeChannel) PressKey(context.Context, string) error               { return nil }

func (f *fakeChannel) LaunchApp(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return f.launchErr
	}
	f.launched = append(f.launched, name)
	return nil
}

func (f *fakeChannel) ReadClipboard(context.Context) (string, error) { return "", nil }
func (f *fakeChannel) WriteClipboard(context.Context, string) error  { return nil }

func (f *fakeChannel) Screenshot(context.Context) ([]byte, channel.Screen, error) {
	return f.frame, channel.Screen{Width: 64, Height: 96}, nil
}

func (f *fakeChannel) UISnapshot(context.Context) (*channel.UISnapshot, error) {
	return &channel.UISnapshot{
		Format: channel.FormatUIAutomatorXML,
		Data:   []byte("<hierarchy/>"),
		Screen: channel.Screen{Width: 64, Height: 96},
	}, nil
}

func (f *fakeChannel) ScreenSize(context.Context) (channel.Screen, error) {
	return channel.Screen{Width: 64, Height: 96}, nil
}

func (f *fakeChannel) Command(context.Context, string, map[string]interface{}) (map[string]interface{}, error) {
	return nil, nil
}

func (f *fakeChannel) Close() error { return nil }

func (f *fakeChannel) launchedApps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.launched...)
}

// fakeProvider hands out one fakeChannel per port.
type fakeProvider struct {
	frame []byte

	mu       sync.Mutex
	channels map[int]*fakeChannel
}

func (p *fakeProvider) ForDevice(port int, kind device.Kind) channel.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.channels[port]; ok {
		return ch
	}
	ch := &fakeChannel{kind: kind, port: port, frame: p.frame}
	p.channels[port] = ch
	return ch
}

// prime registers the channel for a port up front so a test can rig
// its behavior before the task reaches it.
func (p *fakeProvider) prime(port int, kind device.Kind) *fakeChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := &fakeChannel{kind: kind, port: port, frame: p.frame}
	p.channels[port] = ch
	return ch
}

func (p *fakeProvider) channelFor(port int) *fakeChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channels[port]
}

type nopChannelManager struct{}

func (nopChannelManager) Probe(context.Context, int, device.Kind) (device.Specs, error) {
	return device.Specs{}, nil
}

func (nopChannelManager) Disconnect(int) {}

// staticLLM backs the scripted kernels; nothing should ever call it.
type staticLLM struct{}

func (staticLLM) Complete(context.Context, llm.Request) (llm.Response, error) {
	return llm.Response{}, errors.New("no provider behind the test client")
}

type eventRecorder struct {
	mu   sync.Mutex
	seen []*bus.Event
}

func recordEvents(t *testing.T, eb bus.EventBus, subject string) *eventRecorder {
	t.Helper()
	rec := &eventRecorder{}
	sub, err := eb.Subscribe(subject, func(_ context.Context, ev *bus.Event) error {
		rec.mu.Lock()
		rec.seen = append(rec.seen, ev)
		rec.mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	return rec
}

func (r *eventRecorder) has(eventType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.seen {
		if ev.Type == eventType {
			return true
		}
	}
	return false
}

func testFrame(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 96))
	for y := 0; y < 96; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type testEnv struct {
	s    *Scheduler
	repo *repository.Repository
	reg  *registry.Registry
	bus  bus.EventBus
	prov *fakeProvider
}

func newTestEnv(t *testing.T, script kernelScript) *testEnv {
	t.Helper()
	log, err := logger.NewLogger(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	dir := t.TempDir()

	writer, err := db.OpenSQLite(filepath.Join(dir, "autofleet.db"))
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(writer, "sqlite3")
	t.Cleanup(func() { _ = sqlxDB.Close() })
	repo, err := repository.New(db.NewPool(sqlxDB, sqlxDB), log)
	require.NoError(t, err)

	m := metrics.New(prometheus.NewRegistry())
	eb := bus.NewMemoryEventBus(log)
	t.Cleanup(eb.Close)

	reg := registry.New(allocator.New(log), nopChannelManager{}, eb, m,
		config.HeartbeatConfig{PingInterval: 30, PongTimeout: 10}, log)

	store, err := screenshot.NewStore(config.ScreenshotsConfig{
		Root:    filepath.Join(dir, "store"),
		Workers: 1,
	}, m, log)
	require.NoError(t, err)
	t.Cleanup(store.Stop)

	cfg := &config.Config{
		LLM: config.LLMConfig{
			BaseURL:     "http://127.0.0.1:1/v1",
			APIKey:      "sk-server-default-key-000000",
			Model:       "glm-4.5v",
			VisionModel: "qvq-max",
			Timeout:     5,
		},
		Agent: config.AgentConfig{
			MaxSteps:               10,
			MaxConsecutiveFailures: 3,
			MaxEmptyUI:             3,
			MaxParseErrors:         3,
		},
		AskUser: config.AskUserConfig{Timeout: 5},
		Redis:   config.RedisConfig{SnapshotTTL: 300},
	}

	prov := &fakeProvider{frame: testFrame(t), channels: make(map[int]*fakeChannel)}

	s, err := New(Deps{
		Cfg:      cfg,
		Repo:     repo,
		Registry: reg,
		Channels: prov,
		Store:    store,
		Trail:    audit.New(filepath.Join(dir, "store"), log),
		Bus:      eb,
		Metrics:  m,
		LLM:      staticLLM{},
		Log:      log,
	})
	require.NoError(t, err)
	if script != nil {
		s.newKernel = func(_ string, deps kernel.Deps) (kernel.Kernel, error) {
			return &scriptedKernel{deps: deps, script: script}, nil
		}
	}
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	return &testEnv{s: s, repo: repo, reg: reg, bus: eb, prov: prov}
}

func (e *testEnv) addReadyPhone(t *testing.T, port int) *device.Device {
	t.Helper()
	ctx := context.Background()
	specs := device.Specs{
		DeviceName: fmt.Sprintf("pixel-%d", port),
		DeviceType: "phone",
		OS:         "android",
	}
	_, err := e.reg.Register(ctx, specs, port, false)
	require.NoError(t, err)
	d := e.reg.MarkTunnelSeen(ctx, port, device.KindPhone, device.Specs{})
	require.True(t, d.Ready())
	return d
}

func (e *testEnv) waitStatus(t *testing.T, taskID string, want v1.TaskStatus) *models.Task {
	t.Helper()
	var got *models.Task
	require.Eventually(t, func() bool {
		tk, err := e.s.GetTask(context.Background(), taskID)
		if err != nil {
			return false
		}
		got = tk
		return tk.Status == want
	}, 5*time.Second, 10*time.Millisecond, "task never reached %s", want)
	return got
}

func (e *testEnv) waitDevice(t *testing.T, id string, cond func(*device.Device) bool) *device.Device {
	t.Helper()
	var got *device.Device
	require.Eventually(t, func() bool {
		d, err := e.reg.Get(id)
		if err != nil {
			return false
		}
		got = d
		return cond(d)
	}, 5*time.Second, 10*time.Millisecond, "device %s never reached the expected state", id)
	return got
}

func successScript(message string) kernelScript {
	return func(_ context.Context, _ kernel.Deps, _ string) kernel.Outcome {
		return kernel.Outcome{Success: true, Steps: 1, Message: message, Mode: kernel.ModeStructured}
	}
}

func TestTaskRunsToCompletion(t *testing.T) {
	script := func(ctx context.Context, deps kernel.Deps, _ string) kernel.Outcome {
		deps.Steps.OnStepStart(ctx, 1, kernel.StepInfo{
			Thinking:   "tap the gear icon",
			Action:     map[string]interface{}{"action": "tap", "index": 3},
			TokensUsed: 950,
		})
		deps.Steps.OnStepComplete(ctx, 1, true, "tap the gear icon", "tapped element 3")
		deps.Effects.RecordContent(ctx, "settings reached", "finding")
		deps.Effects.UpdateTodos(ctx, "- [x] open settings")
		return kernel.Outcome{
			Success:          true,
			Steps:            1,
			Message:          "settings opened",
			Mode:             kernel.ModeStructured,
			PromptTokens:     900,
			CompletionTokens: 50,
			TotalTokens:      950,
		}
	}
	env := newTestEnv(t, script)
	rec := recordEvents(t, env.bus, "task.>")
	ctx := context.Background()
	dev := env.addReadyPhone(t, 6101)

	created, err := env.s.Create(ctx, &v1.CreateTaskRequest{Instruction: "open settings"})
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusPending, created.Status)
	assert.Equal(t, models.DefaultPriority, created.Priority)

	final := env.waitStatus(t, created.ID, v1.TaskStatusCompleted)
	assert.Equal(t, "settings opened", final.Result)
	assert.Empty(t, final.Error)
	assert.Equal(t, kernel.ModeStructured, final.Mode)
	assert.Equal(t, dev.ID, final.DeviceID)
	assert.Equal(t, device.KindPhone, final.DeviceKind)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.CompletedAt)

	require.Len(t, final.Steps, 1)
	step := final.Steps[0]
	assert.Equal(t, 1, step.Index)
	assert.Equal(t, models.StepKindLLM, step.Kind)
	assert.True(t, step.Success)
	assert.Equal(t, "tapped element 3", step.Observation)
	assert.Equal(t, 950, step.Tokens.TotalTokens)
	assert.NotEmpty(t, step.Screenshots.Original, "capture should land before the final persist")

	assert.Equal(t, v1.TokenUsage{PromptTokens: 900, CompletionTokens: 50, TotalTokens: 950}, final.Tokens)
	require.Len(t, final.Memory.Notes, 1)
	assert.Equal(t, "settings reached", final.Memory.Notes[0].Content)
	assert.Equal(t, "- [x] open settings", final.Memory.Todos)

	stored, err := env.repo.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCompleted, stored.Status)
	require.Len(t, stored.Steps, 1)
	assert.NotEmpty(t, stored.Steps[0].Screenshots.Original)

	usage, calls, err := env.repo.TaskUsage(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 950, usage.TotalTokens)

	released := env.waitDevice(t, dev.ID, func(d *device.Device) bool {
		return d.CurrentTaskID == "" && d.TotalTasks == 1
	})
	assert.Equal(t, device.StatusOnline, released.Status)
	assert.Equal(t, 1, released.SuccessTasks)

	require.Eventually(t, func() bool {
		return rec.has(events.TaskCreated) && rec.has(events.TaskStep) && rec.has(events.TaskStatusChanged)
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, env.s.RunningCount())
}

func TestDispatchFollowsPriority(t *testing.T) {
	var mu sync.Mutex
	var order []string
	script := func(_ context.Context, _ kernel.Deps, instruction string) kernel.Outcome {
		mu.Lock()
		order = append(order, instruction)
		mu.Unlock()
		return kernel.Outcome{Success: true, Message: "done", Mode: kernel.ModeStructured}
	}
	env := newTestEnv(t, script)
	ctx := context.Background()

	low, err := env.s.Create(ctx, &v1.CreateTaskRequest{Instruction: "low priority errand", Priority: 2})
	require.NoError(t, err)
	high, err := env.s.Create(ctx, &v1.CreateTaskRequest{Instruction: "high priority errand", Priority: 9})
	require.NoError(t, err)
	mid, err := env.s.Create(ctx, &v1.CreateTaskRequest{Instruction: "default priority errand"})
	require.NoError(t, err)

	// One device: the queue drains highest priority first.
	env.addReadyPhone(t, 6101)

	env.waitStatus(t, high.ID, v1.TaskStatusCompleted)
	env.waitStatus(t, mid.ID, v1.TaskStatusCompleted)
	env.waitStatus(t, low.ID, v1.TaskStatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"high priority errand",
		"default priority errand",
		"low priority errand",
	}, order)
}

func TestPinnedTaskWaitsForItsDevice(t *testing.T) {
	env := newTestEnv(t, successScript("done on the pinned phone"))
	ctx := context.Background()

	// The pinned target has a socket but no probed tunnel yet.
	_, err := env.reg.Register(ctx, device.Specs{DeviceName: "pinned", DeviceType: "phone", OS: "android"}, 6101, false)
	require.NoError(t, err)
	env.addReadyPhone(t, 6102)

	created, err := env.s.Create(ctx, &v1.CreateTaskRequest{Instruction: "pinned errand", DeviceID: "device_6101"})
	require.NoError(t, err)

	// The free device must not be borrowed.
	time.Sleep(100 * time.Millisecond)
	tk, err := env.s.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusPending, tk.Status)

	env.reg.MarkTunnelSeen(ctx, 6101, device.KindPhone, device.Specs{})

	final := env.waitStatus(t, created.ID, v1.TaskStatusCompleted)
	assert.Equal(t, "device_6101", final.DeviceID)

	other, err := env.reg.Get("device_6102")
	require.NoError(t, err)
	assert.Equal(t, 0, other.TotalTasks)
}

func TestCancelQueuedTask(t *testing.T) {
	env := newTestEnv(t, successScript("unused"))
	ctx := context.Background()

	created, err := env.s.Create(ctx, &v1.CreateTaskRequest{Instruction: "never dispatched"})
	require.NoError(t, err)

	got, err := env.s.Cancel(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCancelled, got.Status)
	assert.Equal(t, models.CancelledByUser, got.Error)

	// Reads agree immediately and the repository row is terminal.
	tk, err := env.s.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCancelled, tk.Status)
	stored, err := env.repo.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCancelled, stored.Status)
	assert.Equal(t, models.CancelledByUser, stored.Error)

	again, err := env.s.Cancel(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCancelled, again.Status)

	assert.ErrorIs(t, env.s.Answer(ctx, created.ID, "too late"), ErrNotWaiting)
	assert.Equal(t, 0, env.s.RunningCount())

	_, err = env.s.Cancel(ctx, "no-such-task")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCancelRunningTask(t *testing.T) {
	script := func(ctx context.Context, _ kernel.Deps, _ string) kernel.Outcome {
		<-ctx.Done()
		return kernel.Outcome{Success: false, Message: "cancelled", Mode: kernel.ModeStructured}
	}
	env := newTestEnv(t, script)
	ctx := context.Background()
	dev := env.addReadyPhone(t, 6101)

	created, err := env.s.Create(ctx, &v1.CreateTaskRequest{Instruction: "long running errand"})
	require.NoError(t, err)
	env.waitStatus(t, created.ID, v1.TaskStatusRunning)

	// A running task cannot be dispatched twice.
	assert.ErrorIs(t, env.s.Execute(ctx, created.ID), ErrNotPending)

	got, err := env.s.Cancel(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCancelled, got.Status)
	assert.Equal(t, models.CancelledByUser, got.Error)

	// The run goroutine finalizes without flipping the status.
	require.Eventually(t, func() bool {
		stored, gerr := env.repo.GetTask(ctx, created.ID)
		return gerr == nil && stored.Status == v1.TaskStatusCancelled && stored.CompletedAt != nil
	}, 5*time.Second, 10*time.Millisecond)

	released := env.waitDevice(t, dev.ID, func(d *device.Device) bool {
		return d.CurrentTaskID == "" && d.TotalTasks == 1
	})
	assert.Equal(t, 1, released.FailedTasks)
	assert.Equal(t, device.StatusOnline, released.Status)

	again, err := env.s.Cancel(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCancelled, again.Status)
}

func TestCancelFinishedTaskRejected(t *testing.T) {
	env := newTestEnv(t, successScript("done"))
	ctx := context.Background()
	env.addReadyPhone(t, 6101)

	created, err := env.s.Create(ctx, &v1.CreateTaskRequest{Instruction: "quick errand"})
	require.NoError(t, err)
	env.waitStatus(t, created.ID, v1.TaskStatusCompleted)

	_, err = env.s.Cancel(ctx, created.ID)
	assert.ErrorIs(t, err, ErrNotCancellable)
}

func TestAskUserAnswerResumesTask(t *testing.T) {
	script := func(ctx context.Context, deps kernel.Deps, _ string) kernel.Outcome {
		answer, err := deps.Effects.AskUser(ctx, "which account?", []string{"personal", "work"})
		if err != nil {
			return kernel.Outcome{Success: false, Message: err.Error(), Mode: kernel.ModeStructured}
		}
		return kernel.Outcome{Success: true, Message: "logged into " + answer, Mode: kernel.ModeStructured}
	}
	env := newTestEnv(t, script)
	rec := recordEvents(t, env.bus, "task.>")
	ctx := context.Background()
	env.addReadyPhone(t, 6101)

	created, err := env.s.Create(ctx, &v1.CreateTaskRequest{Instruction: "log in"})
	require.NoError(t, err)

	waiting := env.waitStatus(t, created.ID, v1.TaskStatusWaitingForUser)
	require.NotNil(t, waiting.PendingQuestion)
	assert.Equal(t, "which account?", waiting.PendingQuestion.Question)
	assert.Equal(t, []string{"personal", "work"}, waiting.PendingQuestion.Options)

	// The exchange opens a beat after the status flips; retry until the
	// answer lands.
	require.Eventually(t, func() bool {
		return env.s.Answer(ctx, created.ID, "personal") == nil
	}, 2*time.Second, 10*time.Millisecond)

	final := env.waitStatus(t, created.ID, v1.TaskStatusCompleted)
	assert.Equal(t, "logged into personal", final.Result)
	assert.Nil(t, final.PendingQuestion)

	assert.ErrorIs(t, env.s.Answer(ctx, created.ID, "again"), ErrNotWaiting)

	require.Eventually(t, func() bool {
		return rec.has(events.TaskAwaitingUser) && rec.has(events.TaskAnswered)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAskUserTimeoutFailsTask(t *testing.T) {
	script := func(ctx context.Context, deps kernel.Deps, _ string) kernel.Outcome {
		_, err := deps.Effects.AskUser(ctx, "still there?", nil)
		if err != nil {
			return kernel.Outcome{Success: false, Message: err.Error(), Mode: kernel.ModeStructured}
		}
		return kernel.Outcome{Success: true, Message: "answered", Mode: kernel.ModeStructured}
	}
	env := newTestEnv(t, script)
	env.s.rendezvous = newRendezvous(40 * time.Millisecond)
	ctx := context.Background()
	dev := env.addReadyPhone(t, 6101)

	created, err := env.s.Create(ctx, &v1.CreateTaskRequest{Instruction: "needs a reply"})
	require.NoError(t, err)

	final := env.waitStatus(t, created.ID, v1.TaskStatusFailed)
	assert.Equal(t, "等待用户回答超时", final.Error)

	released := env.waitDevice(t, dev.ID, func(d *device.Device) bool {
		return d.CurrentTaskID == "" && d.TotalTasks == 1
	})
	assert.Equal(t, 1, released.FailedTasks)
}

func TestCancelWhileWaitingForUser(t *testing.T) {
	script := func(ctx context.Context, deps kernel.Deps, _ string) kernel.Outcome {
		_, err := deps.Effects.AskUser(ctx, "proceed?", nil)
		if err != nil {
			return kernel.Outcome{Success: false, Message: err.Error(), Mode: kernel.ModeStructured}
		}
		return kernel.Outcome{Success: true, Message: "proceeded", Mode: kernel.ModeStructured}
	}
	env := newTestEnv(t, script)
	ctx := context.Background()
	env.addReadyPhone(t, 6101)

	created, err := env.s.Create(ctx, &v1.CreateTaskRequest{Instruction: "ask then cancel"})
	require.NoError(t, err)
	env.waitStatus(t, created.ID, v1.TaskStatusWaitingForUser)

	got, err := env.s.Cancel(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusCancelled, got.Status)

	require.Eventually(t, func() bool {
		stored, gerr := env.repo.GetTask(ctx, created.ID)
		return gerr == nil && stored.Status == v1.TaskStatusCancelled
	}, 5*time.Second, 10*time.Millisecond)

	stored, err := env.repo.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CancelledByUser, stored.Error)
	assert.ErrorIs(t, env.s.Answer(ctx, created.ID, "too late"), ErrNotWaiting)
}

func TestPureLaunchSkipsKernel(t *testing.T) {
	var kernelRuns int32
	script := func(_ context.Context, _ kernel.Deps, _ string) kernel.Outcome {
		atomic.AddInt32(&kernelRuns, 1)
		return kernel.Outcome{Success: false, Message: "kernel should not run"}
	}
	env := newTestEnv(t, script)
	ctx := context.Background()
	dev := env.addReadyPhone(t, 6101)

	created, err := env.s.Create(ctx, &v1.CreateTaskRequest{Instruction: "打开微信"})
	require.NoError(t, err)

	final := env.waitStatus(t, created.ID, v1.TaskStatusCompleted)
	assert.Equal(t, "launched 微信", final.Result)
	assert.Equal(t, models.StepKindPreprocessing, final.Mode)
	require.Len(t, final.Steps, 1)
	assert.Equal(t, 0, final.Steps[0].Index)
	assert.Equal(t, models.StepKindPreprocessing, final.Steps[0].Kind)
	assert.True(t, final.Steps[0].Success)

	assert.Equal(t, []string{"微信"}, env.prov.channelFor(6101).launchedApps())
	assert.Equal(t, int32(0), atomic.LoadInt32(&kernelRuns))

	released := env.waitDevice(t, dev.ID, func(d *device.Device) bool {
		return d.CurrentTaskID == "" && d.TotalTasks == 1
	})
	assert.Equal(t, 1, released.SuccessTasks)
}

func TestCompoundLaunchHandsRemainderToKernel(t *testing.T) {
	var mu sync.Mutex
	var got string
	script := func(ctx context.Context, deps kernel.Deps, instruction string) kernel.Outcome {
		mu.Lock()
		got = instruction
		mu.Unlock()
		deps.Steps.OnStepStart(ctx, 1, kernel.StepInfo{Thinking: "type the message"})
		deps.Steps.OnStepComplete(ctx, 1, true, "type the message", "sent")
		return kernel.Outcome{Success: true, Steps: 1, Message: "message sent", Mode: kernel.ModeStructured}
	}
	env := newTestEnv(t, script)
	ctx := context.Background()
	env.addReadyPhone(t, 6101)

	created, err := env.s.Create(ctx, &v1.CreateTaskRequest{Instruction: "打开微信然后给张三发消息"})
	require.NoError(t, err)

	final := env.waitStatus(t, created.ID, v1.TaskStatusCompleted)
	require.Len(t, final.Steps, 2)
	assert.Equal(t, models.StepKindPreprocessing, final.Steps[0].Kind)
	assert.True(t, final.Steps[0].Success)
	assert.Equal(t, models.StepKindLLM, final.Steps[1].Kind)
	assert.Equal(t, kernel.ModeStructured, final.Mode)

	mu.Lock()
	assert.Equal(t, "给张三发消息", got)
	mu.Unlock()
	assert.Equal(t, []string{"微信"}, env.prov.channelFor(6101).launchedApps())
}

func TestFailedRuleFallsBackToKernel(t *testing.T) {
	var mu sync.Mutex
	var got string
	script := func(_ context.Context, _ kernel.Deps, instruction string) kernel.Outcome {
		mu.Lock()
		got = instruction
		mu.Unlock()
		return kernel.Outcome{Success: true, Message: "recovered", Mode: kernel.ModeStructured}
	}
	env := newTestEnv(t, script)
	ctx := context.Background()

	ch := env.prov.prime(6101, device.KindPhone)
	ch.launchErr = errors.New("app not installed")
	env.addReadyPhone(t, 6101)

	created, err := env.s.Create(ctx, &v1.CreateTaskRequest{Instruction: "打开微信"})
	require.NoError(t, err)

	final := env.waitStatus(t, created.ID, v1.TaskStatusCompleted)
	assert.Equal(t, "recovered", final.Result)
	require.NotEmpty(t, final.Steps)
	assert.Equal(t, models.StepKindPreprocessing, final.Steps[0].Kind)
	assert.False(t, final.Steps[0].Success)

	// The kernel received the full instruction, not a remainder.
	mu.Lock()
	assert.Equal(t, "打开微信", got)
	mu.Unlock()
}

func TestDeviceUnavailableLeavesRotation(t *testing.T) {
	script := func(_ context.Context, _ kernel.Deps, _ string) kernel.Outcome {
		return kernel.Outcome{
			Success:           false,
			Message:           "device unreachable",
			Mode:              kernel.ModeStructured,
			DeviceUnavailable: true,
		}
	}
	env := newTestEnv(t, script)
	ctx := context.Background()
	dev := env.addReadyPhone(t, 6101)

	created, err := env.s.Create(ctx, &v1.CreateTaskRequest{Instruction: "doomed errand"})
	require.NoError(t, err)

	final := env.waitStatus(t, created.ID, v1.TaskStatusFailed)
	assert.Equal(t, "device unreachable", final.Error)

	gone := env.waitDevice(t, dev.ID, func(d *device.Device) bool {
		return d.Status == device.StatusOffline && d.TotalTasks == 1
	})
	assert.False(t, gone.TunnelUp)
	assert.Empty(t, gone.CurrentTaskID)
	assert.Equal(t, 1, gone.FailedTasks)
}

func TestModelSelectionPerTask(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]string{}
	script := func(_ context.Context, deps kernel.Deps, instruction string) kernel.Outcome {
		mu.Lock()
		seen[instruction] = deps.Model
		mu.Unlock()
		return kernel.Outcome{Success: true, Message: "done", Mode: kernel.ModeStructured}
	}
	env := newTestEnv(t, script)
	ctx := context.Background()
	env.addReadyPhone(t, 6101)

	byDefault, err := env.s.Create(ctx, &v1.CreateTaskRequest{Instruction: "default model errand"})
	require.NoError(t, err)
	vision, err := env.s.Create(ctx, &v1.CreateTaskRequest{Instruction: "vision errand", Kernel: kernel.ModeVision})
	require.NoError(t, err)
	override, err := env.s.Create(ctx, &v1.CreateTaskRequest{
		Instruction: "override errand",
		Model:       &v1.ModelConfig{Model: "qwen-vl-max", APIKey: "sk-task-override-key-123456"},
	})
	require.NoError(t, err)

	env.waitStatus(t, byDefault.ID, v1.TaskStatusCompleted)
	env.waitStatus(t, vision.ID, v1.TaskStatusCompleted)
	env.waitStatus(t, override.ID, v1.TaskStatusCompleted)

	mu.Lock()
	assert.Equal(t, "glm-4.5v", seen["default model errand"])
	assert.Equal(t, "qvq-max", seen["vision errand"])
	assert.Equal(t, "qwen-vl-max", seen["override errand"])
	mu.Unlock()

	// The persisted copy carries the masked key only.
	stored, err := env.repo.GetTask(ctx, override.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Model)
	assert.Equal(t, "sk-task-…3456", stored.Model.APIKey)
}

func TestExecuteSentinels(t *testing.T) {
	env := newTestEnv(t, successScript("done"))
	ctx := context.Background()

	assert.ErrorIs(t, env.s.Execute(ctx, "no-such-task"), repository.ErrNotFound)

	created, err := env.s.Create(ctx, &v1.CreateTaskRequest{Instruction: "queued errand"})
	require.NoError(t, err)
	assert.ErrorIs(t, env.s.Execute(ctx, created.ID), ErrDeviceBusy)

	tk, err := env.s.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusPending, tk.Status)

	env.addReadyPhone(t, 6101)
	env.waitStatus(t, created.ID, v1.TaskStatusCompleted)
}

func TestLifecycleSentinels(t *testing.T) {
	env := newTestEnv(t, successScript("done"))
	ctx := context.Background()

	assert.ErrorIs(t, env.s.Start(ctx), ErrAlreadyRunning)
	require.NoError(t, env.s.Stop())
	assert.ErrorIs(t, env.s.Stop(), ErrNotRunning)

	_, err := env.s.Create(ctx, &v1.CreateTaskRequest{Instruction: "after shutdown"})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestStopFailsRunningTask(t *testing.T) {
	script := func(ctx context.Context, _ kernel.Deps, _ string) kernel.Outcome {
		<-ctx.Done()
		return kernel.Outcome{Success: false, Message: "cancelled", Mode: kernel.ModeStructured}
	}
	env := newTestEnv(t, script)
	ctx := context.Background()
	dev := env.addReadyPhone(t, 6101)

	created, err := env.s.Create(ctx, &v1.CreateTaskRequest{Instruction: "interrupted errand"})
	require.NoError(t, err)
	env.waitStatus(t, created.ID, v1.TaskStatusRunning)

	// Stop blocks until the run goroutine has finalized.
	require.NoError(t, env.s.Stop())

	stored, err := env.repo.GetTask(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatusFailed, stored.Status)
	assert.Equal(t, "cancelled", stored.Error)

	d, err := env.reg.Get(dev.ID)
	require.NoError(t, err)
	assert.Empty(t, d.CurrentTaskID)
	assert.Equal(t, 1, d.TotalTasks)
}

func TestGetTaskReadsCacheBeforeRepository(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	ghost := models.New(&v1.CreateTaskRequest{Instruction: "finished elsewhere"})
	require.NoError(t, ghost.MarkTerminal(v1.TaskStatusCompleted, "cached result", "", time.Now().UTC()))
	env.s.snapshots.Put(ctx, ghost)

	got, err := env.s.GetTask(ctx, ghost.ID)
	require.NoError(t, err, "snapshot should serve the read without a repository row")
	assert.Equal(t, "cached result", got.Result)

	mem := env.s.snapshots.(*memorySnapshots)
	mem.mu.Lock()
	delete(mem.entries, ghost.ID)
	mem.mu.Unlock()

	_, err = env.s.GetTask(ctx, ghost.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestPendingQueueOrdering(t *testing.T) {
	var q pendingQueue
	base := time.Now()
	heap.Push(&q, queueItem{taskID: "low", priority: 2, createdAt: base, seq: 1})
	heap.Push(&q, queueItem{taskID: "high", priority: 9, createdAt: base.Add(time.Second), seq: 2})
	heap.Push(&q, queueItem{taskID: "mid-old", priority: 5, createdAt: base, seq: 3})
	heap.Push(&q, queueItem{taskID: "mid-new", priority: 5, createdAt: base.Add(time.Second), seq: 4})

	var got []string
	for q.Len() > 0 {
		got = append(got, heap.Pop(&q).(queueItem).taskID)
	}
	assert.Equal(t, []string{"high", "mid-old", "mid-new", "low"}, got)
}

func TestRendezvousAnswerBeforeWaitIsKept(t *testing.T) {
	r := newRendezvous(time.Second)
	r.create("t1")
	require.NoError(t, r.respond("t1", "yes"))

	answer, err := r.wait(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "yes", answer)
}

func TestRendezvousSecondAnswerRejected(t *testing.T) {
	r := newRendezvous(time.Second)
	r.create("t1")
	require.NoError(t, r.respond("t1", "first"))
	assert.ErrorIs(t, r.respond("t1", "second"), ErrAlreadyAnswered)
}

func TestRendezvousWithoutQuestion(t *testing.T) {
	r := newRendezvous(time.Second)
	assert.ErrorIs(t, r.respond("t1", "x"), ErrNoPendingQuestion)
	_, err := r.wait(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrNoPendingQuestion)
}

func TestRendezvousTimeout(t *testing.T) {
	r := newRendezvous(20 * time.Millisecond)
	r.create("t1")
	_, err := r.wait(context.Background(), "t1")
	require.Error(t, err)
	assert.Equal(t, "等待用户回答超时", err.Error())
}

func TestRendezvousCancelUnblocksWait(t *testing.T) {
	r := newRendezvous(time.Minute)
	r.create("t1")
	r.cancelTask("t1")
	r.cancelTask("t1") // repeat is harmless

	_, err := r.wait(context.Background(), "t1")
	assert.ErrorIs(t, err, errAskCancelled)
	assert.ErrorIs(t, r.respond("t1", "late"), ErrNoPendingQuestion)
}

func TestMemorySnapshotsExpire(t *testing.T) {
	c := newMemorySnapshots(time.Minute)
	t.Cleanup(func() { _ = c.Close() })
	base := time.Now()
	c.now = func() time.Time { return base }

	task := models.New(&v1.CreateTaskRequest{Instruction: "short lived"})
	c.Put(context.Background(), task)
	_, ok := c.Get(context.Background(), task.ID)
	require.True(t, ok)

	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, ok = c.Get(context.Background(), task.ID)
	assert.False(t, ok)
}

func TestMemorySnapshotsCloneIsolation(t *testing.T) {
	c := newMemorySnapshots(time.Minute)
	t.Cleanup(func() { _ = c.Close() })

	task := models.New(&v1.CreateTaskRequest{Instruction: "shared"})
	c.Put(context.Background(), task)

	first, ok := c.Get(context.Background(), task.ID)
	require.True(t, ok)
	first.Result = "mutated by the caller"

	second, ok := c.Get(context.Background(), task.ID)
	require.True(t, ok)
	assert.Empty(t, second.Result)
}

package kernel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/autofleet/autofleet/internal/agent/executor"
	"github.com/autofleet/autofleet/internal/common/config"
	"github.com/autofleet/autofleet/internal/common/logger"
	"github.com/autofleet/autofleet/internal/device"
	"github.com/autofleet/autofleet/internal/device/channel"
	"github.com/autofleet/autofleet/internal/llm"
)

// scriptedLLM replays canned completions in order; the last one
// repeats if the kernel asks for more.
type scriptedLLM struct {
	replies []string
	calls   []llm.Request
	err     error
}

func (s *scriptedLLM) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	s.calls = append(s.calls, req)
	if s.err != nil {
		return llm.Response{}, s.err
	}
	if len(s.replies) == 0 {
		return llm.Response{}, errors.New("unexpected llm call")
	}
	i := len(s.calls) - 1
	if i >= len(s.replies) {
		i = len(s.replies) - 1
	}
	return llm.Response{
		Content: s.replies[i],
		Usage:   llm.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

type fakeChannel struct {
	kind   device.Kind
	screen channel.Screen

	dumps   []string
	dumpErr error
	dumpN   int

	shotErr error
	shots   int

	taps   [][2]int
	failOn map[string]error
	ops    []string
}

func (f *fakeChannel) op(name string) error {
	f.ops = append(f.ops, name)
	if err, ok := f.failOn[name]; ok {
		return err
	}
	return nil
}

func (f *fakeChannel) Kind() device.Kind { return f.kind }
func (f *fakeChannel) Port() int         { return 6100 }

func (f *fakeChannel) Tap(_ context.Context, x, y int, _ string, _ int) error {
	f.taps = append(f.taps, [2]int{x, y})
	return f.op("tap")
}

func (f *fakeChannel) Swipe(_ context.Context, _, _, _, _, _ int) error {
	return f.op("swipe")
}

func (f *fakeChannel) Scroll(_ context.Context, _, _, _ int) error {
	return f.op("scroll")
}

func (f *fakeChannel) TypeText(_ context.Context, _ string) error {
	return f.op("type_text")
}

func (f *fakeChannel) KeyEvent(_ context.Context, _ string) error {
	return f.op("key_event")
}

func (f *fakeChannel) PressKey(_ context.Context, _ string) error {
	return f.op("press_key")
}

func (f *fakeChannel) LaunchApp(_ context.Context, _ string) error {
	return f.op("launch_app")
}

func (f *fakeChannel) ReadClipboard(context.Context) (string, error) {
	return "", f.op("read_clipboard")
}

func (f *fakeChannel) WriteClipboard(_ context.Context, _ string) error {
	return f.op("write_clipboard")
}

func (f *fakeChannel) Screenshot(context.Context) ([]byte, channel.Screen, error) {
	f.shots++
	if f.shotErr != nil {
		return nil, channel.Screen{}, f.shotErr
	}
	return []byte("jpeg-bytes"), f.screen, nil
}

func (f *fakeChannel) UISnapshot(context.Context) (*channel.UISnapshot, error) {
	f.dumpN++
	if f.dumpErr != nil {
		return nil, f.dumpErr
	}
	dump := "[]"
	if len(f.dumps) > 0 {
		i := f.dumpN - 1
		if i >= len(f.dumps) {
			i = len(f.dumps) - 1
		}
		dump = f.dumps[i]
	}
	return &channel.UISnapshot{
		Format: channel.FormatElementsJSON,
		Data:   []byte(dump),
		Screen: f.screen,
	}, nil
}

func (f *fakeChannel) ScreenSize(context.Context) (channel.Screen, error) {
	return f.screen, nil
}

func (f *fakeChannel) Command(context.Context, string, map[string]interface{}) (map[string]interface{}, error) {
	return nil, f.op("command")
}

func (f *fakeChannel) Close() error { return nil }

type completedStep struct {
	index    int
	success  bool
	thinking string
	obs      string
}

type recordingSink struct {
	starts    []StepInfo
	indexes   []int
	completes []completedStep
}

func (r *recordingSink) OnStepStart(_ context.Context, idx int, info StepInfo) {
	r.indexes = append(r.indexes, idx)
	r.starts = append(r.starts, info)
}

func (r *recordingSink) OnStepComplete(_ context.Context, idx int, success bool, thinking, obs string) {
	r.completes = append(r.completes, completedStep{index: idx, success: success, thinking: thinking, obs: obs})
}

type recordedFact struct{ text, category string }

type recordingEffects struct {
	answer    string
	askErr    error
	questions []string
	facts     []recordedFact
	todos     []string
}

func (r *recordingEffects) RecordContent(_ context.Context, text, category string) {
	r.facts = append(r.facts, recordedFact{text: text, category: category})
}

func (r *recordingEffects) UpdateTodos(_ context.Context, markdown string) {
	r.todos = append(r.todos, markdown)
}

func (r *recordingEffects) AskUser(_ context.Context, question string, _ []string) (string, error) {
	r.questions = append(r.questions, question)
	if r.askErr != nil {
		return "", r.askErr
	}
	return r.answer, nil
}

func testConfig() config.AgentConfig {
	return config.AgentConfig{
		MaxSteps:               10,
		ContextWindow:          5,
		SettleDelayMs:          0,
		MaxConsecutiveFailures: 3,
		MaxEmptyUI:             2,
		MaxParseErrors:         2,
		ContextNoticeSteps:     30,
		ContextWarnSteps:       80,
	}
}

func testDeps(t *testing.T, ch channel.Channel, client llm.Client, sink StepSink, fx EffectSink, cfg config.AgentConfig) Deps {
	t.Helper()
	log, err := logger.NewLogger(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)
	return Deps{
		LLM:     client,
		Model:   "test-model",
		Exec:    executor.New(log),
		Channel: ch,
		Steps:   sink,
		Effects: fx,
		Cfg:     cfg,
		Log:     log,
	}
}

// One 200x60 button at (100,200); index 1 centers on (200,230).
const okButtonDump = `[{"text":"OK","control_type":"Button","bounds":[100,200,300,260]}]`

var (
	pcScreen    = channel.Screen{Width: 1920, Height: 1080}
	phoneScreen = channel.Screen{Width: 1080, Height: 2400}
)

const (
	tapReply    = `{"think":"tap the ok button","action":{"action":"tap","index":1}}`
	doneReply   = `{"think":"all set","action":{"action":"done","success":true,"message":"did it"}}`
	failReply   = `{"think":"give up","action":{"action":"done","success":false,"message":"cannot proceed"}}`
	answerReply = `{"think":"found it","action":{"action":"answer","answer":"42"}}`
	askReply    = `{"think":"need input","action":{"action":"ask_user","question":"which color?","options":["red","blue"]}}`
	recordReply = `{"think":"notable","action":{"action":"record_important_content","text":"code 1234","category":"verification"}}`
	todosReply  = `{"think":"plan","action":{"action":"generate_or_update_todos","markdown":"- [ ] open app"}}`

	visionTapReply = `<thinking>aim for the button</thinking>
<tool_call>
{"action": "tap", "coordinates": [500, 500]}
</tool_call>`
	visionDoneReply = `<thinking>finished</thinking>
<tool_call>
{"action": "done", "success": true, "message": "completed"}
</tool_call>`
)

func newStructuredTest(t *testing.T, ch *fakeChannel, client llm.Client, sink StepSink, fx EffectSink, cfg config.AgentConfig) *Structured {
	t.Helper()
	k := NewStructured(testDeps(t, ch, client, sink, fx, cfg))
	k.sleep = func(time.Duration) {}
	return k
}

func newVisionTest(t *testing.T, ch *fakeChannel, client llm.Client, sink StepSink, fx EffectSink, cfg config.AgentConfig) *Vision {
	t.Helper()
	k := NewVision(testDeps(t, ch, client, sink, fx, cfg))
	k.sleep = func(time.Duration) {}
	return k
}

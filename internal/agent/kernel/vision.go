package kernel

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/autofleet/autofleet/internal/agent/actions"
	"github.com/autofleet/autofleet/internal/agent/parser"
	"github.com/autofleet/autofleet/internal/common/logger"
	"github.com/autofleet/autofleet/internal/device/channel"
	"github.com/autofleet/autofleet/internal/llm"
)

// Vision is the expensive kernel: it ships a fresh screenshot every
// step and asks a multimodal model to aim at normalized coordinates.
// It is the last resort, so it does not bail out on failing actions;
// it keeps the whole text history and only warns when it grows long.
type Vision struct {
	deps       Deps
	log        *logger.Logger
	system     llm.Message
	history    []llm.Message
	stepOffset int
	noticed    bool
	warned     bool
	sleep      func(time.Duration)
}

func NewVision(deps Deps) *Vision {
	deps.fill()
	return &Vision{
		deps:   deps,
		log:    deps.Log.WithComponent("kernel.vision"),
		system: llm.Message{Role: llm.RoleSystem, Text: visionSystemPrompt(deps.Channel.Kind())},
		sleep:  time.Sleep,
	}
}

func (k *Vision) Reset() {
	k.history = nil
	k.stepOffset = 0
	k.noticed = false
	k.warned = false
}

// Seed primes the conversation with a handover summary from another
// kernel and shifts step numbering past the steps it already took.
func (k *Vision) Seed(summary string, stepsTaken int) {
	k.stepOffset = stepsTaken
	if summary == "" {
		return
	}
	k.history = append(k.history,
		llm.Message{Role: llm.RoleUser, Text: seedMessage(summary, stepsTaken)},
		llm.Message{Role: llm.RoleAssistant, Text: "Understood. I will continue from the current screen."})
}

func (k *Vision) Run(ctx context.Context, instruction string) Outcome {
	out := Outcome{Mode: "vision"}
	cfg := k.deps.Cfg

	parseErrors := 0
	observation := ""

	for out.Steps < cfg.MaxSteps {
		if ctx.Err() != nil {
			out.Message = "cancelled"
			return out
		}
		k.watchdog()

		img, screen, err := k.deps.Channel.Screenshot(ctx)
		if err != nil {
			out.DeviceUnavailable = transportGone(channel.KindOf(err))
			out.Message = "screenshot failed: " + err.Error()
			return bail(out, BailoutCritical)
		}

		inst := ""
		if len(k.history) == 0 || (k.stepOffset > 0 && out.Steps == 0) {
			inst = instruction
		}
		text := visionUserMessage(inst, observation)
		msgs := make([]llm.Message, 0, len(k.history)+2)
		msgs = append(msgs, k.system)
		msgs = append(msgs, k.history...)
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Text: text, Images: [][]byte{img}})

		resp, err := k.deps.LLM.Complete(ctx, llm.Request{
			Model:    k.deps.Model,
			Messages: msgs,
		})
		if err != nil {
			out.Message = "model call failed: " + err.Error()
			return bail(out, BailoutCritical)
		}
		addUsage(&out, resp.Usage)
		// Only the in-flight message carries the screenshot. History
		// keeps the text so the model still sees what it was told.
		k.history = append(k.history,
			llm.Message{Role: llm.RoleUser, Text: text},
			llm.Message{Role: llm.RoleAssistant, Text: resp.Content})

		res := parser.Parse(resp.Content)
		action, aerr := toAction(res)
		if aerr != nil {
			parseErrors++
			k.log.Warn("unparseable model reply",
				zap.Error(aerr), zap.Int("consecutive", parseErrors))
			if parseErrors >= cfg.MaxParseErrors {
				out.Message = "model replies stayed unparseable"
				return bail(out, BailoutExceptions)
			}
			wait := &actions.Action{Type: actions.TypeWait, Seconds: 1}
			out.Steps++
			idx := k.stepOffset + out.Steps
			k.deps.Steps.OnStepStart(ctx, idx, StepInfo{Thinking: res.Thinking, Action: wait.Serialize(), TokensUsed: resp.Usage.TotalTokens})
			k.sleep(time.Second)
			k.deps.Steps.OnStepComplete(ctx, idx, false, res.Thinking, "model reply was unparseable; waited")
			observation = "your last reply could not be parsed; reply with <thinking> and one <tool_call>"
			continue
		}
		parseErrors = 0

		out.Steps++
		idx := k.stepOffset + out.Steps
		k.deps.Steps.OnStepStart(ctx, idx, StepInfo{
			Thinking:   res.Thinking,
			Action:     action.Serialize(),
			TokensUsed: resp.Usage.TotalTokens,
		})

		switch action.Type {
		case actions.TypeDone, actions.TypeAnswer:
			okStep := action.Type == actions.TypeAnswer || action.Succeeded()
			k.deps.Steps.OnStepComplete(ctx, idx, okStep, res.Thinking, action.Describe())
			return terminal(out, action)

		case actions.TypeAskUser:
			answer, askErr := k.deps.Effects.AskUser(ctx, action.Question, action.Options)
			if askErr != nil {
				k.deps.Steps.OnStepComplete(ctx, idx, false, res.Thinking, askErr.Error())
				out.Message = askErr.Error()
				return out
			}
			k.deps.Steps.OnStepComplete(ctx, idx, true, res.Thinking, "user answered: "+answer)
			observation = "the user answered: " + answer
			continue

		case actions.TypeRecordContent:
			k.deps.Effects.RecordContent(ctx, action.Text, action.Category)
			k.deps.Steps.OnStepComplete(ctx, idx, true, res.Thinking, "content recorded")
			observation = "content recorded"
			continue

		case actions.TypeUpdateTodos:
			k.deps.Effects.UpdateTodos(ctx, action.Markdown)
			k.deps.Steps.OnStepComplete(ctx, idx, true, res.Thinking, "todos updated")
			observation = "todo list updated"
			continue
		}

		r := k.deps.execute(ctx, action, screen, nil)
		obs := observationOf(r)
		k.deps.Steps.OnStepComplete(ctx, idx, r.Success, res.Thinking, obs)
		observation = obs

		if !r.Success && transportGone(r.ErrorKind) {
			out.DeviceUnavailable = true
			out.Message = "device_unavailable: " + r.Message
			return bail(out, BailoutCritical)
		}

		k.sleep(cfg.SettleDelay())
	}

	out.Message = "max_steps_reached"
	return bail(out, BailoutMaxSteps)
}

// watchdog flags a conversation that has grown past the comfort
// thresholds. It never drops messages; cost is the operator's call.
func (k *Vision) watchdog() {
	exchanges := len(k.history) / 2
	cfg := k.deps.Cfg
	if !k.warned && exchanges >= cfg.ContextWarnSteps {
		k.warned = true
		k.log.Warn("conversation history very long",
			zap.Int("exchanges", exchanges),
			zap.String("hint", fmt.Sprintf("over %d exchanges; expect prompt cost to climb", cfg.ContextWarnSteps)))
		return
	}
	if !k.noticed && exchanges >= cfg.ContextNoticeSteps {
		k.noticed = true
		k.log.Info("conversation history getting long", zap.Int("exchanges", exchanges))
	}
}

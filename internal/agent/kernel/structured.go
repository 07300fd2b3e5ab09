package kernel

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/autofleet/autofleet/internal/agent/actions"
	"github.com/autofleet/autofleet/internal/agent/parser"
	"github.com/autofleet/autofleet/internal/agent/perception"
	"github.com/autofleet/autofleet/internal/common/logger"
	"github.com/autofleet/autofleet/internal/device/channel"
	"github.com/autofleet/autofleet/internal/llm"
)

// Structured is the cheap kernel: it prompts with parsed UI elements
// in JSON mode and never ships an image. When it cannot make progress
// it aborts with a fallback signal instead of burning steps.
type Structured struct {
	deps       Deps
	log        *logger.Logger
	system     llm.Message
	history    []llm.Message
	trail      []string
	stepOffset int
	sleep      func(time.Duration)
}

func NewStructured(deps Deps) *Structured {
	deps.fill()
	return &Structured{
		deps:   deps,
		log:    deps.Log.WithComponent("kernel.structured"),
		system: llm.Message{Role: llm.RoleSystem, Text: structuredSystemPrompt(deps.Channel.Kind())},
		sleep:  time.Sleep,
	}
}

func (k *Structured) Reset() {
	k.history = nil
	k.trail = nil
	k.stepOffset = 0
}

// Summary renders the recent step trail for a kernel taking over.
func (k *Structured) Summary() string { return strings.Join(k.trail, "\n") }

func (k *Structured) Run(ctx context.Context, instruction string) Outcome {
	out := Outcome{Mode: "structured"}
	cfg := k.deps.Cfg

	emptyUI := 0
	failures := 0
	parseErrors := 0
	observation := ""

	for out.Steps < cfg.MaxSteps {
		if ctx.Err() != nil {
			out.Message = "cancelled"
			return out
		}

		snap, err := k.observe(ctx)
		if err != nil {
			out.DeviceUnavailable = transportGone(channel.KindOf(err))
			out.Message = "ui acquisition failed: " + err.Error()
			return bail(out, BailoutCritical)
		}
		if snap.Empty() {
			emptyUI++
			k.log.Debug("empty ui dump", zap.Int("consecutive", emptyUI))
			if emptyUI >= cfg.MaxEmptyUI {
				out.Message = "ui dump stayed empty"
				return bail(out, BailoutEmptyUI)
			}
			k.sleep(cfg.SettleDelay())
			continue
		}
		emptyUI = 0

		inst := ""
		if len(k.history) == 0 {
			inst = instruction
		}
		user := llm.Message{Role: llm.RoleUser, Text: structuredUserMessage(inst, observation, snap)}
		msgs := append([]llm.Message{k.system}, windowMessages(k.history, cfg.ContextWindow)...)
		msgs = append(msgs, user)

		resp, err := k.deps.LLM.Complete(ctx, llm.Request{
			Model:    k.deps.Model,
			Messages: msgs,
			JSONMode: true,
		})
		if err != nil {
			out.Message = "model call failed: " + err.Error()
			return bail(out, BailoutCritical)
		}
		addUsage(&out, resp.Usage)
		k.history = append(k.history, user, llm.Message{Role: llm.RoleAssistant, Text: resp.Content})

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
			observation = k.waitStep(ctx, &out, res.Thinking, resp.Usage.TotalTokens)
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
			k.trailAdd(idx, action.Describe())
			return terminal(out, action)

		case actions.TypeAskUser:
			answer, askErr := k.deps.Effects.AskUser(ctx, action.Question, action.Options)
			if askErr != nil {
				k.deps.Steps.OnStepComplete(ctx, idx, false, res.Thinking, askErr.Error())
				out.Message = askErr.Error()
				return out
			}
			k.deps.Steps.OnStepComplete(ctx, idx, true, res.Thinking, "user answered: "+answer)
			k.trailAdd(idx, "asked user")
			observation = "the user answered: " + answer
			continue

		case actions.TypeRecordContent:
			k.deps.Effects.RecordContent(ctx, action.Text, action.Category)
			k.deps.Steps.OnStepComplete(ctx, idx, true, res.Thinking, "content recorded")
			k.trailAdd(idx, "recorded content")
			observation = "content recorded"
			continue

		case actions.TypeUpdateTodos:
			k.deps.Effects.UpdateTodos(ctx, action.Markdown)
			k.deps.Steps.OnStepComplete(ctx, idx, true, res.Thinking, "todos updated")
			k.trailAdd(idx, "updated todos")
			observation = "todo list updated"
			continue
		}

		r := k.deps.execute(ctx, action, snap.Screen, snap)
		obs := observationOf(r)
		k.deps.Steps.OnStepComplete(ctx, idx, r.Success, res.Thinking, obs)
		k.trailAdd(idx, action.Describe())
		observation = obs

		if r.Success {
			failures = 0
		} else {
			if transportGone(r.ErrorKind) {
				out.DeviceUnavailable = true
				out.Message = "device_unavailable: " + r.Message
				return bail(out, BailoutCritical)
			}
			failures++
			if failures >= cfg.MaxConsecutiveFailures {
				out.Message = "actions kept failing"
				return bail(out, BailoutActionFailing)
			}
		}

		k.sleep(cfg.SettleDelay())
	}

	out.Message = "max_steps_reached"
	return bail(out, BailoutMaxSteps)
}

// waitStep records the stall a parse failure causes and nudges the
// model on the next turn.
func (k *Structured) waitStep(ctx context.Context, out *Outcome, thinking string, tokens int) string {
	wait := &actions.Action{Type: actions.TypeWait, Seconds: 1}
	out.Steps++
	idx := k.stepOffset + out.Steps
	k.deps.Steps.OnStepStart(ctx, idx, StepInfo{Thinking: thinking, Action: wait.Serialize(), TokensUsed: tokens})
	k.sleep(time.Second)
	k.deps.Steps.OnStepComplete(ctx, idx, false, thinking, "model reply was unparseable; waited")
	k.trailAdd(idx, "unparseable reply")
	return "your last reply could not be parsed; answer with exactly one JSON action"
}

func (k *Structured) observe(ctx context.Context) (*perception.Snapshot, error) {
	raw, err := k.deps.Channel.UISnapshot(ctx)
	if err != nil {
		return nil, err
	}
	snap, err := perception.Parse(raw)
	if err != nil {
		// A dump that will not parse is as useful as an empty one.
		k.log.Debug("unparseable ui dump", zap.Error(err))
		return &perception.Snapshot{Screen: raw.Screen}, nil
	}
	return snap, nil
}

func (k *Structured) trailAdd(idx int, line string) {
	k.trail = append(k.trail, fmt.Sprintf("step %d: %s", idx, line))
	if len(k.trail) > 12 {
		k.trail = k.trail[len(k.trail)-12:]
	}
}

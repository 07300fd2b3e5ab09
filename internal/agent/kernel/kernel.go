// Package kernel implements the agent loops that drive a device
// toward a task instruction: a cheap structured loop over parsed UI
// elements, an expensive vision loop over screenshots, and a hybrid
// that starts cheap and falls back once when the structured pass
// signals it cannot make progress.
package kernel

import (
	"context"
	"errors"
	"fmt"

	"github.com/autofleet/autofleet/internal/agent/actions"
	"github.com/autofleet/autofleet/internal/agent/executor"
	"github.com/autofleet/autofleet/internal/agent/parser"
	"github.com/autofleet/autofleet/internal/common/config"
	"github.com/autofleet/autofleet/internal/common/logger"
	"github.com/autofleet/autofleet/internal/device/channel"
	"github.com/autofleet/autofleet/internal/llm"
)

// Bailout signals a kernel can return. Every one of them except
// critical_error tells the hybrid kernel a vision pass might still
// rescue the task.
const (
	BailoutEmptyUI       = "ui_consistently_empty"
	BailoutActionFailing = "action_consistently_failing"
	BailoutExceptions    = "too_many_exceptions"
	BailoutMaxSteps      = "max_steps_reached"
	BailoutCritical      = "critical_error"
)

// Outcome is the result of one kernel run.
type Outcome struct {
	Success          bool
	Steps            int
	Message          string
	Mode             string
	Data             map[string]interface{}
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int

	// Bailout names the signal that aborted the loop, if any.
	Bailout        string
	ShouldFallback bool

	// DeviceUnavailable marks a channel that stayed unreachable after
	// a retry; the scheduler takes the device offline.
	DeviceUnavailable bool
}

// Kernel runs one instruction against a device.
type Kernel interface {
	Run(ctx context.Context, instruction string) Outcome
	Reset()
}

// StepInfo accompanies OnStepStart.
type StepInfo struct {
	Thinking   string
	Action     map[string]interface{}
	TokensUsed int
}

// StepSink receives the per-step callback pair, in order, for every
// step a kernel emits. Implementations persist the step and schedule
// screenshot capture; they must not block on either.
type StepSink interface {
	OnStepStart(ctx context.Context, index int, info StepInfo)
	OnStepComplete(ctx context.Context, index int, success bool, thinking, observation string)
}

// EffectSink resolves the actions that mutate task state instead of
// the device. AskUser blocks until the user answers or the wait times
// out.
type EffectSink interface {
	RecordContent(ctx context.Context, text, category string)
	UpdateTodos(ctx context.Context, markdown string)
	AskUser(ctx context.Context, question string, options []string) (string, error)
}

// Deps are the collaborators shared by every kernel.
type Deps struct {
	LLM     llm.Client
	Model   string
	Exec    *executor.Executor
	Channel channel.Channel
	Steps   StepSink
	Effects EffectSink
	Cfg     config.AgentConfig
	Log     *logger.Logger
}

func (d *Deps) fill() {
	if d.Steps == nil {
		d.Steps = noopSteps{}
	}
	if d.Effects == nil {
		d.Effects = noopEffects{}
	}
}

type noopSteps struct{}

func (noopSteps) OnStepStart(context.Context, int, StepInfo)                {}
func (noopSteps) OnStepComplete(context.Context, int, bool, string, string) {}

type noopEffects struct{}

func (noopEffects) RecordContent(context.Context, string, string) {}
func (noopEffects) UpdateTodos(context.Context, string)           {}
func (noopEffects) AskUser(context.Context, string, []string) (string, error) {
	return "", errors.New("no user channel attached")
}

// toAction lifts a parser result into the typed algebra.
func toAction(res parser.Result) (*actions.Action, error) {
	switch {
	case res.Action != nil:
		return actions.Parse(res.Action)
	case res.ActionText != "":
		return actions.ParseText(res.ActionText)
	default:
		return nil, errors.New("model reply contained no action")
	}
}

// execute runs an action with one retry when the transport dropped;
// adb and the desktop client both re-attach on the next use.
func (d *Deps) execute(ctx context.Context, a *actions.Action, screen channel.Screen, res executor.Resolver) executor.Result {
	r := d.Exec.Execute(ctx, a, d.Channel, screen, res)
	if !r.Success && transportGone(r.ErrorKind) && ctx.Err() == nil {
		r = d.Exec.Execute(ctx, a, d.Channel, screen, res)
	}
	return r
}

func transportGone(kind channel.ErrorKind) bool {
	return kind == channel.KindUnreachable || kind == channel.KindOffline
}

// addUsage accumulates token counters onto the outcome.
func addUsage(out *Outcome, u llm.Usage) {
	out.PromptTokens += u.PromptTokens
	out.CompletionTokens += u.CompletionTokens
	out.TotalTokens += u.TotalTokens
}

// terminal folds a done or answer action into the outcome.
func terminal(out Outcome, a *actions.Action) Outcome {
	switch a.Type {
	case actions.TypeAnswer:
		out.Success = true
		out.Message = a.Answer
	default:
		out.Success = a.Succeeded()
		out.Message = a.Message
		if out.Message == "" {
			if out.Success {
				out.Message = "task completed"
			} else {
				out.Message = "task failed"
			}
		}
	}
	if len(a.Data) > 0 {
		out.Data = a.Data
	}
	return out
}

// bail aborts the loop with a named signal.
func bail(out Outcome, signal string) Outcome {
	out.Success = false
	out.Bailout = signal
	out.ShouldFallback = signal != BailoutCritical
	if out.Message == "" {
		out.Message = signal
	}
	return out
}

// windowMessages keeps the first exchange and the last keep-1
// exchanges of an alternating user/assistant history.
func windowMessages(history []llm.Message, keep int) []llm.Message {
	if keep < 1 {
		keep = 1
	}
	pairs := len(history) / 2
	if pairs <= keep {
		return history
	}
	out := make([]llm.Message, 0, keep*2)
	out = append(out, history[:2]...)
	out = append(out, history[(pairs-keep+1)*2:]...)
	return out
}

// observationOf renders an execution result for the next prompt turn.
func observationOf(r executor.Result) string {
	if r.Success {
		return r.Message
	}
	return fmt.Sprintf("action failed (%s): %s", r.ErrorKind, r.Message)
}

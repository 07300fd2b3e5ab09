package kernel

import (
	"fmt"
	"strings"

	"github.com/autofleet/autofleet/internal/agent/perception"
	"github.com/autofleet/autofleet/internal/device"
)

// actionCatalog documents the algebra for the model. Shared verbatim
// by both kernels so replies parse the same way everywhere.
const actionCatalog = `Available actions (emit exactly one per reply):
- {"action":"tap","coordinates":[x,y]} or {"action":"tap","index":N} - tap a point or element
- {"action":"long_press","coordinates":[x,y],"duration_ms":1000}
- {"action":"double_tap","coordinates":[x,y]}
- {"action":"input_text","text":"...","target_index":N} - target_index is optional
- {"action":"swipe","direction":"up|down|left|right"} or {"action":"swipe","start":[x,y],"end":[x,y]}
- {"action":"drag","start":[x,y],"end":[x,y]} or {"action":"drag","start_index":N,"end_index":M}
- {"action":"scroll","coordinates":[x,y],"distance":-400} - negative scrolls content down
- {"action":"key_event","key":"enter"}
- {"action":"press_key","key":"back|home|recent"}
- {"action":"launch_app","app":"Settings"}
- {"action":"wait","seconds":1.5}
- {"action":"read_clipboard"} / {"action":"write_clipboard","text":"..."}
- {"action":"ask_user","question":"...","options":["a","b"]} - only when genuinely blocked
- {"action":"record_important_content","text":"...","category":"..."} - save facts you will need later
- {"action":"generate_or_update_todos","markdown":"- [ ] ..."} - keep a plan for long tasks
- {"action":"answer","answer":"..."} - finish a question task with the answer
- {"action":"done","success":true,"message":"..."} - finish; must be your final action

Coordinates are normalized to a 0-1000 grid over the screen.`

const structuredSystemTemplate = `You are a UI automation agent operating a %s for its owner.

Each turn you receive the task, what happened after your last action, and the interactive elements currently on screen as JSON (1-based "index", visible "text", normalized "center"). Prefer element indices over raw coordinates. Act in small reliable steps and verify progress from the element list before moving on.

%s

Reply with a single JSON object: {"think":"short reasoning","action":{...one action...}}.`

const visionSystemTemplate = `You are a UI automation agent operating a %s for its owner.

Each turn you receive a screenshot of the current screen. Look carefully before acting; prefer taps on clearly visible targets and scroll when the target is off screen. Act in small reliable steps.

%s

Reply in this exact form:
<thinking>short reasoning about the screen and your next step</thinking>
<tool_call>{...one action as JSON...}</tool_call>`

func platformWord(kind device.Kind) string {
	if kind == device.KindPC {
		return "desktop computer"
	}
	return "mobile phone"
}

func structuredSystemPrompt(kind device.Kind) string {
	return fmt.Sprintf(structuredSystemTemplate, platformWord(kind), actionCatalog)
}

func visionSystemPrompt(kind device.Kind) string {
	return fmt.Sprintf(visionSystemTemplate, platformWord(kind), actionCatalog)
}

// structuredUserMessage renders one structured turn. The instruction
// rides on the first turn, later turns carry the last observation.
func structuredUserMessage(instruction, observation string, snap *perception.Snapshot) string {
	var b strings.Builder
	if instruction != "" {
		b.WriteString("Task: ")
		b.WriteString(instruction)
		b.WriteString("\n\n")
	}
	if observation != "" {
		b.WriteString("Observation: ")
		b.WriteString(observation)
		b.WriteString("\n\n")
	}
	b.WriteString("Interactive elements:\n")
	b.WriteString(snap.PromptJSON())
	return b.String()
}

// visionUserMessage renders one vision turn; the screenshot is
// attached to the message separately.
func visionUserMessage(instruction, observation string) string {
	var b strings.Builder
	if instruction != "" {
		b.WriteString("Task: ")
		b.WriteString(instruction)
		if observation == "" {
			b.WriteString("\n\nThe current screen is attached.")
		}
	}
	if observation != "" {
		b.WriteString("\n\nObservation: ")
		b.WriteString(observation)
		b.WriteString("\n\nThe new screen is attached. Continue.")
	}
	return strings.TrimSpace(b.String())
}

// seedMessage summarizes an aborted structured pass for the vision
// kernel taking over.
func seedMessage(summary string, steps int) string {
	return fmt.Sprintf(
		"A faster element-based pass already ran %d steps before handing over. Its trail:\n%s\nContinue the task from the current screen; do not repeat completed steps.",
		steps, summary)
}

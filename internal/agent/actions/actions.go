// Package actions defines the typed action algebra shared by the
// kernels, the response parser and the executor. Kernels emit an
// Action per step; the executor resolves it against a live device
// channel. The wire form is the JSON tool-call shape the models are
// prompted to produce, and Parse accepts the documented legacy
// spellings of that shape.
package actions

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Type names one action variant.
type Type string

const (
	TypeTap            Type = "tap"
	TypeLongPress      Type = "long_press"
	TypeDoubleTap      Type = "double_tap"
	TypeInputText      Type = "input_text"
	TypeSwipe          Type = "swipe"
	TypeDrag           Type = "drag"
	TypeScroll         Type = "scroll"
	TypeKeyEvent       Type = "key_event"
	TypePressKey       Type = "press_key"
	TypeLaunchApp      Type = "launch_app"
	TypeWait           Type = "wait"
	TypeReadClipboard  Type = "read_clipboard"
	TypeWriteClipboard Type = "write_clipboard"
	TypeAskUser        Type = "ask_user"
	TypeRecordContent  Type = "record_important_content"
	TypeUpdateTodos    Type = "generate_or_update_todos"
	TypeAnswer         Type = "answer"
	TypeDone           Type = "done"
)

var validTypes = map[Type]bool{
	TypeTap:            true,
	TypeLongPress:      true,
	TypeDoubleTap:      true,
	TypeInputText:      true,
	TypeSwipe:          true,
	TypeDrag:           true,
	TypeScroll:         true,
	TypeKeyEvent:       true,
	TypePressKey:       true,
	TypeLaunchApp:      true,
	TypeWait:           true,
	TypeReadClipboard:  true,
	TypeWriteClipboard: true,
	TypeAskUser:        true,
	TypeRecordContent:  true,
	TypeUpdateTodos:    true,
	TypeAnswer:         true,
	TypeDone:           true,
}

// Valid reports whether t names a known variant.
func (t Type) Valid() bool { return validTypes[t] }

// Point is a screen position in normalized [0,1000] space. Models emit
// points as two-element arrays; the object form is accepted on input.
type Point struct {
	X int
	Y int
}

func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{p.X, p.Y})
}

func (p *Point) UnmarshalJSON(data []byte) error {
	var arr [2]int
	if err := json.Unmarshal(data, &arr); err == nil {
		p.X, p.Y = arr[0], arr[1]
		return nil
	}
	var obj struct {
		X int `json:"x"`
		Y int `json:"y"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	p.X, p.Y = obj.X, obj.Y
	return nil
}

// Action is the union of every variant's payload. Unused fields stay
// at their zero value and are dropped from the wire form. Index fields
// are 1-based; zero means unset.
type Action struct {
	Type   Type   `json:"action"`
	Reason string `json:"reason,omitempty"`

	// Tap-like targets. Exactly one of Coordinates or Index.
	Coordinates *Point `json:"coordinates,omitempty"`
	Index       int    `json:"index,omitempty"`

	// Swipe and drag geometry.
	Start      *Point `json:"start,omitempty"`
	End        *Point `json:"end,omitempty"`
	StartIndex int    `json:"start_index,omitempty"`
	EndIndex   int    `json:"end_index,omitempty"`
	Direction  string `json:"direction,omitempty"`
	Distance   int    `json:"distance,omitempty"`

	Button     string `json:"button,omitempty"`
	Clicks     int    `json:"clicks,omitempty"`
	DurationMS int    `json:"duration_ms,omitempty"`

	// Text doubles as the record_important_content body.
	Text        string `json:"text,omitempty"`
	TargetIndex int    `json:"target_index,omitempty"`

	Key string `json:"key,omitempty"`
	App string `json:"app,omitempty"`

	Seconds float64 `json:"seconds,omitempty"`

	Question string   `json:"question,omitempty"`
	Options  []string `json:"options,omitempty"`

	Category string `json:"category,omitempty"`
	Markdown string `json:"markdown,omitempty"`

	Answer  string                 `json:"answer,omitempty"`
	Success *bool                  `json:"success,omitempty"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// Terminal reports whether the action ends the kernel loop.
func (a *Action) Terminal() bool {
	return a.Type == TypeDone || a.Type == TypeAnswer
}

// TouchesDevice reports whether executing the action drives the device
// channel. Side-effect variants such as ask_user or wait resolve
// entirely inside the kernel.
func (a *Action) TouchesDevice() bool {
	switch a.Type {
	case TypeWait, TypeAskUser, TypeRecordContent, TypeUpdateTodos, TypeAnswer, TypeDone:
		return false
	}
	return true
}

// NeedsScreen reports whether executing the action resolves normalized
// coordinates against the screen. Launch, key and clipboard variants
// run without knowing the display size, which is what lets the
// preprocessing fast path fire before any screenshot exists.
func (a *Action) NeedsScreen() bool {
	switch a.Type {
	case TypeTap, TypeDoubleTap, TypeLongPress, TypeSwipe, TypeDrag, TypeScroll:
		return true
	case TypeInputText:
		return a.TargetIndex > 0
	}
	return false
}

// Succeeded reports the done flag. Models routinely omit it, and an
// omitted flag means success.
func (a *Action) Succeeded() bool {
	return a.Success == nil || *a.Success
}

// Validate checks the variant-specific payload requirements.
func (a *Action) Validate() error {
	if !a.Type.Valid() {
		return fmt.Errorf("unknown action %q", a.Type)
	}
	switch a.Type {
	case TypeTap, TypeLongPress, TypeDoubleTap:
		if (a.Coordinates != nil) == (a.Index != 0) {
			return fmt.Errorf("%s requires exactly one of coordinates or index", a.Type)
		}
	case TypeInputText:
		if a.Text == "" {
			return fmt.Errorf("input_text requires text")
		}
	case TypeSwipe:
		points := a.Start != nil && a.End != nil
		if points == (a.Direction != "") {
			return fmt.Errorf("swipe requires start and end or a direction")
		}
		if a.Direction != "" && !validDirection(a.Direction) {
			return fmt.Errorf("swipe direction %q is not up, down, left or right", a.Direction)
		}
	case TypeDrag:
		points := a.Start != nil && a.End != nil
		indexes := a.StartIndex != 0 && a.EndIndex != 0
		if points == indexes {
			return fmt.Errorf("drag requires start and end or start_index and end_index")
		}
	case TypeScroll:
		if a.Coordinates == nil && a.Index == 0 {
			return fmt.Errorf("scroll requires coordinates")
		}
		if a.Distance == 0 {
			return fmt.Errorf("scroll requires a signed distance")
		}
	case TypeKeyEvent:
		if a.Key == "" {
			return fmt.Errorf("key_event requires a key")
		}
	case TypePressKey:
		switch strings.ToLower(a.Key) {
		case "back", "home", "recent":
		default:
			return fmt.Errorf("press_key accepts back, home or recent, got %q", a.Key)
		}
	case TypeLaunchApp:
		if a.App == "" {
			return fmt.Errorf("launch_app requires an app name")
		}
	case TypeWait:
		if a.Seconds <= 0 {
			return fmt.Errorf("wait requires positive seconds")
		}
	case TypeWriteClipboard:
		if a.Text == "" {
			return fmt.Errorf("write_clipboard requires text")
		}
	case TypeAskUser:
		if a.Question == "" {
			return fmt.Errorf("ask_user requires a question")
		}
	case TypeRecordContent:
		if a.Text == "" {
			return fmt.Errorf("record_important_content requires text")
		}
	case TypeUpdateTodos:
		if a.Markdown == "" {
			return fmt.Errorf("generate_or_update_todos requires markdown")
		}
	case TypeAnswer:
		if a.Answer == "" {
			return fmt.Errorf("answer requires an answer")
		}
	}
	return nil
}

// Serialize renders the wire form, the same shape Parse accepts.
func (a *Action) Serialize() map[string]interface{} {
	raw, err := json.Marshal(a)
	if err != nil {
		return map[string]interface{}{"action": string(a.Type)}
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]interface{}{"action": string(a.Type)}
	}
	return m
}

// Describe is the short human form used in step records and logs.
func (a *Action) Describe() string {
	switch a.Type {
	case TypeTap, TypeLongPress, TypeDoubleTap:
		if a.Coordinates != nil {
			return fmt.Sprintf("%s (%d,%d)", a.Type, a.Coordinates.X, a.Coordinates.Y)
		}
		return fmt.Sprintf("%s element %d", a.Type, a.Index)
	case TypeInputText:
		return fmt.Sprintf("input_text %q", truncate(a.Text, 40))
	case TypeSwipe:
		if a.Direction != "" {
			return "swipe " + a.Direction
		}
		return fmt.Sprintf("swipe (%d,%d)->(%d,%d)", a.Start.X, a.Start.Y, a.End.X, a.End.Y)
	case TypeScroll:
		return fmt.Sprintf("scroll %d", a.Distance)
	case TypeKeyEvent:
		return "key_event " + a.Key
	case TypePressKey:
		return "press_key " + a.Key
	case TypeLaunchApp:
		return "launch_app " + a.App
	case TypeWait:
		return fmt.Sprintf("wait %.1fs", a.Seconds)
	case TypeAskUser:
		return fmt.Sprintf("ask_user %q", truncate(a.Question, 40))
	case TypeAnswer:
		return fmt.Sprintf("answer %q", truncate(a.Answer, 40))
	case TypeDone:
		if a.Succeeded() {
			return "done"
		}
		return "done (failed)"
	}
	return string(a.Type)
}

func validDirection(d string) bool {
	switch strings.ToLower(d) {
	case "up", "down", "left", "right":
		return true
	}
	return false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

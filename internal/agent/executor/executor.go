// Package executor resolves typed actions against a live device
// channel. It is stateless: coordinates come in normalized [0,1000]
// space and resolve against the screen passed per call, element
// indices resolve through the perception snapshot that produced the
// action. Channel failures never escape as panics or errors; they
// come back as a failed Result carrying the channel's classification.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/autofleet/autofleet/internal/agent/actions"
	"github.com/autofleet/autofleet/internal/common/logger"
	"github.com/autofleet/autofleet/internal/device"
	"github.com/autofleet/autofleet/internal/device/channel"
)

// Resolver maps a 1-based element index to its pixel center.
type Resolver interface {
	CenterOf(index int) (x, y int, ok bool)
}

// Result is the outcome of one action execution.
type Result struct {
	Success   bool
	Message   string
	Extras    map[string]interface{}
	ErrorKind channel.ErrorKind
}

// Executor drives device channels. It holds no per-device state.
type Executor struct {
	log   *logger.Logger
	sleep func(time.Duration)
}

func New(log *logger.Logger) *Executor {
	return &Executor{
		log:   log.WithComponent("agent.executor"),
		sleep: time.Sleep,
	}
}

// Execute runs one action. Side-effect variants that never touch the
// device (ask_user, record_important_content, ...) succeed as no-ops;
// the kernel resolves their meaning before calling here.
func (e *Executor) Execute(ctx context.Context, a *actions.Action, ch channel.Channel, screen channel.Screen, res Resolver) Result {
	r := e.dispatch(ctx, a, ch, screen, res)
	if !r.Success {
		e.log.Warn("action failed",
			zap.String("action", a.Describe()),
			zap.String("kind", string(r.ErrorKind)),
			zap.String("error", r.Message))
	}
	return r
}

func (e *Executor) dispatch(ctx context.Context, a *actions.Action, ch channel.Channel, screen channel.Screen, res Resolver) Result {
	if err := a.Validate(); err != nil {
		return fail(err)
	}
	if a.NeedsScreen() && (screen.Width <= 0 || screen.Height <= 0) {
		return fail(errors.New("screen size unknown"))
	}

	switch a.Type {
	case actions.TypeTap:
		return e.tap(ctx, a, ch, screen, res, atLeastOne(a.Clicks))
	case actions.TypeDoubleTap:
		return e.tap(ctx, a, ch, screen, res, 2)
	case actions.TypeLongPress:
		return e.longPress(ctx, a, ch, screen, res)
	case actions.TypeInputText:
		return e.inputText(ctx, a, ch, screen, res)
	case actions.TypeSwipe:
		return e.swipe(ctx, a, ch, screen)
	case actions.TypeDrag:
		return e.drag(ctx, a, ch, screen, res)
	case actions.TypeScroll:
		return e.scroll(ctx, a, ch, screen, res)
	case actions.TypeKeyEvent:
		if err := ch.KeyEvent(ctx, a.Key); err != nil {
			return fail(err)
		}
		return ok("pressed key " + a.Key)
	case actions.TypePressKey:
		if err := ch.PressKey(ctx, a.Key); err != nil {
			return fail(err)
		}
		return ok("pressed " + a.Key)
	case actions.TypeLaunchApp:
		if err := ch.LaunchApp(ctx, a.App); err != nil {
			return fail(err)
		}
		return ok("launched " + a.App)
	case actions.TypeWait:
		return wait(ctx, a.Seconds)
	case actions.TypeReadClipboard:
		text, err := ch.ReadClipboard(ctx)
		if err != nil {
			return fail(err)
		}
		r := ok("clipboard: " + text)
		r.Extras = map[string]interface{}{"clipboard": text}
		return r
	case actions.TypeWriteClipboard:
		if err := ch.WriteClipboard(ctx, a.Text); err != nil {
			return fail(err)
		}
		return ok("clipboard set")
	case actions.TypeAskUser, actions.TypeRecordContent, actions.TypeUpdateTodos,
		actions.TypeAnswer, actions.TypeDone:
		return ok(a.Describe())
	}
	return fail(fmt.Errorf("unknown action %q", a.Type))
}

func (e *Executor) tap(ctx context.Context, a *actions.Action, ch channel.Channel, screen channel.Screen, res Resolver, clicks int) Result {
	x, y, err := target(a.Coordinates, a.Index, screen, res)
	if err != nil {
		return fail(err)
	}
	if err := ch.Tap(ctx, x, y, button(a.Button), clicks); err != nil {
		return fail(err)
	}
	if clicks > 1 {
		return ok(fmt.Sprintf("double tapped (%d,%d)", x, y))
	}
	return ok(fmt.Sprintf("tapped (%d,%d)", x, y))
}

func (e *Executor) longPress(ctx context.Context, a *actions.Action, ch channel.Channel, screen channel.Screen, res Resolver) Result {
	x, y, err := target(a.Coordinates, a.Index, screen, res)
	if err != nil {
		return fail(err)
	}
	dur := a.DurationMS
	if dur <= 0 {
		dur = 1000
	}
	// A zero-distance swipe is a press and hold on every platform.
	if err := ch.Swipe(ctx, x, y, x, y, dur); err != nil {
		return fail(err)
	}
	return ok(fmt.Sprintf("long pressed (%d,%d) for %dms", x, y, dur))
}

func (e *Executor) inputText(ctx context.Context, a *actions.Action, ch channel.Channel, screen channel.Screen, res Resolver) Result {
	if a.TargetIndex > 0 {
		x, y, err := target(nil, a.TargetIndex, screen, res)
		if err != nil {
			return fail(err)
		}
		if err := ch.Tap(ctx, x, y, "left", 1); err != nil {
			return fail(err)
		}
		e.sleep(300 * time.Millisecond)
	}

	// The Android input shell drops non-ASCII text; route it through
	// the clipboard and a paste key. Desktops type unicode natively.
	if ch.Kind() == device.KindPhone && !isASCII(a.Text) {
		if err := ch.WriteClipboard(ctx, a.Text); err != nil {
			return fail(err)
		}
		if err := ch.KeyEvent(ctx, "paste"); err != nil {
			return fail(err)
		}
		return ok(fmt.Sprintf("pasted %d chars", len([]rune(a.Text))))
	}
	if err := ch.TypeText(ctx, a.Text); err != nil {
		return fail(err)
	}
	return ok(fmt.Sprintf("typed %d chars", len([]rune(a.Text))))
}

func (e *Executor) swipe(ctx context.Context, a *actions.Action, ch channel.Channel, screen channel.Screen) Result {
	var x1, y1, x2, y2 int
	if a.Direction != "" {
		x1, y1, x2, y2 = directionSwipe(a.Direction, screen)
	} else {
		x1, y1 = toPixels(*a.Start, screen)
		x2, y2 = toPixels(*a.End, screen)
	}
	if err := ch.Swipe(ctx, x1, y1, x2, y2, a.DurationMS); err != nil {
		return fail(err)
	}
	if a.Direction != "" {
		return ok("swiped " + a.Direction)
	}
	return ok(fmt.Sprintf("swiped (%d,%d)->(%d,%d)", x1, y1, x2, y2))
}

func (e *Executor) drag(ctx context.Context, a *actions.Action, ch channel.Channel, screen channel.Screen, res Resolver) Result {
	var x1, y1, x2, y2 int
	if a.Start != nil && a.End != nil {
		x1, y1 = toPixels(*a.Start, screen)
		x2, y2 = toPixels(*a.End, screen)
	} else {
		var err error
		if x1, y1, err = target(nil, a.StartIndex, screen, res); err != nil {
			return fail(err)
		}
		if x2, y2, err = target(nil, a.EndIndex, screen, res); err != nil {
			return fail(err)
		}
	}
	dur := a.DurationMS
	if dur <= 0 {
		dur = 1000
	}
	if err := ch.Swipe(ctx, x1, y1, x2, y2, dur); err != nil {
		return fail(err)
	}
	return ok(fmt.Sprintf("dragged (%d,%d)->(%d,%d)", x1, y1, x2, y2))
}

func (e *Executor) scroll(ctx context.Context, a *actions.Action, ch channel.Channel, screen channel.Screen, res Resolver) Result {
	x, y, err := target(a.Coordinates, a.Index, screen, res)
	if err != nil {
		return fail(err)
	}
	if err := ch.Scroll(ctx, x, y, a.Distance); err != nil {
		return fail(err)
	}
	return ok(fmt.Sprintf("scrolled %d at (%d,%d)", a.Distance, x, y))
}

func wait(ctx context.Context, seconds float64) Result {
	t := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return fail(ctx.Err())
	case <-t.C:
		return ok(fmt.Sprintf("waited %.1fs", seconds))
	}
}

// target resolves a normalized point or a 1-based element index to
// pixels.
func target(p *actions.Point, index int, screen channel.Screen, res Resolver) (int, int, error) {
	if p != nil {
		x, y := toPixels(*p, screen)
		return x, y, nil
	}
	if index > 0 {
		if res == nil {
			return 0, 0, fmt.Errorf("no element list to resolve index %d", index)
		}
		if x, y, ok := res.CenterOf(index); ok {
			return x, y, nil
		}
		return 0, 0, fmt.Errorf("element %d not on current screen", index)
	}
	return 0, 0, errors.New("action has no target")
}

// toPixels maps normalized [0,1000] onto the screen with truncating
// division; the far edge clamps to the last pixel.
func toPixels(p actions.Point, screen channel.Screen) (int, int) {
	x := p.X * screen.Width / 1000
	y := p.Y * screen.Height / 1000
	x = min(max(x, 0), screen.Width-1)
	y = min(max(y, 0), screen.Height-1)
	return x, y
}

// directionSwipe spans 80% of the screen centered on the midline.
func directionSwipe(dir string, screen channel.Screen) (int, int, int, int) {
	midX, midY := screen.Width/2, screen.Height/2
	spanX, spanY := screen.Width*4/10, screen.Height*4/10
	switch dir {
	case "up":
		return midX, midY + spanY, midX, midY - spanY
	case "down":
		return midX, midY - spanY, midX, midY + spanY
	case "left":
		return midX + spanX, midY, midX - spanX, midY
	default: // right
		return midX - spanX, midY, midX + spanX, midY
	}
}

func button(b string) string {
	if b == "" {
		return "left"
	}
	return b
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 127 {
			return false
		}
	}
	return true
}

func ok(msg string) Result {
	return Result{Success: true, Message: msg}
}

func fail(err error) Result {
	return Result{
		Success:   false,
		Message:   err.Error(),
		ErrorKind: channel.KindOf(err),
	}
}

package channel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/autofleet/autofleet/internal/common/logger"
	"github.com/autofleet/autofleet/internal/device"
)

// CommandRunner executes one external command and returns its stdout.
// Injectable so channel behavior is testable without adb installed.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner is the production CommandRunner.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, context.DeadlineExceeded
		}
		return nil, fmt.Errorf("%w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// androidKeycodes maps friendly key names to Android keycodes.
var androidKeycodes = map[string]int{
	"home":        3,
	"back":        4,
	"volume_up":   24,
	"volume_down": 25,
	"power":       26,
	"camera":      27,
	"enter":       66,
	"delete":      67,
	"del":         67,
	"tab":         61,
	"space":       62,
	"up":          19,
	"down":        20,
	"left":        21,
	"right":       22,
	"menu":        82,
	"search":      84,
	"escape":      111,
	"page_up":     92,
	"page_down":   93,
	"recent":      187,
	"app_switch":  187,
	"paste":       279,
}

// uiautomator dump strategies, tried in order and cached once one works.
const (
	dumpStrategyUnknown = iota
	dumpStrategyPlain
	dumpStrategyNohup
)

const dumpPath = "/sdcard/window_dump.xml"

var (
	overrideSizeRe = regexp.MustCompile(`Override size:\s*(\d+)x(\d+)`)
	physicalSizeRe = regexp.MustCompile(`Physical size:\s*(\d+)x(\d+)`)
	batteryLevelRe = regexp.MustCompile(`level:\s*(\d+)`)
	clipperDataRe  = regexp.MustCompile(`data="((?s).*)"`)
)

// ADB drives a phone over the reverse tunnel using the adb CLI against
// localhost:<port>.
type ADB struct {
	port    int
	serial  string
	run     CommandRunner
	log     *logger.Logger
	timeout time.Duration

	mu           sync.Mutex
	connected    bool
	dumpStrategy int
}

var _ Channel = (*ADB)(nil)

// NewADB creates a phone channel for the given tunnel port. A nil
// runner uses the real adb binary.
func NewADB(port int, run CommandRunner, log *logger.Logger) *ADB {
	if run == nil {
		run = ExecRunner
	}
	return &ADB{
		port:    port,
		serial:  fmt.Sprintf("localhost:%d", port),
		run:     run,
		log:     log.WithComponent("channel.adb").WithFields(zap.Int("port", port)),
		timeout: 30 * time.Second,
	}
}

func (a *ADB) Kind() device.Kind { return device.KindPhone }
func (a *ADB) Port() int         { return a.port }

// Connect attaches the adb server to the tunnel endpoint. adb connect
// exits 0 even on failure, so the output text decides.
func (a *ADB) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	out, err := a.run(ctx, "adb", "connect", a.serial)
	if err != nil {
		return classifyADB("connect", err)
	}
	text := string(out)
	if !strings.Contains(text, "connected to") {
		return NewError(KindUnreachable, "connect", fmt.Errorf("adb connect: %s", strings.TrimSpace(text)))
	}

	a.mu.Lock()
	a.connected = true
	a.dumpStrategy = dumpStrategyUnknown
	a.mu.Unlock()
	return nil
}

// Close detaches the adb endpoint.
func (a *ADB) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	_, err := a.run(ctx, "adb", "disconnect", a.serial)
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	if err != nil {
		return classifyADB("disconnect", err)
	}
	return nil
}

// adb runs one adb invocation against this device, retrying once after
// a reconnect when the endpoint looks unreachable or detached.
func (a *ADB) adb(ctx context.Context, op string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	full := append([]string{"-s", a.serial}, args...)
	out, err := a.run(ctx, "adb", full...)
	if err == nil {
		return out, nil
	}

	cerr := classifyADB(op, err)
	if cerr.Kind != KindUnreachable && cerr.Kind != KindOffline {
		return nil, cerr
	}
	a.log.Debug("reconnecting after channel error", zap.String("op", op), zap.Error(cerr))
	if rerr := a.Connect(ctx); rerr != nil {
		return nil, cerr
	}
	out, err = a.run(ctx, "adb", full...)
	if err != nil {
		return nil, classifyADB(op, err)
	}
	return out, nil
}

func (a *ADB) shell(ctx context.Context, op string, args ...string) ([]byte, error) {
	return a.adb(ctx, op, append([]string{"shell"}, args...)...)
}

func classifyADB(op string, err error) *Error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "device offline"),
		strings.Contains(msg, "not found"):
		return NewError(KindOffline, op, err)
	case strings.Contains(msg, "cannot connect"),
		strings.Contains(msg, "Connection refused"),
		strings.Contains(msg, "failed to connect"):
		return NewError(KindUnreachable, op, err)
	}
	return classify(op, err)
}

func (a *ADB) Tap(ctx context.Context, x, y int, button string, clicks int) error {
	if clicks < 1 {
		clicks = 1
	}
	for i := 0; i < clicks; i++ {
		if i > 0 {
			// Multi-tap gestures need a perceivable gap.
			time.Sleep(100 * time.Millisecond)
		}
		if _, err := a.shell(ctx, "tap", "input", "tap", strconv.Itoa(x), strconv.Itoa(y)); err != nil {
			return err
		}
	}
	return nil
}

func (a *ADB) Swipe(ctx context.Context, x1, y1, x2, y2, durationMS int) error {
	if durationMS <= 0 {
		durationMS = 300
	}
	_, err := a.shell(ctx, "swipe", "input", "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1),
		strconv.Itoa(x2), strconv.Itoa(y2),
		strconv.Itoa(durationMS))
	return err
}

func (a *ADB) Scroll(ctx context.Context, x, y, distance int) error {
	endY := y + distance
	if endY < 0 {
		endY = 0
	}
	return a.Swipe(ctx, x, y, x, endY, 300)
}

// TypeText types ASCII text directly. Non-ASCII input is the executor's
// responsibility (clipboard+paste path).
func (a *ADB) TypeText(ctx context.Context, text string) error {
	_, err := a.shell(ctx, "type_text", "input", "text", escapeInputText(text))
	return err
}

// escapeInputText converts text for `input text`: spaces become %s and
// shell metacharacters are backslash-escaped.
func escapeInputText(text string) string {
	replacer := strings.NewReplacer(
		" ", "%s",
		"&", `\&`,
		"<", `\<`,
		">", `\>`,
		"|", `\|`,
		";", `\;`,
		"$", `\$`,
		"(", `\(`,
		")", `\)`,
		`"`, `\"`,
		"'", `\'`,
		"`", "\\`",
	)
	return replacer.Replace(text)
}

func (a *ADB) KeyEvent(ctx context.Context, key string) error {
	code, err := androidKeycode(key)
	if err != nil {
		return NewError(KindCommandFailed, "key_event", err)
	}
	_, cerr := a.shell(ctx, "key_event", "input", "keyevent", strconv.Itoa(code))
	return cerr
}

// androidKeycode resolves a friendly name or numeric string to a keycode.
func androidKeycode(key string) (int, error) {
	if code, err := strconv.Atoi(key); err == nil {
		return code, nil
	}
	if code, ok := androidKeycodes[strings.ToLower(strings.TrimSpace(key))]; ok {
		return code, nil
	}
	return 0, fmt.Errorf("unknown key %q", key)
}

func (a *ADB) PressKey(ctx context.Context, name string) error {
	switch strings.ToLower(name) {
	case "back", "home", "recent":
		return a.KeyEvent(ctx, name)
	default:
		return NewError(KindCommandFailed, "press_key", fmt.Errorf("unsupported navigation key %q", name))
	}
}

// LaunchApp starts an app by package name, resolving friendly names
// through the package list first.
func (a *ADB) LaunchApp(ctx context.Context, name string) error {
	pkg := strings.TrimSpace(name)
	if !strings.Contains(pkg, ".") {
		resolved, err := a.resolvePackage(ctx, pkg)
		if err != nil {
			return err
		}
		pkg = resolved
	}
	_, err := a.shell(ctx, "launch_app",
		"monkey", "-p", pkg, "-c", "android.intent.category.LAUNCHER", "1")
	return err
}

func (a *ADB) resolvePackage(ctx context.Context, name string) (string, error) {
	out, err := a.shell(ctx, "launch_app", "pm", "list", "packages")
	if err != nil {
		return "", err
	}
	needle := strings.ToLower(name)
	for _, line := range strings.Split(string(out), "\n") {
		pkg := strings.TrimSpace(strings.TrimPrefix(line, "package:"))
		if pkg == "" {
			continue
		}
		if strings.Contains(strings.ToLower(pkg), needle) {
			return pkg, nil
		}
	}
	return "", NewError(KindCommandFailed, "launch_app", fmt.Errorf("no installed package matches %q", name))
}

// ReadClipboard reads the device clipboard through the enhanced-tooling
// broadcast receiver.
func (a *ADB) ReadClipboard(ctx context.Context) (string, error) {
	out, err := a.shell(ctx, "read_clipboard", "am", "broadcast", "-a", "clipper.get")
	if err != nil {
		return "", err
	}
	m := clipperDataRe.FindSubmatch(out)
	if m == nil {
		return "", NewError(KindCommandFailed, "read_clipboard",
			errors.New("clipboard tooling returned no data"))
	}
	return string(m[1]), nil
}

// WriteClipboard sets the device clipboard through the enhanced-tooling
// broadcast receiver.
func (a *ADB) WriteClipboard(ctx context.Context, text string) error {
	_, err := a.shell(ctx, "write_clipboard", "am", "broadcast", "-a", "clipper.set", "-e", "text", text)
	return err
}

// Screenshot captures the screen as PNG via exec-out, which keeps the
// byte stream binary-safe.
func (a *ADB) Screenshot(ctx context.Context) ([]byte, Screen, error) {
	out, err := a.adb(ctx, "screenshot", "exec-out", "screencap", "-p")
	if err != nil {
		return nil, Screen{}, err
	}
	cfg, derr := png.DecodeConfig(bytes.NewReader(out))
	if derr != nil {
		return nil, Screen{}, NewError(KindCommandFailed, "screenshot",
			fmt.Errorf("invalid png from screencap: %w", derr))
	}
	return out, Screen{Width: cfg.Width, Height: cfg.Height}, nil
}

// UISnapshot dumps the UI hierarchy, remembering which dump strategy
// works for this device until it reconnects.
func (a *ADB) UISnapshot(ctx context.Context) (*UISnapshot, error) {
	a.mu.Lock()
	strategy := a.dumpStrategy
	a.mu.Unlock()

	order := []int{dumpStrategyPlain, dumpStrategyNohup}
	if strategy != dumpStrategyUnknown {
		order = []int{strategy}
	}

	var lastErr error
	for _, s := range order {
		xml, err := a.dumpHierarchy(ctx, s)
		if err != nil {
			lastErr = err
			continue
		}
		a.mu.Lock()
		a.dumpStrategy = s
		a.mu.Unlock()

		screen, serr := a.ScreenSize(ctx)
		if serr != nil {
			screen = Screen{}
		}
		return &UISnapshot{Format: FormatUIAutomatorXML, Data: xml, Screen: screen}, nil
	}
	if lastErr == nil {
		lastErr = NewError(KindCommandFailed, "ui_snapshot", errors.New("uiautomator dump produced no hierarchy"))
	}
	return nil, lastErr
}

func (a *ADB) dumpHierarchy(ctx context.Context, strategy int) ([]byte, error) {
	args := []string{"uiautomator", "dump"}
	if strategy == dumpStrategyNohup {
		args = []string{"uiautomator", "dump", "--nohup"}
	}
	args = append(args, dumpPath)
	if _, err := a.shell(ctx, "ui_snapshot", args...); err != nil {
		return nil, err
	}
	out, err := a.shell(ctx, "ui_snapshot", "cat", dumpPath)
	if err != nil {
		return nil, err
	}
	if !bytes.Contains(out, []byte("<hierarchy")) {
		return nil, NewError(KindCommandFailed, "ui_snapshot", errors.New("dump output missing hierarchy root"))
	}
	return out, nil
}

// ScreenSize parses `wm size`, preferring the override size (the
// effective resolution) over the physical panel size.
func (a *ADB) ScreenSize(ctx context.Context) (Screen, error) {
	out, err := a.shell(ctx, "screen_size", "wm", "size")
	if err != nil {
		return Screen{}, err
	}
	m := overrideSizeRe.FindSubmatch(out)
	if m == nil {
		m = physicalSizeRe.FindSubmatch(out)
	}
	if m == nil {
		return Screen{}, NewError(KindCommandFailed, "screen_size",
			fmt.Errorf("unparseable wm size output: %s", strings.TrimSpace(string(out))))
	}
	w, _ := strconv.Atoi(string(m[1]))
	h, _ := strconv.Atoi(string(m[2]))
	return Screen{Width: w, Height: h}, nil
}

// FetchSpecs gathers the hardware report used at scanner discovery.
func (a *ADB) FetchSpecs(ctx context.Context) (device.Specs, error) {
	specs := device.Specs{DeviceType: string(device.KindPhone), OS: "android", FRPPort: a.port}

	if out, err := a.shell(ctx, "specs", "getprop", "ro.product.model"); err == nil {
		specs.Model = strings.TrimSpace(string(out))
		specs.DeviceName = specs.Model
	} else {
		return specs, err
	}
	if out, err := a.shell(ctx, "specs", "getprop", "ro.build.version.release"); err == nil {
		specs.OSVersion = strings.TrimSpace(string(out))
	}
	if screen, err := a.ScreenSize(ctx); err == nil {
		specs.ScreenResolution = fmt.Sprintf("%dx%d", screen.Width, screen.Height)
	}
	if out, err := a.shell(ctx, "specs", "dumpsys", "battery"); err == nil {
		if m := batteryLevelRe.FindSubmatch(out); m != nil {
			specs.Battery, _ = strconv.Atoi(string(m[1]))
		}
	}
	return specs, nil
}

// Command exposes a few raw passthrough operations for the device
// command API.
func (a *ADB) Command(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, error) {
	switch name {
	case "shell":
		raw, _ := args["command"].(string)
		if raw == "" {
			return nil, NewError(KindCommandFailed, "command", errors.New("shell command requires args.command"))
		}
		out, err := a.shell(ctx, "command", strings.Fields(raw)...)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"output": string(out)}, nil
	case "screen_size":
		screen, err := a.ScreenSize(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"width": screen.Width, "height": screen.Height}, nil
	default:
		return nil, NewError(KindCommandFailed, "command", fmt.Errorf("unknown command %q", name))
	}
}

package channel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/autofleet/autofleet/internal/common/logger"
	"github.com/autofleet/autofleet/internal/device"
)

// PCHealth is the PC client's /health report.
type PCHealth struct {
	Status     string  `json:"status"`
	DeviceType string  `json:"device_type"`
	OS         string  `json:"os"`
	Ratio      float64 `json:"ratio"`
	CtrlKey    string  `json:"ctrl_key"`
	SearchKey  string  `json:"search_key"`
}

// PC drives a desktop through the JSON HTTP API the client exposes over
// the reverse tunnel. Pixel coordinates are divided by the display
// ratio before sending (2.0 on Retina).
type PC struct {
	port int
	base string
	http *http.Client
	log  *logger.Logger

	mu     sync.Mutex
	health *PCHealth
}

var _ Channel = (*PC)(nil)

// NewPC creates a PC channel for the given tunnel port. baseURL
// overrides the default localhost endpoint (tests).
func NewPC(port int, baseURL string, log *logger.Logger) *PC {
	base := baseURL
	if base == "" {
		base = fmt.Sprintf("http://localhost:%d", port)
	}
	return &PC{
		port: port,
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
		log:  log.WithComponent("channel.pc").WithFields(zap.Int("port", port)),
	}
}

func (p *PC) Kind() device.Kind { return device.KindPC }
func (p *PC) Port() int         { return p.port }
func (p *PC) Close() error      { return nil }

// Health fetches and caches the client's /health report.
func (p *PC) Health(ctx context.Context) (*PCHealth, error) {
	p.mu.Lock()
	if p.health != nil {
		h := *p.health
		p.mu.Unlock()
		return &h, nil
	}
	p.mu.Unlock()

	var h PCHealth
	if err := p.get(ctx, "health", "/health", &h); err != nil {
		return nil, err
	}
	if h.Ratio <= 0 {
		h.Ratio = 1.0
	}
	p.mu.Lock()
	p.health = &h
	p.mu.Unlock()
	return &h, nil
}

// FetchSpecs builds the registry specs from the health report.
func (p *PC) FetchSpecs(ctx context.Context) (device.Specs, error) {
	h, err := p.Health(ctx)
	if err != nil {
		return device.Specs{}, err
	}
	return device.Specs{
		DeviceType: string(device.KindPC),
		OS:         h.OS,
		FRPPort:    p.port,
		Ratio:      h.Ratio,
		CtrlKey:    h.CtrlKey,
		SearchKey:  h.SearchKey,
	}, nil
}

// scale converts a physical pixel coordinate to the client's logical
// coordinate space.
func (p *PC) scale(ctx context.Context, v int) (int, error) {
	h, err := p.Health(ctx)
	if err != nil {
		return 0, err
	}
	return int(float64(v) / h.Ratio), nil
}

func (p *PC) Tap(ctx context.Context, x, y int, button string, clicks int) error {
	sx, err := p.scale(ctx, x)
	if err != nil {
		return err
	}
	sy, err := p.scale(ctx, y)
	if err != nil {
		return err
	}
	if button == "" {
		button = "left"
	}
	if clicks < 1 {
		clicks = 1
	}
	return p.post(ctx, "tap", "/api/control/click", map[string]interface{}{
		"x": sx, "y": sy, "button": button, "clicks": clicks,
	}, nil)
}

// Swipe has no PC equivalent in the control API.
func (p *PC) Swipe(ctx context.Context, x1, y1, x2, y2, durationMS int) error {
	return NewError(KindCommandFailed, "swipe", errors.New("swipe is not supported on the pc channel"))
}

// Scroll moves the pointer to the target and turns the pixel distance
// into wheel clicks (120 px per notch).
func (p *PC) Scroll(ctx context.Context, x, y, distance int) error {
	sx, err := p.scale(ctx, x)
	if err != nil {
		return err
	}
	sy, err := p.scale(ctx, y)
	if err != nil {
		return err
	}
	if err := p.post(ctx, "scroll", "/api/control/move", map[string]interface{}{"x": sx, "y": sy}, nil); err != nil {
		return err
	}
	clicks := distance / 120
	if clicks == 0 {
		if distance > 0 {
			clicks = 1
		} else if distance < 0 {
			clicks = -1
		}
	}
	return p.post(ctx, "scroll", "/api/control/scroll", map[string]interface{}{"clicks": clicks}, nil)
}

// TypeText sends text to the focused control. The PC client types
// unicode natively, so there is no separate clipboard path here.
func (p *PC) TypeText(ctx context.Context, text string) error {
	return p.post(ctx, "type_text", "/api/control/type", map[string]interface{}{"text": text}, nil)
}

// KeyEvent sends a key with optional modifiers ("ctrl+shift+t"). The
// generic "ctrl" modifier is translated to the platform's control key.
func (p *PC) KeyEvent(ctx context.Context, key string) error {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(key)), "+")
	primary := parts[len(parts)-1]
	modifiers := parts[:len(parts)-1]

	if len(modifiers) > 0 {
		h, err := p.Health(ctx)
		if err != nil {
			return err
		}
		for i, m := range modifiers {
			if m == "ctrl" && h.CtrlKey != "" {
				modifiers[i] = h.CtrlKey
			}
		}
	}
	payload := map[string]interface{}{"key": primary}
	if len(modifiers) > 0 {
		payload["modifiers"] = modifiers
	}
	return p.post(ctx, "key_event", "/api/control/key", payload, nil)
}

func (p *PC) PressKey(ctx context.Context, name string) error {
	switch strings.ToLower(name) {
	case "back":
		return p.KeyEvent(ctx, "escape")
	case "home":
		h, err := p.Health(ctx)
		if err != nil {
			return err
		}
		if h.SearchKey != "" {
			return p.KeyEvent(ctx, h.SearchKey)
		}
		return p.KeyEvent(ctx, "win")
	case "recent":
		return p.KeyEvent(ctx, "alt+tab")
	default:
		return NewError(KindCommandFailed, "press_key", fmt.Errorf("unsupported navigation key %q", name))
	}
}

// LaunchApp runs the search-shortcut macro: open the launcher search,
// type the app name, confirm with enter.
func (p *PC) LaunchApp(ctx context.Context, name string) error {
	h, err := p.Health(ctx)
	if err != nil {
		return err
	}
	searchKey := h.SearchKey
	if searchKey == "" {
		searchKey = "win"
	}
	if err := p.KeyEvent(ctx, searchKey); err != nil {
		return err
	}
	time.Sleep(500 * time.Millisecond)
	if err := p.TypeText(ctx, name); err != nil {
		return err
	}
	time.Sleep(300 * time.Millisecond)
	return p.KeyEvent(ctx, "enter")
}

// ReadClipboard is unavailable through the PC control API.
func (p *PC) ReadClipboard(ctx context.Context) (string, error) {
	return "", NewError(KindCommandFailed, "read_clipboard", errors.New("clipboard read is not supported on the pc channel"))
}

// WriteClipboard is unavailable through the PC control API; TypeText
// handles unicode directly instead.
func (p *PC) WriteClipboard(ctx context.Context, text string) error {
	return NewError(KindCommandFailed, "write_clipboard", errors.New("clipboard write is not supported on the pc channel"))
}

func (p *PC) Screenshot(ctx context.Context) ([]byte, Screen, error) {
	var resp struct {
		Success bool   `json:"success"`
		Image   string `json:"image"`
		Format  string `json:"format"`
		Error   string `json:"error"`
	}
	if err := p.post(ctx, "screenshot", "/api/control/screenshot", map[string]interface{}{}, &resp); err != nil {
		return nil, Screen{}, err
	}
	raw, err := base64.StdEncoding.DecodeString(resp.Image)
	if err != nil {
		return nil, Screen{}, NewError(KindCommandFailed, "screenshot",
			fmt.Errorf("invalid base64 image: %w", err))
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, Screen{}, NewError(KindCommandFailed, "screenshot",
			fmt.Errorf("invalid png payload: %w", err))
	}
	return raw, Screen{Width: cfg.Width, Height: cfg.Height}, nil
}

// UISnapshot returns the client's pre-listed perception elements.
func (p *PC) UISnapshot(ctx context.Context) (*UISnapshot, error) {
	var resp struct {
		Success    bool            `json:"success"`
		Elements   json.RawMessage `json:"elements"`
		ScreenSize struct {
			W int `json:"w"`
			H int `json:"h"`
		} `json:"screen_size"`
		Error string `json:"error"`
	}
	if err := p.get(ctx, "ui_snapshot", "/api/control/perception", &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, NewError(KindCommandFailed, "ui_snapshot", errors.New(resp.Error))
	}
	return &UISnapshot{
		Format: FormatElementsJSON,
		Data:   resp.Elements,
		Screen: Screen{Width: resp.ScreenSize.W, Height: resp.ScreenSize.H},
	}, nil
}

func (p *PC) ScreenSize(ctx context.Context) (Screen, error) {
	var resp struct {
		Success bool `json:"success"`
		Width   int  `json:"width"`
		Height  int  `json:"height"`
	}
	if err := p.get(ctx, "screen_size", "/api/control/screen_size", &resp); err != nil {
		return Screen{}, err
	}
	return Screen{Width: resp.Width, Height: resp.Height}, nil
}

// Command forwards an opaque operation to a /api/control endpoint.
func (p *PC) Command(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	var out map[string]interface{}
	if err := p.post(ctx, "command", "/api/control/"+name, args, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PC) get(ctx context.Context, op, path string, out interface{}) error {
	return p.do(ctx, op, http.MethodGet, path, nil, out)
}

func (p *PC) post(ctx context.Context, op, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return NewError(KindCommandFailed, op, err)
	}
	return p.do(ctx, op, http.MethodPost, path, body, out)
}

// do performs one request, retrying once after a short pause when the
// endpoint is unreachable.
func (p *PC) do(ctx context.Context, op, method, path string, body []byte, out interface{}) error {
	err := p.doOnce(ctx, op, method, path, body, out)
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) && ce.Kind == KindUnreachable {
		p.log.Debug("retrying after channel error", zap.String("op", op), zap.Error(err))
		time.Sleep(300 * time.Millisecond)
		return p.doOnce(ctx, op, method, path, body, out)
	}
	return err
}

func (p *PC) doOnce(ctx context.Context, op, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.base+path, reader)
	if err != nil {
		return NewError(KindCommandFailed, op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return classify(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return classify(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return NewError(KindCommandFailed, op,
			fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return NewError(KindCommandFailed, op, fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	// Commands without a typed response still report {success, error}.
	var status struct {
		Success *bool  `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &status); err == nil && status.Success != nil && !*status.Success {
		return NewError(KindCommandFailed, op, errors.New(status.Error))
	}
	return nil
}

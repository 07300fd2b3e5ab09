// Package channel implements the data-plane transports to fleet
// devices: ADB over the reverse tunnel for phones, a JSON HTTP API for
// PCs. The executor drives devices exclusively through the Channel
// interface; channels own reconnection and platform key mapping.
package channel

import (
	"context"

	"github.com/autofleet/autofleet/internal/device"
)

// Screen is the pixel geometry of the device display.
type Screen struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Snapshot formats produced by UISnapshot.
const (
	FormatUIAutomatorXML = "uiautomator_xml"
	FormatElementsJSON   = "elements_json"
)

// UISnapshot is the raw UI state of a device. Phones return the
// uiautomator XML dump; PCs return a pre-listed element array. The
// perception layer normalizes both.
type UISnapshot struct {
	Format string
	Data   []byte
	Screen Screen
}

// Channel is one device's command surface. Every method returns a
// classified *Error on failure.
type Channel interface {
	Kind() device.Kind
	Port() int

	Tap(ctx context.Context, x, y int, button string, clicks int) error
	Swipe(ctx context.Context, x1, y1, x2, y2, durationMS int) error
	Scroll(ctx context.Context, x, y, distance int) error
	TypeText(ctx context.Context, text string) error
	KeyEvent(ctx context.Context, key string) error
	PressKey(ctx context.Context, name string) error
	LaunchApp(ctx context.Context, name string) error

	ReadClipboard(ctx context.Context) (string, error)
	WriteClipboard(ctx context.Context, text string) error

	Screenshot(ctx context.Context) ([]byte, Screen, error)
	UISnapshot(ctx context.Context) (*UISnapshot, error)
	ScreenSize(ctx context.Context) (Screen, error)

	// Command is the opaque passthrough for the device command API.
	Command(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, error)

	Close() error
}

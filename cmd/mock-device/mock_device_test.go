package main

import (
	"encoding/json"
	"testing"

	"github.com/autofleet/autofleet/internal/device"
)

func TestDeviceEndpoint(t *testing.T) {
	tests := []struct {
		name  string
		base  string
		port  int
		force bool
		want  string
	}{
		{
			name: "ws base",
			base: "ws://127.0.0.1:8080",
			port: 6100,
			want: "ws://127.0.0.1:8080/ws/device/6100",
		},
		{
			name: "http rewritten to ws",
			base: "http://fleet.local:8080",
			port: 6101,
			want: "ws://fleet.local:8080/ws/device/6101",
		},
		{
			name: "https rewritten to wss",
			base: "https://fleet.example.com",
			port: 6200,
			want: "wss://fleet.example.com/ws/device/6200",
		},
		{
			name: "bare host port",
			base: "127.0.0.1:8080",
			port: 6100,
			want: "ws://127.0.0.1:8080/ws/device/6100",
		},
		{
			name:  "force query",
			base:  "ws://127.0.0.1:8080",
			port:  6100,
			force: true,
			want:  "ws://127.0.0.1:8080/ws/device/6100?force=true",
		},
		{
			name: "base path discarded",
			base: "http://127.0.0.1:8080/api/v1",
			port: 6100,
			want: "ws://127.0.0.1:8080/ws/device/6100",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := deviceEndpoint(tt.base, tt.port, tt.force)
			if got != tt.want {
				t.Errorf("deviceEndpoint(%q, %d, %v) = %q, want %q", tt.base, tt.port, tt.force, got, tt.want)
			}
		})
	}
}

func TestDeviceName(t *testing.T) {
	tests := []struct {
		name     string
		flagName string
		kind     string
		port     int
		count    int
		want     string
	}{
		{name: "explicit single", flagName: "lab-pixel", kind: "phone", port: 6100, count: 1, want: "lab-pixel"},
		{name: "generated default", flagName: "", kind: "phone", port: 6100, count: 1, want: "mock-phone-6100"},
		{name: "flag ignored for fleets", flagName: "lab-pixel", kind: "pc", port: 6201, count: 3, want: "mock-pc-6201"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := deviceName(tt.flagName, tt.kind, tt.port, tt.count)
			if got != tt.want {
				t.Errorf("deviceName(%q, %q, %d, %d) = %q, want %q", tt.flagName, tt.kind, tt.port, tt.count, got, tt.want)
			}
		})
	}
}

// The online frame must decode through the same path the gateway uses.
func TestOnlineFrameRoundTrip(t *testing.T) {
	frame := onlineFrame(buildSpecs("phone", "mock-phone-6100", 6100, 42))

	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	var decoded struct {
		Type  string          `json:"type"`
		Specs json.RawMessage `json:"specs"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if decoded.Type != "device_online" {
		t.Errorf("type = %q, want device_online", decoded.Type)
	}

	specs, err := device.ParseSpecs(decoded.Specs)
	if err != nil {
		t.Fatalf("ParseSpecs: %v", err)
	}
	if specs.DeviceName != "mock-phone-6100" {
		t.Errorf("device_name = %q, want mock-phone-6100", specs.DeviceName)
	}
	if specs.Battery != 42 {
		t.Errorf("battery = %d, want 42", specs.Battery)
	}
	if device.KindFromSpecs(specs) != device.KindPhone {
		t.Errorf("kind = %v, want phone", device.KindFromSpecs(specs))
	}
}

func TestBuildSpecsPC(t *testing.T) {
	specs := buildSpecs("pc", "mock-pc-6200", 6200, 0)
	if specs.DeviceType != "pc" {
		t.Errorf("device_type = %q, want pc", specs.DeviceType)
	}
	if specs.Ratio == 0 {
		t.Error("pc specs must carry a scaling ratio")
	}
	if specs.CtrlKey == "" || specs.SearchKey == "" {
		t.Error("pc specs must carry control and search keys")
	}
	if device.KindFromSpecs(specs) != device.KindPC {
		t.Errorf("kind = %v, want pc", device.KindFromSpecs(specs))
	}
}

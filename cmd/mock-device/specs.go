package main

import (
	"encoding/json"

	"github.com/autofleet/autofleet/internal/device"
	ws "github.com/autofleet/autofleet/pkg/websocket"
)

// buildSpecs fills a plausible spec sheet for the requested kind. The
// values only need to look like what a real client reports; nothing in
// the control plane validates them beyond the device_type.
func buildSpecs(kind, name string, port, battery int) device.Specs {
	if kind == "pc" {
		return device.Specs{
			DeviceName:       name,
			DeviceType:       "pc",
			OS:               "Windows",
			OSVersion:        "11",
			ScreenResolution: "1920x1080",
			FRPPort:          port,
			Ratio:            1.25,
			CtrlKey:          "ctrl",
			SearchKey:        "win",
		}
	}
	return device.Specs{
		DeviceName:       name,
		DeviceType:       "phone",
		Model:            "Pixel 8",
		OS:               "Android",
		OSVersion:        "14",
		ScreenResolution: "1080x2400",
		FRPPort:          port,
		Battery:          battery,
	}
}

// onlineFrame wraps specs in a device_online envelope.
func onlineFrame(specs device.Specs) *ws.DeviceOnline {
	raw, _ := json.Marshal(specs)
	return &ws.DeviceOnline{Type: ws.TypeDeviceOnline, Specs: raw}
}

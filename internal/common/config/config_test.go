package config

import (
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath("/nonexistent")
	if err != nil {
		t.Fatalf("LoadWithPath: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("server.port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("database.driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Ports.PhoneStart != 6100 || cfg.Ports.PhoneEnd != 6199 {
		t.Errorf("phone band = %d-%d, want 6100-6199", cfg.Ports.PhoneStart, cfg.Ports.PhoneEnd)
	}
	if cfg.Ports.PCStart != 6200 || cfg.Ports.PCEnd != 6299 {
		t.Errorf("pc band = %d-%d, want 6200-6299", cfg.Ports.PCStart, cfg.Ports.PCEnd)
	}
	if cfg.Ports.ScanInterval != 10 || cfg.Ports.ProbeTimeout != 2 || cfg.Ports.ScanBatch != 10 {
		t.Errorf("scanner tuning = %d/%d/%d, want 10/2/10",
			cfg.Ports.ScanInterval, cfg.Ports.ProbeTimeout, cfg.Ports.ScanBatch)
	}
	if cfg.AskUser.Timeout != 300 {
		t.Errorf("askUser.timeout = %d, want 300", cfg.AskUser.Timeout)
	}
	if cfg.Heartbeat.PingInterval != 30 || cfg.Heartbeat.PongTimeout != 10 {
		t.Errorf("heartbeat = %d/%d, want 30/10", cfg.Heartbeat.PingInterval, cfg.Heartbeat.PongTimeout)
	}
	if cfg.Reaper.Interval != 300 || cfg.Reaper.ZombieAge != 600 {
		t.Errorf("reaper = %d/%d, want 300/600", cfg.Reaper.Interval, cfg.Reaper.ZombieAge)
	}
}

func TestValidateRejectsOverlappingBands(t *testing.T) {
	cfg, err := LoadWithPath("/nonexistent")
	if err != nil {
		t.Fatalf("LoadWithPath: %v", err)
	}
	cfg.Ports.PCStart = 6150

	err = validate(cfg)
	if err == nil {
		t.Fatal("expected validation error for overlapping bands")
	}
	if !strings.Contains(err.Error(), "must not overlap") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	cfg, err := LoadWithPath("/nonexistent")
	if err != nil {
		t.Fatalf("LoadWithPath: %v", err)
	}
	cfg.Database.Driver = "mysql"

	if err := validate(cfg); err == nil {
		t.Fatal("expected validation error for unknown driver")
	}
}

func TestPortBand(t *testing.T) {
	cfg, err := LoadWithPath("/nonexistent")
	if err != nil {
		t.Fatalf("LoadWithPath: %v", err)
	}

	cases := []struct {
		port int
		want string
	}{
		{6100, "phone"},
		{6199, "phone"},
		{6200, "pc"},
		{6299, "pc"},
		{6300, ""},
		{80, ""},
	}
	for _, c := range cases {
		if got := cfg.Ports.PortBand(c.port); got != c.want {
			t.Errorf("PortBand(%d) = %q, want %q", c.port, got, c.want)
		}
	}
}

func TestHeartbeatOfflineAfter(t *testing.T) {
	h := HeartbeatConfig{PingInterval: 30, PongTimeout: 10}
	if got := h.OfflineAfter(); got != 2*h.PingIntervalDuration() {
		t.Errorf("OfflineAfter = %v, want %v", got, 2*h.PingIntervalDuration())
	}
}

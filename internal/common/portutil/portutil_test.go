package portutil

import (
	"net"
	"testing"
	"time"
)

func TestIsListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()

	port := ln.Addr().(*net.TCPAddr).Port
	if !IsListening("127.0.0.1", port, time.Second) {
		t.Errorf("IsListening(%d) = false, want true", port)
	}

	_ = ln.Close()
	if IsListening("127.0.0.1", port, 200*time.Millisecond) {
		t.Errorf("IsListening(%d) = true after close, want false", port)
	}
}

func TestRange(t *testing.T) {
	got := Range(6100, 6103)
	want := []int{6100, 6101, 6102, 6103}
	if len(got) != len(want) {
		t.Fatalf("Range(6100, 6103) = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Range(6100, 6103)[%d] = %d, want %d", i, got[i], want[i])
		}
	}

	if r := Range(6200, 6199); r != nil {
		t.Errorf("Range(6200, 6199) = %v, want nil", r)
	}
	if r := Range(6100, 6100); len(r) != 1 || r[0] != 6100 {
		t.Errorf("Range(6100, 6100) = %v, want [6100]", r)
	}
}

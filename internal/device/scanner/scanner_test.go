package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autofleet/autofleet/internal/common/config"
	"github.com/autofleet/autofleet/internal/common/logger"
	"github.com/autofleet/autofleet/internal/device"
)

type sinkCall struct {
	op   string
	port int
	kind device.Kind
}

type fakeSink struct {
	mu    sync.Mutex
	calls []sinkCall
	known map[int]device.Kind
}

func (f *fakeSink) MarkTunnelSeen(ctx context.Context, port int, kind device.Kind, specs device.Specs) *device.Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sinkCall{"seen", port, kind})
	return &device.Device{ID: device.DeviceID(port), Port: port, Kind: kind}
}

func (f *fakeSink) MarkTunnelGone(ctx context.Context, port int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sinkCall{"gone", port, ""})
}

func (f *fakeSink) GetByPort(port int) (*device.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if kind, ok := f.known[port]; ok {
		return &device.Device{ID: device.DeviceID(port), Port: port, Kind: kind}, nil
	}
	return nil, fmt.Errorf("not found: port %d", port)
}

func (f *fakeSink) seen() map[int]device.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int]device.Kind)
	for _, c := range f.calls {
		if c.op == "seen" {
			out[c.port] = c.kind
		}
	}
	return out
}

func (f *fakeSink) gone() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int
	for _, c := range f.calls {
		if c.op == "gone" {
			out = append(out, c.port)
		}
	}
	return out
}

type fakeProber struct {
	mu    sync.Mutex
	calls []sinkCall
	fail  map[int]error
}

func (f *fakeProber) Probe(ctx context.Context, port int, kind device.Kind) (device.Specs, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sinkCall{"probe", port, kind})
	if err, ok := f.fail[port]; ok {
		return device.Specs{}, err
	}
	return device.Specs{Model: "probed"}, nil
}

func testPortsConfig() config.PortsConfig {
	return config.PortsConfig{
		PhoneStart:   6100,
		PhoneEnd:     6104,
		PCStart:      6200,
		PCEnd:        6202,
		ScanInterval: 10,
		ProbeTimeout: 2,
		ScanBatch:    10,
	}
}

func newTestScanner(t *testing.T, sink *fakeSink, prober *fakeProber, open map[int]bool) *Scanner {
	t.Helper()
	log, err := logger.NewLogger(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)

	s := New(sink, prober, testPortsConfig(), log)
	s.dial = func(host string, port int, timeout time.Duration) bool {
		return open[port]
	}
	return s
}

func TestSweepClassifiesByBand(t *testing.T) {
	sink := &fakeSink{}
	prober := &fakeProber{}
	s := newTestScanner(t, sink, prober, map[int]bool{6100: true, 6200: true})

	s.sweep(context.Background())

	seen := sink.seen()
	require.Len(t, seen, 2)
	assert.Equal(t, device.KindPhone, seen[6100])
	assert.Equal(t, device.KindPC, seen[6200])

	gone := sink.gone()
	assert.Len(t, gone, 6, "every silent port reported gone")
	assert.NotContains(t, gone, 6100)
	assert.NotContains(t, gone, 6200)
}

func TestSweepUsesDeclaredKindOverBand(t *testing.T) {
	sink := &fakeSink{known: map[int]device.Kind{6102: device.KindPC}}
	prober := &fakeProber{}
	s := newTestScanner(t, sink, prober, map[int]bool{6102: true})

	s.sweep(context.Background())

	seen := sink.seen()
	require.Len(t, seen, 1)
	assert.Equal(t, device.KindPC, seen[6102], "registry kind wins over band classification")
}

func TestSweepSkipsUpsertWhenHandshakeFails(t *testing.T) {
	sink := &fakeSink{}
	prober := &fakeProber{fail: map[int]error{6100: errors.New("adb refused")}}
	s := newTestScanner(t, sink, prober, map[int]bool{6100: true, 6101: true})

	s.sweep(context.Background())

	seen := sink.seen()
	require.Len(t, seen, 1)
	_, ok := seen[6101]
	assert.True(t, ok)
	assert.NotContains(t, sink.gone(), 6100, "handshake failure is not a vanish")
}

func TestSweepProbesOnlyListeningPorts(t *testing.T) {
	sink := &fakeSink{}
	prober := &fakeProber{}
	s := newTestScanner(t, sink, prober, map[int]bool{6103: true})

	s.sweep(context.Background())

	prober.mu.Lock()
	defer prober.mu.Unlock()
	require.Len(t, prober.calls, 1)
	assert.Equal(t, 6103, prober.calls[0].port)
}

func TestStartStop(t *testing.T) {
	sink := &fakeSink{}
	prober := &fakeProber{}
	s := newTestScanner(t, sink, prober, map[int]bool{6100: true})

	s.Start(context.Background())

	deadline := time.After(time.Second)
	for len(sink.seen()) == 0 {
		select {
		case <-deadline:
			t.Fatal("initial sweep never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scanner did not stop")
	}
}

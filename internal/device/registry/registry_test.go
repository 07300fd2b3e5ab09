package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autofleet/autofleet/internal/common/config"
	"github.com/autofleet/autofleet/internal/common/logger"
	"github.com/autofleet/autofleet/internal/device"
	"github.com/autofleet/autofleet/internal/device/allocator"
	"github.com/autofleet/autofleet/internal/events"
	"github.com/autofleet/autofleet/internal/events/bus"
)

type recordingBus struct {
	mu     sync.Mutex
	events []*bus.Event
}

func (b *recordingBus) Publish(ctx context.Context, subject string, event *bus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *recordingBus) Subscribe(subject string, handler bus.EventHandler) (bus.Subscription, error) {
	return nil, nil
}

func (b *recordingBus) QueueSubscribe(subject, queue string, handler bus.EventHandler) (bus.Subscription, error) {
	return nil, nil
}

func (b *recordingBus) Request(ctx context.Context, subject string, event *bus.Event, timeout time.Duration) (*bus.Event, error) {
	return nil, nil
}

func (b *recordingBus) Close()            {}
func (b *recordingBus) IsConnected() bool { return true }

func (b *recordingBus) typesSeen() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.events))
	for _, e := range b.events {
		out = append(out, e.Type)
	}
	return out
}

func (b *recordingBus) lastOfType(eventType string) *bus.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.events) - 1; i >= 0; i-- {
		if b.events[i].Type == eventType {
			return b.events[i]
		}
	}
	return nil
}

type fakeChannels struct {
	mu           sync.Mutex
	disconnected []int
}

func (f *fakeChannels) Probe(ctx context.Context, port int, kind device.Kind) (device.Specs, error) {
	return device.Specs{}, nil
}

func (f *fakeChannels) Disconnect(port int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, port)
}

func (f *fakeChannels) disconnects() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.disconnected...)
}

func newTestRegistry(t *testing.T) (*Registry, *recordingBus, *fakeChannels) {
	t.Helper()
	log, err := logger.NewLogger(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)

	rb := &recordingBus{}
	fc := &fakeChannels{}
	hb := config.HeartbeatConfig{PingInterval: 30, PongTimeout: 10}
	return New(allocator.New(log), fc, rb, nil, hb, log), rb, fc
}

func phoneSpecs(name string) device.Specs {
	return device.Specs{
		DeviceName: name,
		DeviceType: "phone",
		Model:      "Pixel 8",
		OS:         "android",
		OSVersion:  "14",
	}
}

func pcSpecs(name string) device.Specs {
	return device.Specs{
		DeviceName: name,
		DeviceType: "pc",
		OS:         "windows",
		Ratio:      1.25,
		CtrlKey:    "ctrl",
		SearchKey:  "win",
	}
}

func TestRegisterCreatesPhoneOfflineUntilTunnelSeen(t *testing.T) {
	r, rb, _ := newTestRegistry(t)
	ctx := context.Background()

	d, err := r.Register(ctx, phoneSpecs("pixel-a"), 6100, false)
	require.NoError(t, err)
	assert.Equal(t, "device_6100", d.ID)
	assert.Equal(t, device.KindPhone, d.Kind)
	assert.True(t, d.WSUp)
	assert.False(t, d.TunnelUp)
	assert.Equal(t, device.StatusOffline, d.Status)

	d = r.MarkTunnelSeen(ctx, 6100, device.KindPhone, device.Specs{Battery: 87})
	assert.True(t, d.TunnelUp)
	assert.Equal(t, device.StatusOnline, d.Status)
	assert.Equal(t, 87, d.Specs.Battery)
	assert.Equal(t, "Pixel 8", d.Specs.Model)

	assert.Contains(t, rb.typesSeen(), events.DeviceOnline)
}

func TestRegisterPCOnlineWithSocketAlone(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	d, err := r.Register(context.Background(), pcSpecs("desk-1"), 6200, false)
	require.NoError(t, err)
	assert.Equal(t, device.KindPC, d.Kind)
	assert.Equal(t, device.StatusOnline, d.Status)
	assert.False(t, d.Ready(), "pc without a probed tunnel is not selectable")
}

func TestRegisterReconnectionPreservesCounters(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, phoneSpecs("pixel-a"), 6100, false)
	require.NoError(t, err)
	r.MarkTunnelSeen(ctx, 6100, device.KindPhone, device.Specs{})

	_, err = r.AssignTask(ctx, "device_6100", "task-1")
	require.NoError(t, err)
	r.CompleteTask(ctx, "device_6100", true)

	d, err := r.Register(ctx, phoneSpecs("pixel-a"), 6100, false)
	require.NoError(t, err)
	assert.Equal(t, 1, d.TotalTasks)
	assert.Equal(t, 1, d.SuccessTasks)
	assert.True(t, d.TunnelUp, "tunnel state survives a socket reconnect")
}

func TestRegisterConflictRejectedWithoutForce(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, phoneSpecs("pixel-a"), 6100, false)
	require.NoError(t, err)

	_, err = r.Register(ctx, phoneSpecs("pixel-b"), 6100, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, allocator.ErrPortHeld))

	d, err := r.Get("device_6100")
	require.NoError(t, err)
	assert.Equal(t, "pixel-a", d.Name, "holder untouched by the rejected claim")
}

func TestRegisterForceEvictsPriorHolder(t *testing.T) {
	r, rb, fc := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, phoneSpecs("pixel-a"), 6100, false)
	require.NoError(t, err)
	r.MarkTunnelSeen(ctx, 6100, device.KindPhone, device.Specs{})

	_, err = r.AssignTask(ctx, "device_6100", "task-1")
	require.NoError(t, err)
	r.CompleteTask(ctx, "device_6100", true)

	d, err := r.Register(ctx, phoneSpecs("pixel-b"), 6100, true)
	require.NoError(t, err)
	assert.Equal(t, "pixel-b", d.Name)
	assert.Equal(t, 0, d.TotalTasks, "evicting device starts with fresh counters")

	assert.Contains(t, fc.disconnects(), 6100, "old channel torn down")
	assert.Contains(t, rb.typesSeen(), events.PortEvicted)
	off := rb.lastOfType(events.DeviceOffline)
	require.NotNil(t, off)
	assert.Equal(t, "evicted", off.Data["reason"])
}

func TestRegisterForceSameDeviceIsPlainReconnect(t *testing.T) {
	r, rb, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, phoneSpecs("pixel-a"), 6100, false)
	require.NoError(t, err)

	_, err = r.Register(ctx, phoneSpecs("pixel-a"), 6100, true)
	require.NoError(t, err)
	assert.NotContains(t, rb.typesSeen(), events.PortEvicted)
}

func TestPhoneLosesTunnelGoesOffline(t *testing.T) {
	r, rb, fc := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, phoneSpecs("pixel-a"), 6100, false)
	require.NoError(t, err)
	r.MarkTunnelSeen(ctx, 6100, device.KindPhone, device.Specs{})

	r.MarkTunnelGone(ctx, 6100)

	d, err := r.Get("device_6100")
	require.NoError(t, err)
	assert.Equal(t, device.StatusOffline, d.Status)
	assert.False(t, d.TunnelUp)
	assert.True(t, d.WSUp, "socket flag untouched by a tunnel loss")

	_, bound := r.alloc.Status(6100)
	assert.False(t, bound, "port returned to the allocator")
	assert.Contains(t, fc.disconnects(), 6100)

	off := rb.lastOfType(events.DeviceOffline)
	require.NotNil(t, off)
	assert.Equal(t, "tunnel_lost", off.Data["reason"])
}

func TestPCSurvivesTunnelLossButStopsBeingSelectable(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, pcSpecs("desk-1"), 6200, false)
	require.NoError(t, err)
	r.MarkTunnelSeen(ctx, 6200, device.KindPC, device.Specs{})

	d, err := r.Get("device_6200")
	require.NoError(t, err)
	assert.True(t, d.Ready())

	r.MarkTunnelGone(ctx, 6200)

	d, err = r.Get("device_6200")
	require.NoError(t, err)
	assert.Equal(t, device.StatusOnline, d.Status, "pc liveness rides the socket alone")
	assert.False(t, d.Ready())
}

func TestReadyRequiresBothChannelsAndIdleness(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, phoneSpecs("pixel-a"), 6100, false)
	require.NoError(t, err)
	assert.Empty(t, r.GetAvailable(), "socket alone is not enough")

	r.MarkTunnelSeen(ctx, 6100, device.KindPhone, device.Specs{})
	require.Len(t, r.GetAvailable(), 1)

	_, err = r.AssignTask(ctx, "device_6100", "task-1")
	require.NoError(t, err)
	assert.Empty(t, r.GetAvailable(), "busy device is not selectable")

	r.CompleteTask(ctx, "device_6100", true)
	require.Len(t, r.GetAvailable(), 1)

	errStatus := device.StatusError
	_, err = r.Update(ctx, "device_6100", Fields{Status: &errStatus})
	require.NoError(t, err)
	assert.Empty(t, r.GetAvailable(), "errored device is not selectable")
}

func TestAssignTaskLifecycle(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, phoneSpecs("pixel-a"), 6100, false)
	require.NoError(t, err)
	r.MarkTunnelSeen(ctx, 6100, device.KindPhone, device.Specs{})

	d, err := r.AssignTask(ctx, "device_6100", "task-1")
	require.NoError(t, err)
	assert.Equal(t, device.StatusBusy, d.Status)
	assert.Equal(t, "task-1", d.CurrentTaskID)

	_, err = r.AssignTask(ctx, "device_6100", "task-2")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotReady))

	r.CompleteTask(ctx, "device_6100", false)
	d, err = r.Get("device_6100")
	require.NoError(t, err)
	assert.Equal(t, device.StatusOnline, d.Status)
	assert.Empty(t, d.CurrentTaskID)
	assert.Equal(t, 1, d.TotalTasks)
	assert.Equal(t, 1, d.FailedTasks)

	_, err = r.AssignTask(ctx, "device_9999", "task-3")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestBestAvailablePrefersSuccessRate(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	for _, port := range []int{6100, 6101} {
		_, err := r.Register(ctx, phoneSpecs("pixel"), port, false)
		require.NoError(t, err)
		r.MarkTunnelSeen(ctx, port, device.KindPhone, device.Specs{})
	}

	finish := func(id string, success bool) {
		t.Helper()
		_, err := r.AssignTask(ctx, id, "task")
		require.NoError(t, err)
		r.CompleteTask(ctx, id, success)
	}
	finish("device_6100", true)
	finish("device_6100", false)
	finish("device_6101", true)

	best, err := r.BestAvailable()
	require.NoError(t, err)
	assert.Equal(t, "device_6101", best.ID)

	_, err = r.AssignTask(ctx, "device_6100", "t1")
	require.NoError(t, err)
	_, err = r.AssignTask(ctx, "device_6101", "t2")
	require.NoError(t, err)

	_, err = r.BestAvailable()
	assert.True(t, errors.Is(err, ErrNoneAvailable))
}

func TestSilenceSweepMarksOffline(t *testing.T) {
	r, rb, _ := newTestRegistry(t)
	ctx := context.Background()

	current := time.Now()
	r.now = func() time.Time { return current }

	_, err := r.Register(ctx, phoneSpecs("pixel-a"), 6100, false)
	require.NoError(t, err)
	r.MarkTunnelSeen(ctx, 6100, device.KindPhone, device.Specs{})

	current = current.Add(45 * time.Second)
	r.sweepSilent(ctx)
	d, err := r.Get("device_6100")
	require.NoError(t, err)
	assert.Equal(t, device.StatusOnline, d.Status, "within the silence window")

	current = current.Add(30 * time.Second)
	r.sweepSilent(ctx)
	d, err = r.Get("device_6100")
	require.NoError(t, err)
	assert.Equal(t, device.StatusOffline, d.Status)
	assert.False(t, d.WSUp)

	_, bound := r.alloc.Status(6100)
	assert.False(t, bound)

	off := rb.lastOfType(events.DeviceOffline)
	require.NotNil(t, off)
	assert.Equal(t, "heartbeat_timeout", off.Data["reason"])
}

func TestTouchHeartbeatRevivesSweptDevice(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	current := time.Now()
	r.now = func() time.Time { return current }

	_, err := r.Register(ctx, phoneSpecs("pixel-a"), 6100, false)
	require.NoError(t, err)
	r.MarkTunnelSeen(ctx, 6100, device.KindPhone, device.Specs{})

	current = current.Add(2 * time.Minute)
	r.sweepSilent(ctx)

	r.TouchHeartbeat("device_6100")

	d, err := r.Get("device_6100")
	require.NoError(t, err)
	assert.True(t, d.WSUp)
	assert.Equal(t, device.StatusOnline, d.Status)

	binding, bound := r.alloc.Status(6100)
	require.True(t, bound, "port claimed back on revival")
	assert.Equal(t, "device_6100", binding.DeviceID)
}

func TestCheckHealthReportsSilence(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	current := time.Now()
	r.now = func() time.Time { return current }

	_, err := r.Register(ctx, phoneSpecs("pixel-a"), 6100, false)
	require.NoError(t, err)
	r.MarkTunnelSeen(ctx, 6100, device.KindPhone, device.Specs{})

	h, err := r.CheckHealth(ctx, "device_6100")
	require.NoError(t, err)
	assert.True(t, h.Healthy)

	current = current.Add(5 * time.Minute)
	h, err = r.CheckHealth(ctx, "device_6100")
	require.NoError(t, err)
	assert.False(t, h.Healthy)
	assert.False(t, h.WSUp)
	assert.GreaterOrEqual(t, h.SilentFor, 5*time.Minute)

	_, err = r.CheckHealth(ctx, "device_9999")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUnregisterSoftDeletes(t *testing.T) {
	r, rb, fc := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, phoneSpecs("pixel-a"), 6100, false)
	require.NoError(t, err)
	r.MarkTunnelSeen(ctx, 6100, device.KindPhone, device.Specs{})
	_, err = r.AssignTask(ctx, "device_6100", "task-1")
	require.NoError(t, err)
	r.CompleteTask(ctx, "device_6100", true)

	require.NoError(t, r.Unregister(ctx, "device_6100"))

	d, err := r.Get("device_6100")
	require.NoError(t, err, "record survives unregister")
	assert.Equal(t, device.StatusOffline, d.Status)
	assert.Empty(t, d.CurrentTaskID)
	assert.Equal(t, 1, d.TotalTasks, "counters survive unregister")

	_, bound := r.alloc.Status(6100)
	assert.False(t, bound)
	assert.Contains(t, fc.disconnects(), 6100)

	off := rb.lastOfType(events.DeviceOffline)
	require.NotNil(t, off)
	assert.Equal(t, "unregistered", off.Data["reason"])

	assert.True(t, errors.Is(r.Unregister(ctx, "device_9999"), ErrNotFound))
}

func TestListAndGetByPort(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	for _, port := range []int{6102, 6100, 6200} {
		specs := phoneSpecs("dev")
		if port >= 6200 {
			specs = pcSpecs("desk")
		}
		_, err := r.Register(ctx, specs, port, false)
		require.NoError(t, err)
	}

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, []int{6100, 6102, 6200}, []int{list[0].Port, list[1].Port, list[2].Port})

	d, err := r.GetByPort(6102)
	require.NoError(t, err)
	assert.Equal(t, "device_6102", d.ID)

	_, err = r.GetByPort(7000)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUpdateSelectiveFields(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, phoneSpecs("pixel-a"), 6100, false)
	require.NoError(t, err)
	r.MarkTunnelSeen(ctx, 6100, device.KindPhone, device.Specs{})

	battery := 42
	name := "renamed"
	d, err := r.Update(ctx, "device_6100", Fields{Name: &name, Battery: &battery})
	require.NoError(t, err)
	assert.Equal(t, "renamed", d.Name)
	assert.Equal(t, 42, d.Specs.Battery)
	assert.Equal(t, device.StatusOnline, d.Status, "status re-derived when not set explicitly")

	errStatus := device.StatusError
	d, err = r.Update(ctx, "device_6100", Fields{Status: &errStatus})
	require.NoError(t, err)
	assert.Equal(t, device.StatusError, d.Status)

	d, err = r.Update(ctx, "device_6100", Fields{})
	require.NoError(t, err)
	assert.Equal(t, device.StatusError, d.Status, "error sticks until a channel transition")

	_, err = r.Register(ctx, phoneSpecs("renamed"), 6100, false)
	require.NoError(t, err)
	d, err = r.Get("device_6100")
	require.NoError(t, err)
	assert.Equal(t, device.StatusOnline, d.Status, "fresh socket clears the error")
}

func TestScannerDiscoveredDeviceStaysOfflineUntilRegistered(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	d := r.MarkTunnelSeen(ctx, 6100, device.KindPhone, device.Specs{Model: "Pixel 8"})
	assert.Equal(t, device.StatusOffline, d.Status)
	assert.True(t, d.TunnelUp)
	assert.False(t, d.WSUp)
	assert.Empty(t, r.GetAvailable())

	reg, err := r.Register(ctx, phoneSpecs("pixel-a"), 6100, false)
	require.NoError(t, err)
	assert.Equal(t, device.StatusOnline, reg.Status)
	assert.True(t, reg.TunnelUp, "scanner-provided tunnel state survives registration")
}

func TestHealthLoopStops(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	r.pingInterval = 5 * time.Millisecond

	r.StartHealthLoop(context.Background())
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("health loop did not stop")
	}
}

type memoryPersister struct {
	mu      sync.Mutex
	upserts []*device.Device
	err     error
}

func (p *memoryPersister) UpsertDevice(_ context.Context, d *device.Device) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.upserts = append(p.upserts, d.Clone())
	return nil
}

func (p *memoryPersister) last() *device.Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.upserts) == 0 {
		return nil
	}
	return p.upserts[len(p.upserts)-1]
}

func TestStoreMirrorsLifecycle(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	p := &memoryPersister{}
	r.AttachStore(p)
	ctx := context.Background()

	d, err := r.Register(ctx, phoneSpecs("pixel-a"), 6100, false)
	require.NoError(t, err)
	require.NotNil(t, p.last())
	assert.Equal(t, d.ID, p.last().ID)
	assert.Equal(t, "pixel-a", p.last().Name)

	r.MarkTunnelSeen(ctx, 6100, device.KindPhone, device.Specs{})
	_, err = r.AssignTask(ctx, d.ID, "task_1")
	require.NoError(t, err)
	assert.Equal(t, device.StatusBusy, p.last().Status)

	r.CompleteTask(ctx, d.ID, true)
	last := p.last()
	assert.Equal(t, 1, last.TotalTasks)
	assert.Equal(t, 1, last.SuccessTasks)

	require.NoError(t, r.Unregister(ctx, d.ID))
	assert.Equal(t, device.StatusOffline, p.last().Status)
}

func TestStoreFailureDoesNotBlockRegistration(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	r.AttachStore(&memoryPersister{err: errors.New("disk full")})

	d, err := r.Register(context.Background(), phoneSpecs("pixel-a"), 6100, false)
	require.NoError(t, err)
	assert.True(t, d.WSUp)
}

func TestPreloadRestoresOfflineRecords(t *testing.T) {
	r, rb, _ := newTestRegistry(t)
	ctx := context.Background()

	registered := time.Now().Add(-48 * time.Hour).UTC()
	n := r.Preload([]*device.Device{
		{
			ID:           "device_6100",
			Name:         "pixel-a",
			Kind:         device.KindPhone,
			Port:         6100,
			Status:       device.StatusBusy,
			TunnelUp:     true,
			WSUp:         true,
			TotalTasks:   9,
			SuccessTasks: 7,
			FailedTasks:  2,
			RegisteredAt: registered,
		},
		nil,
	})
	assert.Equal(t, 1, n)
	assert.Empty(t, rb.typesSeen(), "preload is silent")

	d, err := r.Get("device_6100")
	require.NoError(t, err)
	assert.Equal(t, device.StatusOffline, d.Status, "stored status never survives a restart")
	assert.False(t, d.TunnelUp)
	assert.False(t, d.WSUp)
	assert.Equal(t, 9, d.TotalTasks)
	assert.Equal(t, 7, d.SuccessTasks)
	assert.Equal(t, registered, d.RegisteredAt)

	byPort, err := r.GetByPort(6100)
	require.NoError(t, err)
	assert.Equal(t, "device_6100", byPort.ID)

	// The restored record is a plain reconnection target: counters and
	// identity survive when the device comes back.
	back, err := r.Register(ctx, phoneSpecs("pixel-a"), 6100, false)
	require.NoError(t, err)
	assert.Equal(t, 9, back.TotalTasks)
	assert.Equal(t, registered, back.RegisteredAt)
}

func TestPreloadSkipsLiveRecords(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	live, err := r.Register(ctx, phoneSpecs("pixel-live"), 6100, false)
	require.NoError(t, err)

	n := r.Preload([]*device.Device{{ID: live.ID, Name: "stale-name", Kind: device.KindPhone, Port: 6100}})
	assert.Equal(t, 0, n)

	d, err := r.Get(live.ID)
	require.NoError(t, err)
	assert.Equal(t, "pixel-live", d.Name)
	assert.True(t, d.WSUp)
}

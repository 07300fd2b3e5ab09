// Package registry maintains the canonical device table. It merges the
// three liveness inputs (WebSocket registration, scanner tunnel probes,
// heartbeats) into one derived status per device and serializes every
// state transition under a single lock.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/autofleet/autofleet/internal/common/config"
	"github.com/autofleet/autofleet/internal/common/logger"
	"github.com/autofleet/autofleet/internal/device"
	"github.com/autofleet/autofleet/internal/device/allocator"
	"github.com/autofleet/autofleet/internal/events"
	"github.com/autofleet/autofleet/internal/events/bus"
	"github.com/autofleet/autofleet/internal/metrics"
)

var (
	// ErrNotFound is returned when the device id is unknown.
	ErrNotFound = errors.New("device not found")

	// ErrNotReady is returned by AssignTask when the device cannot take
	// a task right now.
	ErrNotReady = errors.New("device not ready")

	// ErrNoneAvailable is returned by BestAvailable when no device is
	// ready for work.
	ErrNoneAvailable = errors.New("no ready device available")
)

// ChannelManager is the slice of the channel layer the registry needs:
// probing during discovery and tearing a channel down on unregister.
type ChannelManager interface {
	Probe(ctx context.Context, port int, kind device.Kind) (device.Specs, error)
	Disconnect(port int)
}

// Persister mirrors device records into a durable store so names and
// counters survive restarts. Persistence failures are logged and never
// block registry operations.
type Persister interface {
	UpsertDevice(ctx context.Context, d *device.Device) error
}

// Fields is a selective update. Nil members are left untouched; unless
// Status is set explicitly the status is re-derived after the update.
type Fields struct {
	Name          *string
	Status        *device.Status
	CurrentTaskID *string
	Battery       *int
}

// Registry is the canonical device table.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*device.Device
	byPort  map[int]string

	alloc    *allocator.Allocator
	channels ChannelManager
	bus      bus.EventBus
	metrics  *metrics.Metrics
	store    Persister
	log      *logger.Logger
	now      func() time.Time

	pingInterval time.Duration
	offlineAfter time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a registry around the given port allocator and channel
// layer. The heartbeat config sets the silence threshold: a device that
// has not ponged for twice the ping interval is considered gone.
func New(alloc *allocator.Allocator, channels ChannelManager, eventBus bus.EventBus, m *metrics.Metrics, hb config.HeartbeatConfig, log *logger.Logger) *Registry {
	return &Registry{
		devices:      make(map[string]*device.Device),
		byPort:       make(map[int]string),
		alloc:        alloc,
		channels:     channels,
		bus:          eventBus,
		metrics:      m,
		log:          log.WithComponent("registry"),
		now:          time.Now,
		pingInterval: hb.PingIntervalDuration(),
		offlineAfter: hb.OfflineAfter(),
		stopCh:       make(chan struct{}),
	}
}

// AttachStore wires the durable mirror. Call it before any traffic;
// registries without a store run purely in memory.
func (r *Registry) AttachStore(store Persister) {
	r.mu.Lock()
	r.store = store
	r.mu.Unlock()
}

// Preload seeds the registry from durable records at boot. Restored
// devices come back offline regardless of their stored status: no
// socket or tunnel exists yet, and no port is reserved, so live
// traffic reclaims each port on its own. Returns the number of
// records restored.
func (r *Registry) Preload(records []*device.Device) int {
	now := r.now()
	n := 0

	r.mu.Lock()
	for _, rec := range records {
		if rec == nil || rec.ID == "" {
			continue
		}
		if _, exists := r.devices[rec.ID]; exists {
			continue
		}
		d := rec.Clone()
		d.TunnelUp = false
		d.WSUp = false
		d.CurrentTaskID = ""
		d.Status = device.StatusOffline
		d.UpdatedAt = now
		r.devices[d.ID] = d
		r.byPort[d.Port] = d.ID
		n++
	}
	r.mu.Unlock()

	if n > 0 {
		r.log.Info("restored devices from store", zap.Int("count", n))
	}
	return n
}

// persist mirrors one snapshot into the store, when one is attached.
func (r *Registry) persist(ctx context.Context, d *device.Device) {
	r.mu.RLock()
	store := r.store
	r.mu.RUnlock()
	if store == nil || d == nil {
		return
	}
	if err := store.UpsertDevice(ctx, d); err != nil {
		r.log.Warn("device persist failed",
			zap.String("device_id", d.ID),
			zap.Error(err))
	}
}

// Register handles a device_online report for the given tunnel port.
// Reconnections update the existing record in place and preserve task
// counters. A different device claiming a live port is rejected unless
// force is set, in which case the prior holder is evicted.
func (r *Registry) Register(ctx context.Context, specs device.Specs, port int, force bool) (*device.Device, error) {
	id := device.DeviceID(port)
	kind := device.KindFromSpecs(specs)
	name := specs.DeviceName
	if name == "" {
		name = specs.Model
	}

	var evicted *device.Device

	r.mu.Lock()

	// Only a live socket claim counts as holding the port. Records the
	// scanner discovered carry probe names and are overwritten freely.
	existing := r.devices[id]
	if existing != nil && existing.WSUp && name != "" && existing.Name != "" && existing.Name != name {
		if !force {
			holder := existing.Name
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: port %d held by %s", allocator.ErrPortHeld, port, holder)
		}
		evicted = existing.Clone()
		existing = nil
	}

	if _, err := r.alloc.Allocate(id, port, name, force); err != nil {
		r.mu.Unlock()
		return nil, err
	}

	now := r.now()
	d := existing
	if d == nil {
		d = &device.Device{ID: id, RegisteredAt: now}
		r.devices[id] = d
	}
	d.Name = name
	d.Kind = kind
	d.Port = port
	d.Specs = mergeOnlineSpecs(d.Specs, specs)
	d.WSUp = true
	d.LastHeartbeat = now
	d.LastSeen = now
	if d.Status == device.StatusError {
		// A fresh socket clears a stuck error status.
		d.Status = device.StatusOffline
	}
	d.Status = d.DeriveStatus()
	d.UpdatedAt = now
	r.byPort[port] = id
	clone := d.Clone()

	r.mu.Unlock()

	if evicted != nil {
		r.disconnect(port)
		r.log.Warn("force registration evicted port holder",
			zap.Int("port", port),
			zap.String("evicted_name", evicted.Name),
			zap.String("new_name", name))
		r.publish(ctx, events.DeviceOffline, map[string]interface{}{
			"device_id": evicted.ID,
			"kind":      string(evicted.Kind),
			"port":      port,
			"reason":    "evicted",
		})
		r.publish(ctx, events.PortEvicted, map[string]interface{}{
			"port":         port,
			"evicted_name": evicted.Name,
			"new_name":     name,
		})
	}

	r.log.Info("device registered",
		zap.String("device_id", id),
		zap.String("kind", string(kind)),
		zap.Int("port", port),
		zap.String("name", name))
	r.persist(ctx, clone)
	r.publish(ctx, events.DeviceOnline, map[string]interface{}{
		"device_id": id,
		"kind":      string(kind),
		"port":      port,
		"name":      name,
	})
	return clone, nil
}

// Unregister soft-deletes a device: status offline, port released,
// channel torn down. The record and its counters survive so a later
// reconnection is recognized.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	d.WSUp = false
	d.TunnelUp = false
	d.CurrentTaskID = ""
	d.Status = device.StatusOffline
	d.UpdatedAt = r.now()
	port := d.Port
	kind := d.Kind
	clone := d.Clone()
	r.mu.Unlock()

	r.alloc.ReleaseDevice(id)
	r.disconnect(port)

	r.log.Info("device unregistered", zap.String("device_id", id), zap.Int("port", port))
	r.persist(ctx, clone)
	r.publish(ctx, events.DeviceOffline, map[string]interface{}{
		"device_id": id,
		"kind":      string(kind),
		"port":      port,
		"reason":    "unregistered",
	})
	return nil
}

// MarkWSGone records a closed control socket. Devices whose remaining
// channels cannot carry work transition to offline and give their port
// back.
func (r *Registry) MarkWSGone(ctx context.Context, id string) {
	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok || !d.WSUp {
		r.mu.Unlock()
		return
	}
	d.WSUp = false
	prev := d.Status
	d.Status = d.DeriveStatus()
	d.UpdatedAt = r.now()
	wentOffline := prev != device.StatusOffline && d.Status == device.StatusOffline
	port := d.Port
	kind := d.Kind
	clone := d.Clone()
	r.mu.Unlock()

	r.persist(ctx, clone)
	if wentOffline {
		r.alloc.ReleaseDevice(id)
		r.disconnect(port)
		r.log.Info("device socket closed", zap.String("device_id", id), zap.Int("port", port))
		r.publish(ctx, events.DeviceOffline, map[string]interface{}{
			"device_id": id,
			"kind":      string(kind),
			"port":      port,
			"reason":    "ws_closed",
		})
		return
	}
	r.publishUpdated(ctx, clone)
}

// MarkTunnelSeen is the scanner's upsert: the port is listening and the
// probe handshake succeeded. Records created here start without a
// control socket and stay offline until the device registers over the
// WebSocket. A record already known for the port keeps its declared
// kind.
func (r *Registry) MarkTunnelSeen(ctx context.Context, port int, kind device.Kind, specs device.Specs) *device.Device {
	id := device.DeviceID(port)
	now := r.now()

	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		name := specs.DeviceName
		if name == "" {
			name = specs.Model
		}
		d = &device.Device{
			ID:           id,
			Name:         name,
			Kind:         kind,
			Port:         port,
			Status:       device.StatusOffline,
			RegisteredAt: now,
		}
		r.devices[id] = d
		r.byPort[port] = id
	}
	tunnelCameUp := !d.TunnelUp
	d.TunnelUp = true
	d.LastSeen = now
	d.Specs = overlayProbeSpecs(d.Specs, specs)
	d.Status = d.DeriveStatus()
	d.UpdatedAt = now
	clone := d.Clone()
	r.mu.Unlock()

	r.alloc.Touch(port)
	if tunnelCameUp {
		r.persist(ctx, clone)
		r.publishUpdated(ctx, clone)
	}
	return clone
}

// MarkTunnelGone records that the scanner no longer sees the port.
// Phones lose their only data path and go offline; PCs stay reachable
// over the socket but stop being selectable.
func (r *Registry) MarkTunnelGone(ctx context.Context, port int) {
	r.mu.Lock()
	id, ok := r.byPort[port]
	if !ok {
		r.mu.Unlock()
		return
	}
	d := r.devices[id]
	if !d.TunnelUp {
		r.mu.Unlock()
		return
	}
	d.TunnelUp = false
	prev := d.Status
	d.Status = d.DeriveStatus()
	d.UpdatedAt = r.now()
	wentOffline := prev != device.StatusOffline && d.Status == device.StatusOffline
	kind := d.Kind
	clone := d.Clone()
	r.mu.Unlock()

	r.persist(ctx, clone)
	if wentOffline {
		r.alloc.ReleasePort(port)
		r.disconnect(port)
		r.log.Info("tunnel vanished", zap.String("device_id", id), zap.Int("port", port))
		r.publish(ctx, events.DeviceOffline, map[string]interface{}{
			"device_id": id,
			"kind":      string(kind),
			"port":      port,
			"reason":    "tunnel_lost",
		})
		return
	}
	r.publishUpdated(ctx, clone)
}

// TouchHeartbeat refreshes liveness on a pong frame. A pong can only
// arrive over a live socket, so it also revives a record the silence
// sweep took down too eagerly, provided the port was not reassigned in
// the meantime.
func (r *Registry) TouchHeartbeat(id string) {
	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	now := r.now()
	d.LastHeartbeat = now
	d.LastSeen = now
	revived := false
	if !d.WSUp {
		if _, err := r.alloc.Allocate(d.ID, d.Port, d.Name, false); err == nil {
			d.WSUp = true
			d.Status = d.DeriveStatus()
			d.UpdatedAt = now
			revived = true
		}
	}
	port := d.Port
	r.mu.Unlock()

	r.alloc.Touch(port)
	if revived {
		r.log.Info("device revived by late heartbeat", zap.String("device_id", id))
	}
}

// Update applies a selective field update and re-derives the status
// unless one was set explicitly.
func (r *Registry) Update(ctx context.Context, id string, f Fields) (*device.Device, error) {
	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if f.Name != nil {
		d.Name = *f.Name
	}
	if f.CurrentTaskID != nil {
		d.CurrentTaskID = *f.CurrentTaskID
	}
	if f.Battery != nil {
		d.Specs.Battery = *f.Battery
	}
	if f.Status != nil {
		d.Status = *f.Status
	} else {
		d.Status = d.DeriveStatus()
	}
	d.UpdatedAt = r.now()
	clone := d.Clone()
	r.mu.Unlock()

	r.persist(ctx, clone)
	r.publishUpdated(ctx, clone)
	return clone, nil
}

// AssignTask marks a device busy with the given task. Only a ready
// device accepts an assignment.
func (r *Registry) AssignTask(ctx context.Context, id, taskID string) (*device.Device, error) {
	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !d.Ready() {
		status := d.Status
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrNotReady, id, status)
	}
	d.CurrentTaskID = taskID
	d.Status = device.StatusBusy
	d.UpdatedAt = r.now()
	clone := d.Clone()
	r.mu.Unlock()

	r.persist(ctx, clone)
	r.publishUpdated(ctx, clone)
	return clone, nil
}

// CompleteTask releases the device from its current task and bumps the
// outcome counters.
func (r *Registry) CompleteTask(ctx context.Context, id string, success bool) {
	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	d.CurrentTaskID = ""
	d.TotalTasks++
	if success {
		d.SuccessTasks++
	} else {
		d.FailedTasks++
	}
	d.Status = d.DeriveStatus()
	d.UpdatedAt = r.now()
	clone := d.Clone()
	r.mu.Unlock()

	r.persist(ctx, clone)
	r.publishUpdated(ctx, clone)
}

// Get returns a snapshot of the device.
func (r *Registry) Get(id string) (*device.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d.Clone(), nil
}

// GetByPort returns a snapshot of the device bound to port.
func (r *Registry) GetByPort(port int) (*device.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPort[port]
	if !ok {
		return nil, fmt.Errorf("%w: port %d", ErrNotFound, port)
	}
	return r.devices[id].Clone(), nil
}

// List returns snapshots of every known device ordered by port.
func (r *Registry) List() []*device.Device {
	r.mu.RLock()
	out := make([]*device.Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// GetAvailable returns the devices ready to take a task, ordered by
// port.
func (r *Registry) GetAvailable() []*device.Device {
	r.mu.RLock()
	out := make([]*device.Device, 0, len(r.devices))
	for _, d := range r.devices {
		if d.Ready() {
			out = append(out, d.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// BestAvailable picks the ready device with the highest success rate.
// Ties go to the device with more finished tasks behind the rate.
func (r *Registry) BestAvailable() (*device.Device, error) {
	ready := r.GetAvailable()
	if len(ready) == 0 {
		return nil, ErrNoneAvailable
	}
	sort.SliceStable(ready, func(i, j int) bool {
		ri, rj := ready[i].SuccessRate(), ready[j].SuccessRate()
		if ri != rj {
			return ri > rj
		}
		return ready[i].TotalTasks > ready[j].TotalTasks
	})
	return ready[0], nil
}

// Health is the point-in-time liveness report of a single device.
type Health struct {
	DeviceID  string        `json:"device_id"`
	Status    device.Status `json:"status"`
	TunnelUp  bool          `json:"tunnel_up"`
	WSUp      bool          `json:"ws_up"`
	SilentFor time.Duration `json:"silent_for"`
	Healthy   bool          `json:"healthy"`
}

// CheckHealth evaluates one device's heartbeat silence, applying the
// offline transition if it is overdue, and reports the result.
func (r *Registry) CheckHealth(ctx context.Context, id string) (*Health, error) {
	r.mu.RLock()
	d, ok := r.devices[id]
	if !ok {
		r.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	silent := r.now().Sub(d.LastHeartbeat)
	stale := d.WSUp && silent > r.offlineAfter
	r.mu.RUnlock()

	if stale {
		r.sweepSilent(ctx)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok = r.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &Health{
		DeviceID:  d.ID,
		Status:    d.Status,
		TunnelUp:  d.TunnelUp,
		WSUp:      d.WSUp,
		SilentFor: r.now().Sub(d.LastHeartbeat),
		Healthy:   d.ChannelsUp(),
	}, nil
}

// StartHealthLoop launches the background silence sweep. Stop shuts it
// down.
func (r *Registry) StartHealthLoop(ctx context.Context) {
	r.wg.Add(1)
	go r.healthLoop(ctx)
	r.log.Info("health loop started",
		zap.Duration("interval", r.pingInterval),
		zap.Duration("offline_after", r.offlineAfter))
}

// Stop terminates the health loop and waits for it to drain.
func (r *Registry) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Registry) healthLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepSilent(ctx)
			r.census()
		}
	}
}

// sweepSilent drops the socket flag on every device that stopped
// answering pings and runs the resulting offline transitions.
func (r *Registry) sweepSilent(ctx context.Context) {
	cutoff := r.now().Add(-r.offlineAfter)
	var gone []*device.Device
	var updated []*device.Device

	r.mu.Lock()
	for _, d := range r.devices {
		if !d.WSUp || d.LastHeartbeat.After(cutoff) {
			continue
		}
		d.WSUp = false
		prev := d.Status
		d.Status = d.DeriveStatus()
		d.UpdatedAt = r.now()
		if prev != device.StatusOffline && d.Status == device.StatusOffline {
			gone = append(gone, d.Clone())
		} else {
			updated = append(updated, d.Clone())
		}
	}
	r.mu.Unlock()

	for _, g := range gone {
		r.alloc.ReleaseDevice(g.ID)
		r.disconnect(g.Port)
		r.log.Warn("device went silent",
			zap.String("device_id", g.ID),
			zap.Duration("offline_after", r.offlineAfter))
		r.persist(ctx, g)
		r.publish(ctx, events.DeviceOffline, map[string]interface{}{
			"device_id": g.ID,
			"kind":      string(g.Kind),
			"port":      g.Port,
			"reason":    "heartbeat_timeout",
		})
	}
	for _, d := range updated {
		r.persist(ctx, d)
		r.publishUpdated(ctx, d)
	}
}

// census refreshes the device gauges.
func (r *Registry) census() {
	if r.metrics == nil {
		return
	}
	counts := make(map[device.Kind]map[device.Status]int)

	r.mu.RLock()
	for _, d := range r.devices {
		if counts[d.Kind] == nil {
			counts[d.Kind] = make(map[device.Status]int)
		}
		counts[d.Kind][d.Status]++
	}
	r.mu.RUnlock()

	kinds := []device.Kind{device.KindPhone, device.KindPC}
	statuses := []device.Status{device.StatusOffline, device.StatusOnline, device.StatusBusy, device.StatusError}
	for _, kind := range kinds {
		for _, status := range statuses {
			r.metrics.SetDevices(string(kind), string(status), counts[kind][status])
		}
	}
	r.metrics.PortsAllocated.Set(float64(r.alloc.Count()))
}

func (r *Registry) disconnect(port int) {
	if r.channels != nil {
		r.channels.Disconnect(port)
	}
}

func (r *Registry) publish(ctx context.Context, subject string, data map[string]interface{}) {
	if r.bus == nil {
		return
	}
	evt := bus.NewEvent(subject, "registry", data)
	if err := r.bus.Publish(ctx, subject, evt); err != nil {
		r.log.Warn("failed to publish device event", zap.String("subject", subject), zap.Error(err))
	}
}

func (r *Registry) publishUpdated(ctx context.Context, d *device.Device) {
	r.publish(ctx, events.DeviceUpdated, map[string]interface{}{
		"device_id":       d.ID,
		"kind":            string(d.Kind),
		"port":            d.Port,
		"status":          string(d.Status),
		"tunnel_up":       d.TunnelUp,
		"ws_up":           d.WSUp,
		"current_task_id": d.CurrentTaskID,
	})
}

// mergeOnlineSpecs overlays a device_online report onto what the
// scanner probe already learned. The socket report wins except for the
// PC health fields, which only the probe provides.
func mergeOnlineSpecs(old, in device.Specs) device.Specs {
	if in.Ratio == 0 {
		in.Ratio = old.Ratio
	}
	if in.CtrlKey == "" {
		in.CtrlKey = old.CtrlKey
	}
	if in.SearchKey == "" {
		in.SearchKey = old.SearchKey
	}
	return in
}

// overlayProbeSpecs folds probe results into existing specs. Identity
// fields reported over the socket are kept; volatile probe readings
// (battery, PC health fields) overwrite.
func overlayProbeSpecs(old, probe device.Specs) device.Specs {
	out := old
	if out.DeviceName == "" {
		out.DeviceName = probe.DeviceName
	}
	if out.Model == "" {
		out.Model = probe.Model
	}
	if out.OS == "" {
		out.OS = probe.OS
	}
	if out.OSVersion == "" {
		out.OSVersion = probe.OSVersion
	}
	if out.ScreenResolution == "" {
		out.ScreenResolution = probe.ScreenResolution
	}
	if probe.Battery != 0 {
		out.Battery = probe.Battery
	}
	if probe.Ratio != 0 {
		out.Ratio = probe.Ratio
	}
	if probe.CtrlKey != "" {
		out.CtrlKey = probe.CtrlKey
	}
	if probe.SearchKey != "" {
		out.SearchKey = probe.SearchKey
	}
	return out
}

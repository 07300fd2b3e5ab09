// Package allocator serializes tunnel port assignments. Every component
// reads port ownership through this interface; nothing mutates the
// mapping directly.
package allocator

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/autofleet/autofleet/internal/common/logger"
)

// ErrPortHeld is returned when a port is bound to another device and
// force was not requested.
var ErrPortHeld = errors.New("port already held by another device")

// Binding records one port assignment.
type Binding struct {
	Port          int       `json:"port"`
	DeviceID      string    `json:"device_id"`
	Name          string    `json:"name,omitempty"`
	AcquiredAt    time.Time `json:"acquired_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Allocator maintains the port→device bijection under a single lock.
type Allocator struct {
	mu       sync.Mutex
	bindings map[int]*Binding
	byDevice map[string]int
	log      *logger.Logger
	now      func() time.Time
}

// New creates an empty allocator.
func New(log *logger.Logger) *Allocator {
	return &Allocator{
		bindings: make(map[int]*Binding),
		byDevice: make(map[string]int),
		log:      log.WithComponent("allocator"),
		now:      time.Now,
	}
}

// Allocate binds port to deviceID. If the device already holds a
// different port, the old binding is released first (re-registration).
// If the port belongs to another device the call fails unless force is
// set, in which case the prior holder is evicted and returned.
func (a *Allocator) Allocate(deviceID string, port int, name string, force bool) (*Binding, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var evicted *Binding

	if existing, ok := a.bindings[port]; ok {
		if existing.DeviceID == deviceID {
			// Same device re-registering on its own port, with or
			// without force: refresh and report success.
			existing.Name = name
			existing.LastHeartbeat = a.now()
			return nil, nil
		}
		if !force {
			return nil, fmt.Errorf("%w: port %d held by %s", ErrPortHeld, port, existing.DeviceID)
		}
		evicted = existing
		delete(a.byDevice, existing.DeviceID)
		a.log.Warn("evicting port holder",
			zap.Int("port", port),
			zap.String("evicted_device", existing.DeviceID),
			zap.String("new_device", deviceID))
	}

	if oldPort, ok := a.byDevice[deviceID]; ok && oldPort != port {
		delete(a.bindings, oldPort)
		a.log.Info("device moved to a new port",
			zap.String("device_id", deviceID),
			zap.Int("old_port", oldPort),
			zap.Int("new_port", port))
	}

	now := a.now()
	a.bindings[port] = &Binding{
		Port:          port,
		DeviceID:      deviceID,
		Name:          name,
		AcquiredAt:    now,
		LastHeartbeat: now,
	}
	a.byDevice[deviceID] = port
	return evicted, nil
}

// ReleaseDevice drops the binding held by deviceID, if any.
func (a *Allocator) ReleaseDevice(deviceID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	port, ok := a.byDevice[deviceID]
	if !ok {
		return false
	}
	delete(a.byDevice, deviceID)
	delete(a.bindings, port)
	return true
}

// ReleasePort drops the binding on port, if any.
func (a *Allocator) ReleasePort(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	binding, ok := a.bindings[port]
	if !ok {
		return false
	}
	delete(a.bindings, port)
	delete(a.byDevice, binding.DeviceID)
	return true
}

// Status returns a copy of the binding on port.
func (a *Allocator) Status(port int) (*Binding, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	binding, ok := a.bindings[port]
	if !ok {
		return nil, false
	}
	c := *binding
	return &c, true
}

// StatusOfDevice returns a copy of the binding held by deviceID.
func (a *Allocator) StatusOfDevice(deviceID string) (*Binding, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	port, ok := a.byDevice[deviceID]
	if !ok {
		return nil, false
	}
	c := *a.bindings[port]
	return &c, true
}

// List returns all bindings ordered by port.
func (a *Allocator) List() []Binding {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Binding, 0, len(a.bindings))
	for _, b := range a.bindings {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Count reports how many ports are currently bound.
func (a *Allocator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.bindings)
}

// FindFree returns the lowest unbound port in [lo, hi], or 0 when the
// band is exhausted.
func (a *Allocator) FindFree(lo, hi int) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := lo; port <= hi; port++ {
		if _, ok := a.bindings[port]; !ok {
			return port
		}
	}
	return 0
}

// Touch refreshes the heartbeat on port's binding.
func (a *Allocator) Touch(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if binding, ok := a.bindings[port]; ok {
		binding.LastHeartbeat = a.now()
	}
}

// SweepStale releases every binding whose heartbeat is older than
// maxAge and returns the released bindings.
func (a *Allocator) SweepStale(maxAge time.Duration) []Binding {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-maxAge)
	var stale []Binding
	for port, binding := range a.bindings {
		if binding.LastHeartbeat.Before(cutoff) {
			stale = append(stale, *binding)
			delete(a.bindings, port)
			delete(a.byDevice, binding.DeviceID)
		}
	}
	for _, b := range stale {
		a.log.Info("released stale port binding",
			zap.Int("port", b.Port),
			zap.String("device_id", b.DeviceID))
	}
	return stale
}

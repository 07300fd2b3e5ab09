package channel

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/autofleet/autofleet/internal/common/logger"
	"github.com/autofleet/autofleet/internal/device"
)

// Manager caches one channel per tunnel port and owns the scanner's
// handshake probe.
type Manager struct {
	mu       sync.Mutex
	channels map[int]Channel
	run      CommandRunner
	base     *logger.Logger
	log      *logger.Logger

	// PCBaseURL overrides the PC endpoint per port; tests point it at
	// an httptest server.
	PCBaseURL func(port int) string
}

// NewManager creates a channel manager. A nil runner uses the real adb
// binary for phone channels.
func NewManager(run CommandRunner, log *logger.Logger) *Manager {
	return &Manager{
		channels: make(map[int]Channel),
		run:      run,
		base:     log,
		log:      log.WithComponent("channel.manager"),
	}
}

// ForDevice returns the cached channel for port, creating one of the
// right kind when missing.
func (m *Manager) ForDevice(port int, kind device.Kind) Channel {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.channels[port]; ok && ch.Kind() == kind {
		return ch
	}
	ch := m.create(port, kind)
	m.channels[port] = ch
	return ch
}

func (m *Manager) create(port int, kind device.Kind) Channel {
	if kind == device.KindPC {
		base := ""
		if m.PCBaseURL != nil {
			base = m.PCBaseURL(port)
		}
		return NewPC(port, base, m.base)
	}
	return NewADB(port, m.run, m.base)
}

// Get returns the cached channel for port, if any.
func (m *Manager) Get(port int) (Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[port]
	return ch, ok
}

// Probe performs the discovery handshake on port: phones get an adb
// attach plus a spec fetch, PCs a /health round trip. A failed probe
// evicts any cached channel.
func (m *Manager) Probe(ctx context.Context, port int, kind device.Kind) (device.Specs, error) {
	ch := m.ForDevice(port, kind)

	var specs device.Specs
	var err error
	switch c := ch.(type) {
	case *ADB:
		if err = c.Connect(ctx); err == nil {
			specs, err = c.FetchSpecs(ctx)
		}
	case *PC:
		specs, err = c.FetchSpecs(ctx)
	}
	if err != nil {
		m.Disconnect(port)
		return device.Specs{}, err
	}
	return specs, nil
}

// Disconnect closes and evicts the channel on port.
func (m *Manager) Disconnect(port int) {
	m.mu.Lock()
	ch, ok := m.channels[port]
	if ok {
		delete(m.channels, port)
	}
	m.mu.Unlock()

	if ok {
		if err := ch.Close(); err != nil {
			m.log.Debug("channel close failed", zap.Int("port", port), zap.Error(err))
		}
	}
}

// CloseAll disconnects every cached channel.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ports := make([]int, 0, len(m.channels))
	for port := range m.channels {
		ports = append(ports, port)
	}
	m.mu.Unlock()

	for _, port := range ports {
		m.Disconnect(port)
	}
}

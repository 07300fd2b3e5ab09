// Package scanner sweeps the reserved tunnel port bands and feeds the
// registry with what is actually listening. It is the authoritative
// source for tunnel_up: the WebSocket tells us a device wants to be
// here, the scanner tells us its tunnel really is.
package scanner

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/autofleet/autofleet/internal/common/config"
	"github.com/autofleet/autofleet/internal/common/logger"
	"github.com/autofleet/autofleet/internal/common/portutil"
	"github.com/autofleet/autofleet/internal/device"
)

// RegistrySink is the slice of the registry the scanner feeds.
type RegistrySink interface {
	MarkTunnelSeen(ctx context.Context, port int, kind device.Kind, specs device.Specs) *device.Device
	MarkTunnelGone(ctx context.Context, port int)
	GetByPort(port int) (*device.Device, error)
}

// Prober performs the per-kind discovery handshake on a listening port.
type Prober interface {
	Probe(ctx context.Context, port int, kind device.Kind) (device.Specs, error)
}

// Scanner is the background band sweep.
type Scanner struct {
	registry RegistrySink
	channels Prober
	cfg      config.PortsConfig
	log      *logger.Logger

	// dial is injectable so tests can fake the listening set.
	dial func(host string, port int, timeout time.Duration) bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a scanner over the configured bands.
func New(reg RegistrySink, channels Prober, cfg config.PortsConfig, log *logger.Logger) *Scanner {
	return &Scanner{
		registry: reg,
		channels: channels,
		cfg:      cfg,
		log:      log.WithComponent("scanner"),
		dial:     portutil.IsListening,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop. The first sweep runs immediately so
// devices already tunneled in show up without waiting a full interval.
func (s *Scanner) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
	s.log.Info("port scanner started",
		zap.Int("phone_start", s.cfg.PhoneStart),
		zap.Int("phone_end", s.cfg.PhoneEnd),
		zap.Int("pc_start", s.cfg.PCStart),
		zap.Int("pc_end", s.cfg.PCEnd),
		zap.Duration("interval", s.cfg.ScanIntervalDuration()))
}

// Stop terminates the loop and waits for the sweep in flight.
func (s *Scanner) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scanner) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ScanIntervalDuration())
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep probes both bands in bounded parallel batches and reconciles
// the registry with the result.
func (s *Scanner) sweep(ctx context.Context) {
	ports := append(
		portutil.Range(s.cfg.PhoneStart, s.cfg.PhoneEnd),
		portutil.Range(s.cfg.PCStart, s.cfg.PCEnd)...,
	)
	listening := make([]bool, len(ports))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.ScanBatch)
	for i, port := range ports {
		i, port := i, port
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			default:
			}
			listening[i] = s.dial("127.0.0.1", port, s.cfg.ProbeTimeoutDuration())
			return nil
		})
	}
	_ = g.Wait()

	for i, port := range ports {
		if listening[i] {
			s.confirm(ctx, port)
		} else {
			s.registry.MarkTunnelGone(ctx, port)
		}
	}
}

// confirm handshakes a listening port and upserts the device. A port
// that listens but fails its handshake is left alone: a known device
// keeps its tunnel state through a transient probe failure, and an
// unknown listener is the reaper's problem, not ours.
func (s *Scanner) confirm(ctx context.Context, port int) {
	kind := s.kindFor(port)

	specs, err := s.channels.Probe(ctx, port, kind)
	if err != nil {
		s.log.Debug("listening port failed its handshake",
			zap.Int("port", port),
			zap.String("kind", string(kind)),
			zap.Error(err))
		return
	}
	s.registry.MarkTunnelSeen(ctx, port, kind, specs)
}

// kindFor classifies a port: a device already known on that port keeps
// its declared kind, otherwise the band decides.
func (s *Scanner) kindFor(port int) device.Kind {
	if d, err := s.registry.GetByPort(port); err == nil && d.Kind != "" {
		return d.Kind
	}
	if s.cfg.PortBand(port) == string(device.KindPC) {
		return device.KindPC
	}
	return device.KindPhone
}

// Package reaper reclaims tunnel ports whose owning processes outlived
// their devices. A port that keeps listening inside the managed bands
// without a device or an allocator binding behind it is a zombie: the
// tunnel client died half-way and left its listener up.
package reaper

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/autofleet/autofleet/internal/common/config"
	"github.com/autofleet/autofleet/internal/common/logger"
	"github.com/autofleet/autofleet/internal/device"
	"github.com/autofleet/autofleet/internal/device/allocator"
	"github.com/autofleet/autofleet/internal/device/channel"
	"github.com/autofleet/autofleet/internal/events"
	"github.com/autofleet/autofleet/internal/events/bus"
)

// DeviceIndex is the slice of the registry the reaper diffs against.
type DeviceIndex interface {
	List() []*device.Device
}

// PortTable is the slice of the allocator the reaper diffs against and
// notifies.
type PortTable interface {
	List() []allocator.Binding
	ReleasePort(port int) bool
}

// listenEntry is one parsed row of ss/netstat output.
type listenEntry struct {
	Port int
	PID  int
}

// Reaper is the background zombie sweep.
type Reaper struct {
	devices DeviceIndex
	ports   PortTable
	bus     bus.EventBus
	cfg     config.ReaperConfig
	bands   config.PortsConfig
	log     *logger.Logger

	run   channel.CommandRunner
	kill  func(pid int, sig syscall.Signal) error
	sleep func(d time.Duration)
	now   func() time.Time

	mu        sync.Mutex
	firstSeen map[int]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a reaper over the managed bands.
func New(devices DeviceIndex, ports PortTable, eventBus bus.EventBus, cfg config.ReaperConfig, bands config.PortsConfig, log *logger.Logger) *Reaper {
	return &Reaper{
		devices:   devices,
		ports:     ports,
		bus:       eventBus,
		cfg:       cfg,
		bands:     bands,
		log:       log.WithComponent("reaper"),
		run:       channel.ExecRunner,
		kill:      syscall.Kill,
		sleep:     time.Sleep,
		now:       time.Now,
		firstSeen: make(map[int]time.Time),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (r *Reaper) Start(ctx context.Context) {
	if !r.cfg.Enabled {
		r.log.Info("zombie reaper disabled")
		return
	}
	r.wg.Add(1)
	go r.loop(ctx)
	r.log.Info("zombie reaper started",
		zap.Duration("interval", r.cfg.IntervalDuration()),
		zap.Duration("zombie_age", r.cfg.ZombieAgeDuration()))
}

// Stop terminates the loop and waits for the sweep in flight.
func (r *Reaper) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Reaper) loop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.IntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep enumerates listeners in the managed bands, diffs them against
// the devices and bindings we believe in, and kills what has been
// unaccounted for longer than the zombie age.
func (r *Reaper) sweep(ctx context.Context) {
	entries, err := r.listeners(ctx)
	if err != nil {
		r.log.Warn("could not enumerate listening ports", zap.Error(err))
		return
	}

	legit := r.legitPorts()
	now := r.now()
	listening := make(map[int]listenEntry, len(entries))

	r.mu.Lock()
	for _, e := range entries {
		listening[e.Port] = e
		if legit[e.Port] {
			delete(r.firstSeen, e.Port)
			continue
		}
		if _, tracked := r.firstSeen[e.Port]; !tracked {
			r.firstSeen[e.Port] = now
			r.log.Debug("tracking unaccounted listener",
				zap.Int("port", e.Port), zap.Int("pid", e.PID))
		}
	}
	// Ports that stopped listening or were reclaimed drop out of
	// tracking.
	var due []listenEntry
	for port, seen := range r.firstSeen {
		e, up := listening[port]
		if !up {
			delete(r.firstSeen, port)
			continue
		}
		if now.Sub(seen) >= r.cfg.ZombieAgeDuration() {
			due = append(due, e)
			delete(r.firstSeen, port)
		}
	}
	r.mu.Unlock()

	for _, e := range due {
		r.reap(ctx, e)
	}
}

// reap kills the process behind a zombie port and notifies the
// allocator.
func (r *Reaper) reap(ctx context.Context, e listenEntry) {
	r.log.Warn("reaping zombie port",
		zap.Int("port", e.Port),
		zap.Int("pid", e.PID),
		zap.Duration("zombie_age", r.cfg.ZombieAgeDuration()))

	if e.PID > 0 {
		if err := r.kill(e.PID, syscall.SIGTERM); err != nil {
			r.log.Warn("SIGTERM failed", zap.Int("pid", e.PID), zap.Error(err))
		}
		r.sleep(time.Second)
		// Escalate unconditionally; a dead pid just returns ESRCH.
		_ = r.kill(e.PID, syscall.SIGKILL)
	} else {
		r.log.Warn("zombie port has no visible pid, releasing binding only",
			zap.Int("port", e.Port))
	}

	r.ports.ReleasePort(e.Port)

	if r.bus != nil {
		evt := bus.NewEvent(events.PortReaped, "reaper", map[string]interface{}{
			"port": e.Port,
			"pid":  e.PID,
		})
		if err := r.bus.Publish(ctx, events.PortReaped, evt); err != nil {
			r.log.Warn("failed to publish reap event", zap.Error(err))
		}
	}
}

// listeners shells out to ss, falling back to netstat, and keeps only
// ports inside the managed bands.
func (r *Reaper) listeners(ctx context.Context) ([]listenEntry, error) {
	out, err := r.run(ctx, "ss", "-ltnp")
	if err != nil {
		out, err = r.run(ctx, "netstat", "-ltnp")
		if err != nil {
			return nil, err
		}
	}

	var inBand []listenEntry
	for _, e := range parseListeners(string(out)) {
		if r.bands.PortBand(e.Port) != "" {
			inBand = append(inBand, e)
		}
	}
	return inBand, nil
}

// legitPorts is the union of ports belonging to devices not offline and
// ports with a live allocator binding.
func (r *Reaper) legitPorts() map[int]bool {
	legit := make(map[int]bool)
	for _, d := range r.devices.List() {
		if d.Status != device.StatusOffline {
			legit[d.Port] = true
		}
	}
	for _, b := range r.ports.List() {
		legit[b.Port] = true
	}
	return legit
}

var (
	pidEqRe    = regexp.MustCompile(`pid=(\d+)`)
	pidSlashRe = regexp.MustCompile(`^(\d+)/`)
)

// parseListeners extracts (local port, pid) pairs from ss -ltnp or
// netstat -ltnp output. Both formats put the local address in the first
// field carrying a parseable :port suffix; the pid appears as pid=N in
// ss and as N/name in netstat. A listener whose process is invisible
// (no permission) yields pid 0.
func parseListeners(out string) []listenEntry {
	var entries []listenEntry
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}

		port := 0
		for _, f := range fields {
			idx := strings.LastIndex(f, ":")
			if idx < 0 || idx == len(f)-1 {
				continue
			}
			if p, err := strconv.Atoi(f[idx+1:]); err == nil && p > 0 && p < 65536 {
				port = p
				break
			}
		}
		if port == 0 {
			continue
		}

		pid := 0
		if m := pidEqRe.FindStringSubmatch(line); m != nil {
			pid, _ = strconv.Atoi(m[1])
		} else {
			for _, f := range fields {
				if m := pidSlashRe.FindStringSubmatch(f); m != nil {
					pid, _ = strconv.Atoi(m[1])
					break
				}
			}
		}

		entries = append(entries, listenEntry{Port: port, PID: pid})
	}
	return entries
}

package events

import (
	"fmt"
	"strings"

	"github.com/autofleet/autofleet/internal/common/config"
	"github.com/autofleet/autofleet/internal/common/logger"
	"github.com/autofleet/autofleet/internal/events/bus"
)

// Provide builds the event bus the deployment asked for. A single-box
// deployment leaves nats.url empty and gets the in-memory bus; setting
// it moves the same subjects onto a NATS server so other processes can
// consume them. The returned cleanup drains the bus and is safe to call
// exactly once.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) == "" {
		memBus := bus.NewMemoryEventBus(log)
		return memBus, func() error { memBus.Close(); return nil }, nil
	}

	natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize nats event bus: %w", err)
	}
	return natsBus, func() error { natsBus.Close(); return nil }, nil
}

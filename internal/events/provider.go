// Package events selects the event bus implementation for the worker.
package events

import (
	"fmt"

	"github.com/agendo/agendo/internal/common/config"
	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/events/bus"
)

// ProvidedBus wraps the active event bus implementation.
type ProvidedBus struct {
	Bus    bus.EventBus
	Memory *bus.MemoryEventBus
	NATS   *bus.NATSEventBus
}

// Provide builds the configured event bus: NATS when a URL is set, the
// in-process bus otherwise. The cleanup function closes the bus.
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return &ProvidedBus{Bus: natsBus, NATS: natsBus}, cleanup, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	cleanup := func() error {
		memBus.Close()
		return nil
	}
	return &ProvidedBus{Bus: memBus, Memory: memBus}, cleanup, nil
}

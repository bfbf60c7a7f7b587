// Package bus provides the shared publish/subscribe backbone that connects
// server processes. Delivery is at-least-once and ordered per subscription
// only as far as the backend orders it.
package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-rooms/internal/config"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus closed")

// Handler receives a raw payload published to a subscribed topic.
type Handler func(ctx context.Context, payload []byte)

// Subscription is an active topic subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus publishes opaque payloads to topics and delivers them to subscribers
// in every process.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error)
	Close() error
}

// Open builds the bus selected by cfg.Driver.
func Open(ctx context.Context, cfg config.BusConfig, logger *zerolog.Logger) (Bus, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		return NewMemory(), nil
	case config.DriverRedis:
		return DialRedis(ctx, cfg.RedisURL, logger)
	case config.DriverNATS:
		return DialNATS(cfg.NATSURL, logger)
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.Driver)
	}
}

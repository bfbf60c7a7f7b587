package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-rooms/internal/log"
)

const natsFlushTimeout = 2 * time.Second

// NATS carries bus traffic over core NATS subjects.
type NATS struct {
	conn *nats.Conn
	log  *zerolog.Logger
}

// DialNATS connects to natsURL with unlimited reconnects.
func DialNATS(natsURL string, logger *zerolog.Logger) (*NATS, error) {
	l := log.Component(logger, "bus.nats")
	conn, err := nats.Connect(natsURL,
		nats.Name("wirechat-rooms"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			l.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			l.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATS{conn: conn, log: l}, nil
}

// Publish sends payload on subject topic.
func (n *NATS) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := n.conn.Publish(topic, payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", topic, err)
	}
	var err error
	if _, ok := ctx.Deadline(); ok {
		err = n.conn.FlushWithContext(ctx)
	} else {
		err = n.conn.FlushTimeout(natsFlushTimeout)
	}
	if err != nil {
		return fmt.Errorf("nats flush %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler on subject topic. NATS runs handlers on one
// goroutine per subscription, preserving publish order per publisher.
func (n *NATS) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	runCtx := context.WithoutCancel(ctx)
	sub, err := n.conn.Subscribe(topic, func(msg *nats.Msg) {
		handler(runCtx, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", topic, err)
	}
	if err := n.conn.FlushTimeout(natsFlushTimeout); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("nats flush subscribe %s: %w", topic, err)
	}
	n.log.Debug().Str("topic", topic).Msg("subscribed")
	return &natsSub{sub: sub}, nil
}

type natsSub struct {
	sub  *nats.Subscription
	once sync.Once
	err  error
}

func (s *natsSub) Unsubscribe() error {
	s.once.Do(func() {
		s.err = s.sub.Unsubscribe()
	})
	return s.err
}

// Close drains pending messages and closes the connection.
func (n *NATS) Close() error {
	return n.conn.Drain()
}

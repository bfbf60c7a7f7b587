package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-rooms/internal/log"
)

const redisReceiveBackoff = 100 * time.Millisecond

// Redis carries bus traffic over Redis PUBLISH/SUBSCRIBE. Every topic shares
// one pub/sub connection and one receive loop.
type Redis struct {
	client *redis.Client
	log    *zerolog.Logger

	mu     sync.Mutex
	ps     *redis.PubSub
	topics map[string]*redisTopic
	closed bool
	done   chan struct{}
}

type redisTopic struct {
	subs map[*redisSub]Handler
	// ready is closed when the server confirms the subscription.
	ready     chan struct{}
	confirmed bool
}

// DialRedis connects to redisURL and verifies the connection.
func DialRedis(ctx context.Context, redisURL string, logger *zerolog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewRedis(client, logger), nil
}

// NewRedis wraps an existing client. The bus owns the client afterwards.
func NewRedis(client *redis.Client, logger *zerolog.Logger) *Redis {
	return &Redis{
		client: client,
		log:    log.Component(logger, "bus.redis"),
		topics: make(map[string]*redisTopic),
	}
}

// Publish sends payload to every subscriber of topic.
func (r *Redis) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := r.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers handler for topic and waits until the server has
// confirmed the subscription. The SUBSCRIBE command is written under the bus
// lock; the confirmation is awaited outside it.
func (r *Redis) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	if topic == "" {
		return nil, errors.New("redis subscribe: empty topic")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if r.ps == nil {
		r.ps = r.client.Subscribe(context.Background())
		r.done = make(chan struct{})
		go r.receive(r.ps, r.done)
	}

	t, ok := r.topics[topic]
	if !ok {
		t = &redisTopic{subs: make(map[*redisSub]Handler), ready: make(chan struct{})}
		if err := r.ps.Subscribe(ctx, topic); err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
		}
		r.topics[topic] = t
	}
	sub := &redisSub{bus: r, topic: topic}
	t.subs[sub] = handler
	r.mu.Unlock()

	select {
	case <-t.ready:
	case <-ctx.Done():
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, ctx.Err())
	}

	r.log.Debug().Str("topic", topic).Msg("subscribed")
	return sub, nil
}

func (r *Redis) receive(ps *redis.PubSub, done chan struct{}) {
	defer close(done)
	ctx := context.Background()

	for {
		msg, err := ps.Receive(ctx)
		if err != nil {
			if r.isClosed() {
				return
			}
			// go-redis reconnects and resubscribes on the next Receive.
			r.log.Warn().Err(err).Msg("pub/sub receive failed")
			time.Sleep(redisReceiveBackoff)
			continue
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				r.confirm(m.Channel)
			}
		case *redis.Message:
			for _, h := range r.handlers(m.Channel) {
				h(ctx, []byte(m.Payload))
			}
		}
	}
}

func (r *Redis) confirm(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.topics[topic]; ok && !t.confirmed {
		t.confirmed = true
		close(t.ready)
	}
}

func (r *Redis) handlers(topic string) []Handler {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.topics[topic]
	if !ok {
		return nil
	}
	hs := make([]Handler, 0, len(t.subs))
	for _, h := range t.subs {
		hs = append(hs, h)
	}
	return hs
}

func (r *Redis) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Redis) unsubscribe(s *redisSub) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.topics[s.topic]
	if !ok {
		return nil
	}
	delete(t.subs, s)
	if len(t.subs) > 0 {
		return nil
	}
	delete(r.topics, s.topic)
	if r.closed {
		return nil
	}
	if err := r.ps.Unsubscribe(context.Background(), s.topic); err != nil {
		return fmt.Errorf("redis unsubscribe %s: %w", s.topic, err)
	}
	return nil
}

// Close stops the receive loop and closes the underlying client.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ps, done := r.ps, r.done
	r.mu.Unlock()

	if ps != nil {
		_ = ps.Close()
		<-done
	}
	return r.client.Close()
}

type redisSub struct {
	bus   *Redis
	topic string
	once  sync.Once
	err   error
}

func (s *redisSub) Unsubscribe() error {
	s.once.Do(func() {
		s.err = s.bus.unsubscribe(s)
	})
	return s.err
}

package bus

import (
	"context"
	"sync"
)

const memorySubscriptionBuffer = 256

// Memory is an in-process bus. Several hubs sharing one Memory behave like
// separate processes on a real broker.
type Memory struct {
	mu     sync.RWMutex
	topics map[string]map[*memorySub]struct{}
	closed bool
}

// NewMemory creates an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{topics: make(map[string]map[*memorySub]struct{})}
}

type memorySub struct {
	bus   *Memory
	topic string
	ch    chan []byte
	done  chan struct{}
	once  sync.Once
}

// Publish enqueues payload for every current subscriber of topic.
func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]*memorySub, 0, len(m.topics[topic]))
	for sub := range m.topics[topic] {
		subs = append(subs, sub)
	}
	m.mu.RUnlock()

	data := append([]byte(nil), payload...)
	for _, sub := range subs {
		select {
		case sub.ch <- data:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers handler for topic. Handlers run on a per-subscription goroutine.
func (m *Memory) Subscribe(ctx context.Context, topic string, handler Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	sub := &memorySub{
		bus:   m,
		topic: topic,
		ch:    make(chan []byte, memorySubscriptionBuffer),
		done:  make(chan struct{}),
	}
	if m.topics[topic] == nil {
		m.topics[topic] = make(map[*memorySub]struct{})
	}
	m.topics[topic][sub] = struct{}{}

	go sub.run(context.WithoutCancel(ctx), handler)
	return sub, nil
}

func (s *memorySub) run(ctx context.Context, handler Handler) {
	for {
		select {
		case payload := <-s.ch:
			handler(ctx, payload)
		case <-s.done:
			return
		}
	}
}

// Unsubscribe stops delivery. Pending payloads are discarded.
func (s *memorySub) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		if subs := s.bus.topics[s.topic]; subs != nil {
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.bus.topics, s.topic)
			}
		}
		s.bus.mu.Unlock()
		close(s.done)
	})
	return nil
}

// Close unsubscribes everything and rejects further use.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var subs []*memorySub
	for _, set := range m.topics {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	return nil
}

// Subscribers reports how many subscriptions topic currently has.
func (m *Memory) Subscribers(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.topics[topic])
}

package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-rooms/internal/bus"
	wlog "github.com/vovakirdan/wirechat-rooms/internal/log"
	"github.com/vovakirdan/wirechat-rooms/internal/metrics"
)

const (
	scopeRoom   = "room"
	scopeGlobal = "global"
)

// envelope is the payload carried on the shared bus.
type envelope struct {
	Origin string `json:"origin"`
	Scope  string `json:"scope"`
	RoomID int64  `json:"room_id,omitempty"`
	Event  *Event `json:"event"`
}

// roomSub is a refcounted room topic subscription. ready is closed once
// the subscribe call finished; sub is nil until then, and err is set if it failed.
type roomSub struct {
	sub   bus.Subscription
	refs  int
	ready chan struct{}
	err   error
}

// Broadcaster fans events out to local connections and to other processes
// through the bus. Publishing happens before local delivery so a failed
// publish delivers nothing.
type Broadcaster struct {
	nodeID     string
	bus        bus.Bus
	registry   *Registry
	prefix     string
	busTimeout time.Duration
	log        zerolog.Logger

	mu     sync.Mutex
	rooms  map[int64]*roomSub
	global bus.Subscription
}

// NewBroadcaster creates a broadcaster for one process.
func NewBroadcaster(nodeID, prefix string, b bus.Bus, registry *Registry, busTimeout time.Duration, logger *zerolog.Logger) *Broadcaster {
	if prefix == "" {
		prefix = "wirechat"
	}
	if busTimeout <= 0 {
		busTimeout = 2 * time.Second
	}
	l := *wlog.Component(wlog.OrNop(logger), "broadcaster")
	return &Broadcaster{
		nodeID:     nodeID,
		bus:        b,
		registry:   registry,
		prefix:     prefix,
		busTimeout: busTimeout,
		log:        l,
		rooms:      make(map[int64]*roomSub),
	}
}

func (b *Broadcaster) roomTopic(roomID int64) string {
	return b.prefix + ".room." + strconv.FormatInt(roomID, 10)
}

func (b *Broadcaster) globalTopic() string {
	return b.prefix + ".rooms"
}

// Start subscribes to the global topic.
func (b *Broadcaster) Start(ctx context.Context) error {
	sctx, cancel := context.WithTimeout(ctx, b.busTimeout)
	defer cancel()

	sub, err := b.bus.Subscribe(sctx, b.globalTopic(), b.handleRemote)
	if err != nil {
		metrics.BusErrors.WithLabelValues("subscribe").Inc()
		return fmt.Errorf("%w: subscribe %s: %w", ErrBusUnavailable, b.globalTopic(), err)
	}

	b.mu.Lock()
	b.global = sub
	b.mu.Unlock()
	return nil
}

// EnsureRoom subscribes to a room topic, or adds a reference to an
// existing subscription. The bus call runs outside the lock; concurrent
// callers for the same room wait for the one in flight.
func (b *Broadcaster) EnsureRoom(ctx context.Context, roomID int64) error {
	b.mu.Lock()
	if rs, ok := b.rooms[roomID]; ok {
		rs.refs++
		b.mu.Unlock()
		<-rs.ready
		return rs.err
	}
	rs := &roomSub{refs: 1, ready: make(chan struct{})}
	b.rooms[roomID] = rs
	b.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, b.busTimeout)
	defer cancel()
	sub, err := b.bus.Subscribe(sctx, b.roomTopic(roomID), b.handleRemote)

	b.mu.Lock()
	defer b.mu.Unlock()
	defer close(rs.ready)

	if err != nil {
		metrics.BusErrors.WithLabelValues("subscribe").Inc()
		rs.err = fmt.Errorf("%w: subscribe room %d: %w", ErrBusUnavailable, roomID, err)
		if b.rooms[roomID] == rs {
			delete(b.rooms, roomID)
		}
		return rs.err
	}
	if b.rooms[roomID] != rs {
		// Closed while subscribing.
		_ = sub.Unsubscribe()
		rs.err = fmt.Errorf("%w: broadcaster closed", ErrBusUnavailable)
		return rs.err
	}
	rs.sub = sub
	return nil
}

// ReleaseRoom drops a reference taken by EnsureRoom and unsubscribes once
// no local connection needs the room.
func (b *Broadcaster) ReleaseRoom(roomID int64) {
	b.mu.Lock()
	rs, ok := b.rooms[roomID]
	if !ok || rs.sub == nil {
		b.mu.Unlock()
		return
	}
	rs.refs--
	if rs.refs > 0 {
		b.mu.Unlock()
		return
	}
	delete(b.rooms, roomID)
	b.mu.Unlock()

	if err := rs.sub.Unsubscribe(); err != nil {
		b.log.Warn().Err(err).Int64("room_id", roomID).Msg("unsubscribe room topic")
	}
}

// Subscribed reports whether the room topic is currently subscribed.
func (b *Broadcaster) Subscribed(roomID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	rs, ok := b.rooms[roomID]
	return ok && rs.sub != nil
}

// BroadcastToRoom publishes ev for other processes and then delivers it to
// local connections in the room except exclude.
func (b *Broadcaster) BroadcastToRoom(ctx context.Context, roomID int64, ev *Event, exclude string) error {
	env := envelope{Origin: b.nodeID, Scope: scopeRoom, RoomID: roomID, Event: ev}
	if err := b.publish(ctx, b.roomTopic(roomID), env); err != nil {
		return err
	}
	b.DeliverRoomLocal(roomID, ev, exclude)
	return nil
}

// BroadcastGlobal publishes ev for other processes and then delivers it to
// every local rooms-namespace connection.
func (b *Broadcaster) BroadcastGlobal(ctx context.Context, ev *Event) error {
	env := envelope{Origin: b.nodeID, Scope: scopeGlobal, Event: ev}
	if err := b.publish(ctx, b.globalTopic(), env); err != nil {
		return err
	}
	b.DeliverGlobalLocal(ev)
	return nil
}

func (b *Broadcaster) publish(ctx context.Context, topic string, env envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, b.busTimeout)
	defer cancel()

	if err := b.bus.Publish(pctx, topic, payload); err != nil {
		metrics.BusErrors.WithLabelValues("publish").Inc()
		b.log.Error().Err(err).Str("topic", topic).Str("event", string(env.Event.Kind)).Msg("bus publish failed")
		return fmt.Errorf("%w: %w", ErrBusUnavailable, err)
	}
	return nil
}

// DeliverRoomLocal hands ev to local connections attached to roomID.
func (b *Broadcaster) DeliverRoomLocal(roomID int64, ev *Event, exclude string) {
	b.deliver(b.registry.RoomClients(roomID), ev, exclude)
	metrics.Broadcasts.WithLabelValues(metrics.ScopeRoom, metrics.OriginLocal).Inc()
}

// DeliverGlobalLocal hands ev to local rooms-namespace connections.
func (b *Broadcaster) DeliverGlobalLocal(ev *Event) {
	b.deliver(b.registry.GlobalClients(), ev, "")
	metrics.Broadcasts.WithLabelValues(metrics.ScopeGlobal, metrics.OriginLocal).Inc()
}

func (b *Broadcaster) deliver(clients []*Client, ev *Event, exclude string) {
	for _, c := range clients {
		if c.ID == exclude {
			continue
		}
		if !c.deliver(ev) {
			metrics.DroppedEvents.Inc()
			b.log.Debug().Str("conn_id", c.ID).Str("event", string(ev.Kind)).Msg("dropped event for slow connection")
		}
	}
}

func (b *Broadcaster) handleRemote(_ context.Context, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil || env.Event == nil {
		metrics.BusErrors.WithLabelValues("decode").Inc()
		b.log.Warn().Err(err).Msg("discarding malformed bus payload")
		return
	}
	if env.Origin == b.nodeID {
		return
	}

	switch env.Scope {
	case scopeRoom:
		b.deliver(b.registry.RoomClients(env.RoomID), env.Event, "")
		metrics.Broadcasts.WithLabelValues(metrics.ScopeRoom, metrics.OriginRemote).Inc()
	case scopeGlobal:
		b.deliver(b.registry.GlobalClients(), env.Event, "")
		metrics.Broadcasts.WithLabelValues(metrics.ScopeGlobal, metrics.OriginRemote).Inc()
	default:
		b.log.Warn().Str("scope", env.Scope).Msg("unknown envelope scope")
	}
}

// Close drops every subscription held by the broadcaster.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := make([]bus.Subscription, 0, len(b.rooms)+1)
	for id, rs := range b.rooms {
		if rs.sub != nil {
			subs = append(subs, rs.sub)
		}
		delete(b.rooms, id)
	}
	if b.global != nil {
		subs = append(subs, b.global)
		b.global = nil
	}
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
}

package core

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirechat-rooms/internal/bus"
)

func TestBroadcasterRoomSubscriptionsAreRefCounted(t *testing.T) {
	b := newMemoryBus(t)
	bc := NewBroadcaster("n1", "test", b, NewRegistry(), time.Second, nil)
	ctx := context.Background()

	require.NoError(t, bc.EnsureRoom(ctx, 4))
	require.NoError(t, bc.EnsureRoom(ctx, 4))
	require.Equal(t, 1, b.Subscribers("test.room.4"))

	bc.ReleaseRoom(4)
	require.True(t, bc.Subscribed(4))
	require.Equal(t, 1, b.Subscribers("test.room.4"))

	bc.ReleaseRoom(4)
	require.False(t, bc.Subscribed(4))
	require.Zero(t, b.Subscribers("test.room.4"))

	bc.ReleaseRoom(4)
}

func TestBroadcasterExcludesOriginConnectionLocally(t *testing.T) {
	b := newMemoryBus(t)
	reg := NewRegistry()
	bc := NewBroadcaster("n1", "test", b, reg, time.Second, nil)
	ctx := context.Background()
	require.NoError(t, bc.EnsureRoom(ctx, 1))

	sender := NewClient("s", NamespaceChat, 1, "alice", 8)
	peer := NewClient("p", NamespaceChat, 2, "bob", 8)
	for _, c := range []*Client{sender, peer} {
		reg.Register(c)
		require.NoError(t, reg.AttachRoom(c.ID, 1))
	}

	require.NoError(t, bc.BroadcastToRoom(ctx, 1, &Event{Kind: EventMessage, RoomID: 1}, sender.ID))
	mustEvent(t, peer.Events, EventMessage)

	// The bus echoes the envelope back to this node; it must not be delivered twice.
	noEvent(t, peer.Events, EventMessage, 100*time.Millisecond)
	noEvent(t, sender.Events, EventMessage, 10*time.Millisecond)
}

func TestBroadcasterDeliversRemoteEnvelopes(t *testing.T) {
	b := newMemoryBus(t)
	reg := NewRegistry()
	bc := NewBroadcaster("n1", "test", b, reg, time.Second, nil)
	ctx := context.Background()
	require.NoError(t, bc.Start(ctx))
	require.NoError(t, bc.EnsureRoom(ctx, 1))
	t.Cleanup(bc.Close)

	chat := NewClient("c", NamespaceChat, 1, "alice", 8)
	index := NewClient("i", NamespaceRooms, 0, "", 8)
	reg.Register(chat)
	reg.Register(index)
	require.NoError(t, reg.AttachRoom(chat.ID, 1))

	publish := func(topic string, env envelope) {
		payload, err := json.Marshal(env)
		require.NoError(t, err)
		require.NoError(t, b.Publish(ctx, topic, payload))
	}

	publish("test.room.1", envelope{Origin: "n2", Scope: scopeRoom, RoomID: 1, Event: &Event{Kind: EventUserOnline, RoomID: 1, UserID: 9}})
	ev := mustEvent(t, chat.Events, EventUserOnline)
	require.Equal(t, int64(9), ev.UserID)

	publish("test.rooms", envelope{Origin: "n2", Scope: scopeGlobal, Event: &Event{Kind: EventRoomsUpdated, Room: &Room{ID: 5, Title: "ops"}}})
	ev = mustEvent(t, index.Events, EventRoomsUpdated)
	require.Equal(t, "ops", ev.Room.Title)

	require.NoError(t, b.Publish(ctx, "test.room.1", []byte("not json")))
	publish("test.room.1", envelope{Origin: "n2", Scope: scopeRoom, RoomID: 1, Event: &Event{Kind: EventMessage, RoomID: 1}})
	mustEvent(t, chat.Events, EventMessage)
}

func TestBroadcasterPublishFailureDeliversNothing(t *testing.T) {
	b := &flakyBus{Bus: newMemoryBus(t)}
	reg := NewRegistry()
	bc := NewBroadcaster("n1", "test", b, reg, time.Second, nil)

	c := NewClient("c", NamespaceRooms, 0, "", 8)
	reg.Register(c)

	b.down.Store(true)
	err := bc.BroadcastGlobal(context.Background(), &Event{Kind: EventRoomsUpdated})
	require.ErrorIs(t, err, ErrBusUnavailable)
	require.ErrorIs(t, err, errBusDown)
	noEvent(t, c.Events, EventRoomsUpdated, 50*time.Millisecond)
}

func TestBroadcasterDropsForSlowConnection(t *testing.T) {
	reg := NewRegistry()
	bc := NewBroadcaster("n1", "test", newMemoryBus(t), reg, time.Second, nil)

	slow := NewClient("slow", NamespaceRooms, 0, "", 1)
	reg.Register(slow)

	bc.DeliverGlobalLocal(&Event{Kind: EventRoomsUpdated, RoomID: 1})
	bc.DeliverGlobalLocal(&Event{Kind: EventRoomsUpdated, RoomID: 2})

	ev := <-slow.Events
	require.Equal(t, int64(1), ev.RoomID)
	require.Empty(t, slow.Events)
}

// gatedBus blocks subscribes to gated until release is closed.
type gatedBus struct {
	bus.Bus
	gated   string
	release chan struct{}
	calls   atomic.Int32
}

func (g *gatedBus) Subscribe(ctx context.Context, topic string, h bus.Handler) (bus.Subscription, error) {
	if topic == g.gated {
		g.calls.Add(1)
		<-g.release
	}
	return g.Bus.Subscribe(ctx, topic, h)
}

func TestBroadcasterSlowSubscribeDoesNotBlockOtherRooms(t *testing.T) {
	mem := newMemoryBus(t)
	g := &gatedBus{Bus: mem, gated: "test.room.1", release: make(chan struct{})}
	bc := NewBroadcaster("n1", "test", g, NewRegistry(), 5*time.Second, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- bc.EnsureRoom(ctx, 1)
		}()
	}

	require.Eventually(t, func() bool { return g.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, bc.EnsureRoom(ctx, 2))
	require.True(t, bc.Subscribed(2))
	require.False(t, bc.Subscribed(1))

	close(g.release)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), g.calls.Load())
	require.Equal(t, 1, mem.Subscribers("test.room.1"))

	for range 3 {
		bc.ReleaseRoom(1)
	}
	require.False(t, bc.Subscribed(1))
	require.Zero(t, mem.Subscribers("test.room.1"))
}

// failingSubscribeBus rejects every subscribe.
type failingSubscribeBus struct {
	bus.Bus
}

func (failingSubscribeBus) Subscribe(context.Context, string, bus.Handler) (bus.Subscription, error) {
	return nil, errBusDown
}

func TestBroadcasterFailedSubscribeLeavesNoEntry(t *testing.T) {
	bc := NewBroadcaster("n1", "test", failingSubscribeBus{Bus: newMemoryBus(t)}, NewRegistry(), time.Second, nil)

	err := bc.EnsureRoom(context.Background(), 7)
	require.ErrorIs(t, err, ErrBusUnavailable)
	require.ErrorIs(t, err, errBusDown)
	require.False(t, bc.Subscribed(7))

	bc.ReleaseRoom(7)
	require.ErrorIs(t, bc.EnsureRoom(context.Background(), 7), errBusDown)
}

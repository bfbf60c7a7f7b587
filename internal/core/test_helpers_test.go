package core

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirechat-rooms/internal/bus"
	"github.com/vovakirdan/wirechat-rooms/internal/presence"
	"github.com/vovakirdan/wirechat-rooms/internal/store"
	"github.com/vovakirdan/wirechat-rooms/internal/store/sqlite"
)

var connSeq atomic.Int64

func mustEvent(t *testing.T, ch <-chan *Event, kind EventKind) *Event {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case ev := <-ch:
			if ev == nil {
				continue
			}
			if ev.Kind == kind {
				return ev
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatalf("expected event kind %v not received", kind)
	return nil
}

// noEvent fails if an event of kind arrives within wait. Other events are discarded.
func noEvent(t *testing.T, ch <-chan *Event, kind EventKind, wait time.Duration) {
	t.Helper()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case ev := <-ch:
			if ev != nil && ev.Kind == kind {
				t.Fatalf("unexpected %v event: %+v", kind, ev)
			}
		case <-timer.C:
			return
		}
	}
}

func newTestStore(t *testing.T) *sqlite.SQLiteStore {
	t.Helper()

	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustUser(t *testing.T, s store.UserStore, name string) *store.User {
	t.Helper()

	u, err := s.CreateUser(context.Background(), name, "hash")
	require.NoError(t, err)
	return u
}

func testOptions(nodeID string) Options {
	return Options{
		NodeID:                  nodeID,
		BusPrefix:               "test",
		BacklogSize:             40,
		StoreTimeout:            time.Second,
		BusTimeout:              time.Second,
		DrainTimeout:            50 * time.Millisecond,
		AllowAnonymousObservers: true,
	}
}

// startHub runs a hub until the test ends.
func startHub(t *testing.T, st Storage, ps presence.Store, b bus.Bus, opts Options) *Hub {
	t.Helper()

	hub := NewHub(st, ps, b, opts, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, hub.Start(ctx))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hub.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub
}

func newMemoryBus(t *testing.T) *bus.Memory {
	t.Helper()

	b := bus.NewMemory()
	t.Cleanup(func() { _ = b.Close() })
	return b
}

type testEnv struct {
	hub      *Hub
	store    *sqlite.SQLiteStore
	presence *presence.Memory
	bus      *bus.Memory
}

func newTestEnv(t *testing.T, mutate ...func(*Options)) *testEnv {
	t.Helper()

	env := &testEnv{
		store:    newTestStore(t),
		presence: presence.NewMemory(),
		bus:      newMemoryBus(t),
	}

	opts := testOptions("node-a")
	for _, m := range mutate {
		m(&opts)
	}
	env.hub = startHub(t, env.store, env.presence, env.bus, opts)
	return env
}

// connect registers a new connection for u (nil for anonymous).
func connect(t *testing.T, hub *Hub, ns Namespace, u *store.User) *Client {
	t.Helper()

	id := fmt.Sprintf("conn-%d", connSeq.Add(1))
	var (
		userID int64
		name   string
	)
	if u != nil {
		userID, name = u.ID, u.Username
	}
	c := NewClient(id, ns, userID, name, 256)
	hub.RegisterClient(c)
	return c
}

func mustCreateRoom(t *testing.T, hub *Hub, u *store.User, title string) *Room {
	t.Helper()

	room, err := hub.CreateRoom(context.Background(), Actor{UserID: u.ID, Username: u.Username}, title)
	require.NoError(t, err)
	return room
}

func mustJoin(t *testing.T, hub *Hub, c *Client, roomID int64) {
	t.Helper()

	require.NoError(t, hub.Handle(context.Background(), c, &Command{Kind: CommandJoinRoom, RoomID: roomID}))
	mustEvent(t, c.Events, EventUsersList)
}

var errBusDown = errors.New("bus down")

// flakyBus wraps a bus and fails publishes while down is set.
type flakyBus struct {
	bus.Bus
	down atomic.Bool
}

func (f *flakyBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if f.down.Load() {
		return errBusDown
	}
	return f.Bus.Publish(ctx, topic, payload)
}

var errPresenceDown = errors.New("presence down")

// flakyPresence wraps a presence store. Leave fails while failures is
// positive, consuming one failure per call. onJoin runs before each join.
type flakyPresence struct {
	presence.Store
	failures atomic.Int32
	onJoin   atomic.Pointer[func()]
}

func (f *flakyPresence) Join(ctx context.Context, roomID int64, who presence.Identity, connID string) (presence.JoinResult, error) {
	if fn := f.onJoin.Load(); fn != nil {
		(*fn)()
	}
	return f.Store.Join(ctx, roomID, who, connID)
}

func (f *flakyPresence) Leave(ctx context.Context, roomID, userID int64, connID string) (presence.LeaveResult, error) {
	if f.failures.Add(-1) >= 0 {
		return presence.LeaveResult{}, errPresenceDown
	}
	f.failures.Store(0)
	return f.Store.Leave(ctx, roomID, userID, connID)
}

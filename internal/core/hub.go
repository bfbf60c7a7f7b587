package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/vovakirdan/wirechat-rooms/internal/bus"
	wlog "github.com/vovakirdan/wirechat-rooms/internal/log"
	"github.com/vovakirdan/wirechat-rooms/internal/metrics"
	"github.com/vovakirdan/wirechat-rooms/internal/presence"
	"github.com/vovakirdan/wirechat-rooms/internal/store"
)

const (
	maxTitleLength      = 64
	defaultBacklogSize  = 40
	defaultStoreTimeout = 3 * time.Second
	defaultDrainTimeout = 2 * time.Second
	defaultReapInterval = 5 * time.Second

	leaveAttempts     = 3
	leaveRetryBackoff = 50 * time.Millisecond
)

// Storage is the part of the storage collaborator the hub needs.
type Storage interface {
	store.RoomStore
	store.MessageStore
}

// Options tunes a Hub.
type Options struct {
	// NodeID identifies this process on the bus.
	NodeID    string
	BusPrefix string

	BacklogSize  int
	StoreTimeout time.Duration
	BusTimeout   time.Duration
	// DrainTimeout bounds how long Run waits for connections to unregister on shutdown.
	DrainTimeout time.Duration
	// ReapInterval is how often Run retries presence removals that failed on disconnect.
	ReapInterval time.Duration

	AllowAnonymousObservers bool
}

func (o Options) withDefaults() Options {
	if o.BacklogSize <= 0 {
		o.BacklogSize = defaultBacklogSize
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = defaultStoreTimeout
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = defaultDrainTimeout
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = defaultReapInterval
	}
	if o.NodeID == "" {
		o.NodeID = "local"
	}
	return o
}

// Hub coordinates rooms, presence and fan-out for the connections of one
// process. Cross-process state lives in the presence store and the bus.
type Hub struct {
	store       Storage
	presence    presence.Store
	registry    *Registry
	broadcaster *Broadcaster
	opts        Options
	log         zerolog.Logger

	startOnce sync.Once
	startErr  error

	persistMu sync.Mutex
	stopped   bool
	persist   sync.WaitGroup

	pendingMu sync.Mutex
	pending   []pendingLeave
}

// pendingLeave is a presence removal that failed after the connection was gone.
type pendingLeave struct {
	roomID   int64
	userID   int64
	username string
	connID   string
}

// NewHub creates a hub. Nothing is subscribed until Start or Run.
func NewHub(storage Storage, presenceStore presence.Store, b bus.Bus, opts Options, logger *zerolog.Logger) *Hub {
	opts = opts.withDefaults()
	l := wlog.Component(wlog.OrNop(logger), "hub").With().Str("node_id", opts.NodeID).Logger()

	registry := NewRegistry()
	return &Hub{
		store:       storage,
		presence:    presenceStore,
		registry:    registry,
		broadcaster: NewBroadcaster(opts.NodeID, opts.BusPrefix, b, registry, opts.BusTimeout, logger),
		opts:        opts,
		log:         l,
	}
}

// Start subscribes the hub to the global topic. Safe to call more than once.
func (h *Hub) Start(ctx context.Context) error {
	h.startOnce.Do(func() {
		h.startErr = h.broadcaster.Start(ctx)
	})
	return h.startErr
}

// Run starts the hub and blocks until ctx is done. On shutdown it closes every
// connection, waits for them to unregister and for pending message writes.
func (h *Hub) Run(ctx context.Context) error {
	if err := h.Start(ctx); err != nil {
		return err
	}
	h.log.Info().Msg("hub started")

	reap := time.NewTicker(h.opts.ReapInterval)
	defer reap.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-reap.C:
			h.reapPending(ctx)
		}
	}

	for _, c := range h.registry.Clients() {
		c.Close()
	}
	h.waitDrained()

	if n := h.reapPending(context.Background()); n > 0 {
		h.log.Warn().Int("pending", n).Msg("presence removals still failing at shutdown")
	}

	h.persistMu.Lock()
	h.stopped = true
	h.persistMu.Unlock()
	h.persist.Wait()

	h.broadcaster.Close()
	h.log.Info().Msg("hub stopped")
	return nil
}

func (h *Hub) queueLeave(p pendingLeave) {
	h.pendingMu.Lock()
	h.pending = append(h.pending, p)
	h.pendingMu.Unlock()
}

// reapPending retries queued presence removals once and returns how many
// are still failing.
func (h *Hub) reapPending(ctx context.Context) int {
	h.pendingMu.Lock()
	batch := h.pending
	h.pending = nil
	h.pendingMu.Unlock()

	var failed []pendingLeave
	for _, p := range batch {
		res, err := h.presenceLeave(ctx, p.roomID, p.userID, p.connID)
		if err != nil {
			failed = append(failed, p)
			continue
		}
		h.announceLeave(ctx, p.roomID, p.userID, p.username, p.connID, res)
	}
	if len(failed) == 0 {
		return 0
	}

	h.pendingMu.Lock()
	h.pending = append(h.pending, failed...)
	n := len(h.pending)
	h.pendingMu.Unlock()
	return n
}

func (h *Hub) waitDrained() {
	deadline := time.NewTimer(h.opts.DrainTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for h.registry.Len() > 0 {
		select {
		case <-deadline.C:
			h.log.Warn().Int("connections", h.registry.Len()).Msg("connections still registered at shutdown")
			return
		case <-ticker.C:
		}
	}
}

// RegisterClient adds a connection to the hub and binds its identity.
func (h *Hub) RegisterClient(c *Client) {
	h.registry.Register(c)
	if c.Authenticated() {
		// A fresh registration cannot be bound to anyone else.
		_ = h.registry.Bind(c.ID, c.UserID)
	}
	metrics.Connections.Inc()
	h.log.Debug().Str("conn_id", c.ID).Int64("user_id", c.UserID).Str("namespace", string(c.Namespace)).Msg("client registered")
}

// UnregisterClient runs disconnect handling and forgets the connection.
// Presence cleanup is complete on return unless the presence store kept
// failing, in which case Run retries it.
func (h *Hub) UnregisterClient(c *Client) {
	h.disconnect(c)
	h.registry.Unregister(c.ID)
	metrics.Connections.Dec()
	c.Close()
	h.log.Debug().Str("conn_id", c.ID).Msg("client unregistered")
}

// Lookup returns the registry binding of a connection.
func (h *Hub) Lookup(connID string) (Binding, error) {
	return h.registry.Lookup(connID)
}

// Handle executes a client command. Failures are reported to the
// originating connection only, on the command's reply channel.
func (h *Hub) Handle(ctx context.Context, c *Client, cmd *Command) error {
	err := h.dispatch(ctx, c, cmd)
	if err != nil {
		h.Reject(c, cmd.Kind.ReplyEvent(), err)
	}
	return err
}

// Reject reports err to c as an error event on the replyTo channel.
func (h *Hub) Reject(c *Client, replyTo EventKind, err error) {
	ce := ToCoreError(err)
	ev := h.log.Debug()
	if ce.Code == ErrCodeInternal {
		ev = h.log.Error()
	}
	ev.Err(err).Str("conn_id", c.ID).Str("code", ce.Code).Msg("command failed")

	if !c.deliver(errorEvent(replyTo, err)) {
		metrics.DroppedEvents.Inc()
	}
}

func (h *Hub) dispatch(ctx context.Context, c *Client, cmd *Command) error {
	switch cmd.Kind {
	case CommandCreateRoom:
		if c.Namespace != NamespaceRooms {
			return badRequest("createRoom is only available on the rooms namespace")
		}
		_, err := h.CreateRoom(ctx, c.actor(), cmd.Title)
		return err
	case CommandJoinRoom:
		if c.Namespace != NamespaceChat {
			return badRequest("join is only available on the chatroom namespace")
		}
		return h.Join(ctx, c, cmd.RoomID)
	case CommandLeaveRoom:
		return h.Leave(ctx, c)
	case CommandSendRoomMessage:
		return h.SendMessage(ctx, c, cmd.RoomID, cmd.Content, cmd.Username)
	default:
		return badRequest("unknown command")
	}
}

// CreateRoom creates a room with actor as its administrator and announces
// it to every rooms-namespace connection.
func (h *Hub) CreateRoom(ctx context.Context, actor Actor, title string) (*Room, error) {
	if actor.UserID == 0 {
		return nil, ErrUnauthenticated
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, badRequest("title is required")
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return nil, badRequest("title is too long")
	}

	sctx, cancel := context.WithTimeout(ctx, h.opts.StoreTimeout)
	defer cancel()

	_, err := h.store.FindRoomByTitle(sctx, title)
	switch {
	case err == nil:
		return nil, ErrDuplicateRoom
	case !errors.Is(err, store.ErrNotFound):
		return nil, storeErr("find room", err)
	}

	sr, err := h.store.CreateRoom(sctx, title, &store.User{ID: actor.UserID, Username: actor.Username})
	if errors.Is(err, store.ErrDuplicateTitle) {
		return nil, ErrDuplicateRoom
	}
	if err != nil {
		return nil, storeErr("create room", err)
	}

	room := roomFromStore(sr)
	admin := Member{UserID: actor.UserID, Username: actor.Username, Role: store.RoleAdministrator}
	if actor.ConnID != "" {
		admin.Connections = []string{actor.ConnID}
	}
	room.Members = []Member{admin}
	metrics.RoomsCreated.Inc()
	h.log.Info().Int64("room_id", room.ID).Str("title", room.Title).Int64("admin_id", room.AdminID).Msg("room created")

	announced := room
	ev := &Event{Kind: EventRoomsUpdated, RoomID: room.ID, Room: &announced}
	if err := h.broadcaster.BroadcastGlobal(ctx, ev); err != nil {
		// The room is already stored; keep this process's index current.
		h.log.Warn().Err(err).Int64("room_id", room.ID).Msg("room list update not published, delivering locally")
		h.broadcaster.DeliverGlobalLocal(ev)
	}
	return &room, nil
}

// Join attaches c to a room. The joiner receives the backlog and the present
// members ahead of any live room traffic; the room hears online_user when
// this is the user's first connection there.
func (h *Hub) Join(ctx context.Context, c *Client, roomID int64) error {
	if roomID <= 0 {
		return badRequest("room_id is required")
	}
	if !c.Authenticated() && !h.opts.AllowAnonymousObservers {
		return ErrUnauthenticated
	}

	binding, err := h.registry.Lookup(c.ID)
	if err != nil {
		return err
	}
	if binding.RoomID != 0 {
		return ErrAlreadyInRoom
	}

	sctx, cancel := context.WithTimeout(ctx, h.opts.StoreTimeout)
	defer cancel()

	sr, err := h.store.GetRoomByID(sctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrRoomNotFound
	}
	if err != nil {
		return storeErr("get room", err)
	}

	backlog, err := h.store.RecentMessages(sctx, roomID, h.opts.BacklogSize)
	if err != nil {
		return storeErr("recent messages", err)
	}

	if err := h.broadcaster.EnsureRoom(ctx, roomID); err != nil {
		return err
	}
	rollback := func() {
		h.broadcaster.ReleaseRoom(roomID)
	}

	var first bool
	if c.Authenticated() {
		role := roleFor(sr, c.UserID)
		if _, err := h.store.AddMember(sctx, roomID, c.UserID, role); err != nil {
			rollback()
			return storeErr("add member", err)
		}

		who := presence.Identity{UserID: c.UserID, Username: c.Name, Role: role}
		res, err := h.presence.Join(sctx, roomID, who, c.ID)
		if err != nil {
			rollback()
			return storeErr("presence join", err)
		}
		first = res.First

		undo := rollback
		rollback = func() {
			h.undoPresence(roomID, c)
			undo()
		}
	}

	present, err := h.presence.PresentMembers(sctx, roomID)
	if err != nil {
		rollback()
		return storeErr("present members", err)
	}

	if first {
		ev := &Event{Kind: EventUserOnline, RoomID: roomID, UserID: c.UserID, Username: c.Name}
		if err := h.broadcaster.BroadcastToRoom(ctx, roomID, ev, c.ID); err != nil {
			rollback()
			return err
		}
		metrics.PresenceTransitions.WithLabelValues(metrics.TransitionOnline).Inc()
	}

	// Queued before the attach so room events reach c only after these.
	messages := lo.Map(backlog, func(m *store.Message, _ int) Message { return messageFromStore(m) })
	h.send(c, &Event{Kind: EventBacklog, RoomID: roomID, Messages: messages})
	h.send(c, &Event{Kind: EventUsersList, RoomID: roomID, Members: membersFromPresence(present)})

	if err := h.registry.AttachRoom(c.ID, roomID); err != nil {
		// c unregistered while joining.
		h.retractJoin(c, roomID)
		return err
	}
	metrics.RoomAttachments.Inc()

	h.log.Debug().Str("conn_id", c.ID).Int64("user_id", c.UserID).Int64("room_id", roomID).Bool("first", first).Msg("joined room")
	return nil
}

func (h *Hub) undoPresence(roomID int64, c *Client) (presence.LeaveResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.StoreTimeout)
	defer cancel()
	res, err := h.presence.Leave(ctx, roomID, c.UserID, c.ID)
	if err != nil {
		h.log.Error().Err(err).Str("conn_id", c.ID).Int64("room_id", roomID).Msg("presence rollback failed")
		h.queueLeave(pendingLeave{roomID: roomID, userID: c.UserID, username: c.Name, connID: c.ID})
	}
	return res, err
}

// retractJoin reverts a join whose online_user may already be out.
func (h *Hub) retractJoin(c *Client, roomID int64) {
	defer h.broadcaster.ReleaseRoom(roomID)
	if !c.Authenticated() {
		return
	}
	res, err := h.undoPresence(roomID, c)
	if err != nil {
		return
	}
	h.announceLeave(context.Background(), roomID, c.UserID, c.Name, c.ID, res)
}

// Leave detaches c from its room without closing the connection. If the
// presence store fails, c stays attached and the leave can be retried.
func (h *Hub) Leave(ctx context.Context, c *Client) error {
	binding, err := h.registry.Lookup(c.ID)
	if err != nil || binding.RoomID == 0 {
		return ErrNotInRoom
	}

	res, err := h.presenceLeave(ctx, binding.RoomID, binding.UserID, c.ID)
	if err != nil {
		return err
	}
	h.detach(c.ID, binding.RoomID)
	h.announceLeave(ctx, binding.RoomID, binding.UserID, c.Name, c.ID, res)
	return nil
}

// disconnect removes c from its room on connection close. The presence
// removal is retried a few times and then handed to the reaper in Run, so
// the member always reaches Absent.
func (h *Hub) disconnect(c *Client) {
	binding, err := h.registry.Lookup(c.ID)
	if err != nil || binding.RoomID == 0 {
		return
	}

	var res presence.LeaveResult
	for attempt := 1; ; attempt++ {
		res, err = h.presenceLeave(context.Background(), binding.RoomID, binding.UserID, c.ID)
		if err == nil || attempt == leaveAttempts {
			break
		}
		time.Sleep(time.Duration(attempt) * leaveRetryBackoff)
	}
	h.detach(c.ID, binding.RoomID)

	if err != nil {
		h.log.Error().Err(err).Str("conn_id", c.ID).Int64("room_id", binding.RoomID).Msg("presence leave failed, queued for retry")
		h.queueLeave(pendingLeave{roomID: binding.RoomID, userID: binding.UserID, username: c.Name, connID: c.ID})
		return
	}
	h.announceLeave(context.Background(), binding.RoomID, binding.UserID, c.Name, c.ID, res)
}

func (h *Hub) presenceLeave(ctx context.Context, roomID, userID int64, connID string) (presence.LeaveResult, error) {
	if userID == 0 {
		return presence.LeaveResult{}, nil
	}
	sctx, cancel := context.WithTimeout(ctx, h.opts.StoreTimeout)
	defer cancel()

	res, err := h.presence.Leave(sctx, roomID, userID, connID)
	if err != nil {
		return res, storeErr("presence leave", err)
	}
	return res, nil
}

func (h *Hub) detach(connID string, roomID int64) {
	if _, ok := h.registry.Detach(connID); !ok {
		return
	}
	metrics.RoomAttachments.Dec()
	h.broadcaster.ReleaseRoom(roomID)
}

// announceLeave tells the room about a user whose last connection left.
func (h *Hub) announceLeave(ctx context.Context, roomID, userID int64, username, connID string, res presence.LeaveResult) {
	if !res.Last {
		return
	}
	metrics.PresenceTransitions.WithLabelValues(metrics.TransitionOffline).Inc()

	ev := &Event{Kind: EventUserRemoved, RoomID: roomID, UserID: userID, Username: username}
	if err := h.broadcaster.BroadcastToRoom(ctx, roomID, ev, connID); err != nil {
		// Presence already changed; other processes miss this one.
		h.log.Warn().Err(err).Int64("room_id", roomID).Int64("user_id", userID).Msg("removeUser not published, delivering locally")
		h.broadcaster.DeliverRoomLocal(roomID, ev, connID)
	}
	h.log.Debug().Str("conn_id", connID).Int64("user_id", userID).Int64("room_id", roomID).Msg("user left room")
}

// SendMessage delivers a chat message to the room, excluding the sender's
// connection, and stores it in the background.
func (h *Hub) SendMessage(ctx context.Context, c *Client, roomID int64, content, username string) error {
	if !c.Authenticated() {
		return ErrUnauthenticated
	}
	binding, err := h.registry.Lookup(c.ID)
	if err != nil {
		return err
	}
	if binding.RoomID == 0 || binding.RoomID != roomID {
		return ErrNotInRoom
	}
	if strings.TrimSpace(content) == "" {
		return badRequest("message content is required")
	}

	name := c.Name
	if name == "" {
		name = strings.TrimSpace(username)
	}
	msg := Message{
		RoomID:    roomID,
		UserID:    c.UserID,
		Username:  name,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	ev := &Event{Kind: EventMessage, RoomID: roomID, UserID: c.UserID, Username: name, Message: &msg}
	if err := h.broadcaster.BroadcastToRoom(ctx, roomID, ev, c.ID); err != nil {
		return err
	}
	h.persistAsync(msg)
	return nil
}

// persistAsync stores msg without blocking delivery. Failures are logged and
// counted, never retried.
func (h *Hub) persistAsync(msg Message) {
	h.persistMu.Lock()
	defer h.persistMu.Unlock()

	if h.stopped {
		h.persistMessage(msg)
		return
	}
	h.persist.Add(1)
	go func() {
		defer h.persist.Done()
		h.persistMessage(msg)
	}()
}

func (h *Hub) persistMessage(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.StoreTimeout)
	defer cancel()

	record := &store.Message{
		RoomID:      msg.RoomID,
		UserID:      msg.UserID,
		DisplayName: msg.Username,
		Content:     msg.Content,
		CreatedAt:   msg.CreatedAt,
	}
	if err := h.store.AppendMessage(ctx, record); err != nil {
		metrics.MessagePersistFailures.Inc()
		h.log.Warn().Err(err).Int64("room_id", msg.RoomID).Int64("user_id", msg.UserID).Msg("message not persisted")
	}
}

// WaitPersisted blocks until background message writes started so far finish.
func (h *Hub) WaitPersisted() {
	h.persist.Wait()
}

// ListRooms returns every room, newest first.
func (h *Hub) ListRooms(ctx context.Context) ([]Room, error) {
	sctx, cancel := context.WithTimeout(ctx, h.opts.StoreTimeout)
	defer cancel()

	rooms, err := h.store.ListRooms(sctx)
	if err != nil {
		return nil, storeErr("list rooms", err)
	}
	return lo.Map(rooms, func(r *store.Room, _ int) Room { return roomFromStore(r) }), nil
}

// PresentMembers returns the members of a room with at least one active
// connection, in join order.
func (h *Hub) PresentMembers(ctx context.Context, roomID int64) ([]Member, error) {
	sctx, cancel := context.WithTimeout(ctx, h.opts.StoreTimeout)
	defer cancel()

	if _, err := h.store.GetRoomByID(sctx, roomID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrRoomNotFound
		}
		return nil, storeErr("get room", err)
	}
	present, err := h.presence.PresentMembers(sctx, roomID)
	if err != nil {
		return nil, storeErr("present members", err)
	}
	return membersFromPresence(present), nil
}

// CountConnections sums active connections across the room's members.
func (h *Hub) CountConnections(ctx context.Context, roomID int64) (int, error) {
	sctx, cancel := context.WithTimeout(ctx, h.opts.StoreTimeout)
	defer cancel()

	n, err := h.presence.CountConnections(sctx, roomID)
	if err != nil {
		return 0, storeErr("count connections", err)
	}
	return n, nil
}

func (h *Hub) send(c *Client, ev *Event) {
	if !c.deliver(ev) {
		metrics.DroppedEvents.Inc()
		h.log.Debug().Str("conn_id", c.ID).Str("event", string(ev.Kind)).Msg("dropped event for slow connection")
	}
}

package core

import (
	"sync"

	"github.com/samber/lo"
)

// Binding is what the registry knows about a connection.
type Binding struct {
	Client *Client
	UserID int64
	// RoomID is zero when the connection is not attached to a room.
	RoomID int64
}

// Registry maps this process's connections to their user and room.
// It is owned by one Hub; nothing here is shared across processes.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Binding
	rooms  map[int64]map[string]*Client
	global map[string]*Client
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[string]*Binding),
		rooms:  make(map[int64]map[string]*Client),
		global: make(map[string]*Client),
	}
}

// Register records a new, unbound connection. Rooms-namespace connections
// receive global broadcasts.
func (r *Registry) Register(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[c.ID] = &Binding{Client: c}
	if c.Namespace == NamespaceRooms {
		r.global[c.ID] = c
	}
}

// Bind associates an authenticated user with the connection. Binding the
// same user again is a no-op.
func (r *Registry) Bind(connID string, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.conns[connID]
	if !ok {
		return ErrConnNotFound
	}
	if b.UserID == userID {
		return nil
	}
	if b.UserID != 0 {
		return ErrAlreadyBound
	}
	b.UserID = userID
	return nil
}

// AttachRoom records the connection's current room.
func (r *Registry) AttachRoom(connID string, roomID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.conns[connID]
	if !ok {
		return ErrConnNotFound
	}
	if b.RoomID != 0 {
		return ErrAlreadyInRoom
	}

	b.RoomID = roomID
	if r.rooms[roomID] == nil {
		r.rooms[roomID] = make(map[string]*Client)
	}
	r.rooms[roomID][connID] = b.Client
	return nil
}

// Detach clears the room attachment and returns the binding as it was.
// ok is false when the connection had no room.
func (r *Registry) Detach(connID string) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, exists := r.conns[connID]
	if !exists || b.RoomID == 0 {
		return Binding{}, false
	}

	prev := *b
	if set := r.rooms[b.RoomID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.rooms, b.RoomID)
		}
	}
	b.RoomID = 0
	return prev, true
}

// Lookup returns the connection's binding.
func (r *Registry) Lookup(connID string) (Binding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.conns[connID]
	if !ok {
		return Binding{}, ErrConnNotFound
	}
	return *b, nil
}

// Unregister forgets the connection. Callers detach first.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.conns[connID]; ok && b.RoomID != 0 {
		if set := r.rooms[b.RoomID]; set != nil {
			delete(set, connID)
			if len(set) == 0 {
				delete(r.rooms, b.RoomID)
			}
		}
	}
	delete(r.conns, connID)
	delete(r.global, connID)
}

// RoomClients returns the local connections attached to roomID.
func (r *Registry) RoomClients(roomID int64) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.rooms[roomID])
}

// GlobalClients returns the local rooms-namespace connections.
func (r *Registry) GlobalClients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.global)
}

// Clients returns every registered connection.
func (r *Registry) Clients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.MapToSlice(r.conns, func(_ string, b *Binding) *Client { return b.Client })
}

// Len reports the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

package core

import "sync"

// Namespace separates the rooms index from room-scoped chat connections.
type Namespace string

const (
	// NamespaceRooms receives global room-list updates.
	NamespaceRooms Namespace = "rooms"
	// NamespaceChat joins rooms and exchanges messages.
	NamespaceChat Namespace = "chatroom"
)

const defaultEventBuffer = 64

// Client is one transport connection as seen by the core layer.
// UserID is zero for unauthenticated connections.
type Client struct {
	ID        string
	Namespace Namespace
	UserID    int64
	Name      string
	Events    chan *Event

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a client with an initialized event buffer.
func NewClient(id string, ns Namespace, userID int64, name string, buffer int) *Client {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	return &Client{
		ID:        id,
		Namespace: ns,
		UserID:    userID,
		Name:      name,
		Events:    make(chan *Event, buffer),
		done:      make(chan struct{}),
	}
}

// Authenticated reports whether an identity is bound to the connection.
func (c *Client) Authenticated() bool {
	return c.UserID != 0
}

// Done is closed when the hub asks the transport to drop the connection.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close signals the transport to tear the connection down. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// deliver queues an event without blocking. Returns false if dropped.
func (c *Client) deliver(ev *Event) bool {
	select {
	case c.Events <- ev:
		return true
	default:
		// Drop if slow consumer.
		return false
	}
}

func (c *Client) actor() Actor {
	return Actor{UserID: c.UserID, Username: c.Name, ConnID: c.ID}
}

// Actor identifies who requested an operation.
type Actor struct {
	UserID   int64
	Username string
	// ConnID is empty for requests that did not come over a connection.
	ConnID string
}

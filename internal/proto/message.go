package proto

import "encoding/json"

// Inbound is the envelope for messages coming from the client.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	InboundTypeCreateRoom = "createRoom"
	InboundTypeJoin       = "join"
	InboundTypeNewMessage = "newMessage"
	InboundTypeLeave      = "leave"

	OutboundTypeEvent = "event"
	OutboundTypeError = "error"
)

// CreateRoomData asks for a new room (rooms namespace).
type CreateRoomData struct {
	Title string `json:"title"`
}

// JoinData requests to join a specific room.
type JoinData struct {
	RoomID int64 `json:"room_id"`
}

// ChatMessage is the body of a chat message as the client sends it.
type ChatMessage struct {
	Content  string `json:"content"`
	Username string `json:"username,omitempty"`
}

// NewMessageData is a chat message from the client.
type NewMessageData struct {
	RoomID  int64       `json:"room_id"`
	Message ChatMessage `json:"message"`
}

// Outbound is the envelope for messages sent to the client.
type Outbound struct {
	Type  string `json:"type"`
	Event string `json:"event,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// RoomSummary describes a room in the rooms index.
type RoomSummary struct {
	ID        int64        `json:"id"`
	Title     string       `json:"title"`
	AdminID   int64        `json:"admin_id"`
	CreatedAt int64        `json:"created_at"`
	Members   []RoomMember `json:"members,omitempty"`
}

// RoomMember is a present member of a room.
type RoomMember struct {
	UserID      int64    `json:"user_id"`
	Username    string   `json:"username"`
	Role        string   `json:"role"`
	Connections []string `json:"connections,omitempty"`
}

// EventMessage is a chat message delivered to a room.
type EventMessage struct {
	ID       int64  `json:"id,omitempty"`
	RoomID   int64  `json:"room_id"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Content  string `json:"content"`
	TS       int64  `json:"ts"`
}

// EventBacklog carries the most recent messages of a room, oldest first.
type EventBacklog struct {
	RoomID   int64          `json:"room_id"`
	Messages []EventMessage `json:"messages"`
}

// EventUsersList carries the present members of a room in join order.
type EventUsersList struct {
	RoomID int64        `json:"room_id"`
	Users  []RoomMember `json:"users"`
}

// EventUserOnline notifies a room that a user became present.
type EventUserOnline struct {
	RoomID   int64  `json:"room_id"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

// EventUserRemoved notifies a room that a user has no connections left in it.
type EventUserRemoved struct {
	RoomID   int64  `json:"room_id"`
	UserID   int64  `json:"user_id"`
	Username string `json:"username,omitempty"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

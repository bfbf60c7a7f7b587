package core

// EventKind is a notification the core emits to clients. Values are the
// event names used on the wire.
type EventKind string

const (
	// EventRoomsUpdated announces a new room to the rooms index.
	EventRoomsUpdated EventKind = "updateRoomsList"
	// EventBacklog delivers recent messages to a joining connection.
	EventBacklog EventKind = "listInitMessage"
	// EventUsersList delivers the present members to a joining connection.
	EventUsersList EventKind = "updateUsersList"
	// EventUserOnline notifies a room that a user became present.
	EventUserOnline EventKind = "online_user"
	// EventMessage delivers a chat message.
	EventMessage EventKind = "addMessage"
	// EventUserRemoved notifies a room that a user became absent.
	EventUserRemoved EventKind = "removeUser"
	// EventError reports a failed command to the originating connection only.
	EventError EventKind = "error"
)

// Event is sent to clients to describe what happened in the system.
// Events published on the bus are JSON encoded, so every field is tagged.
type Event struct {
	Kind     EventKind  `json:"kind"`
	RoomID   int64      `json:"room_id,omitempty"`
	UserID   int64      `json:"user_id,omitempty"`
	Username string     `json:"username,omitempty"`
	Room     *Room      `json:"room,omitempty"`
	Message  *Message   `json:"message,omitempty"`
	Messages []Message  `json:"messages,omitempty"`
	Members  []Member   `json:"members,omitempty"`
	Error    *CoreError `json:"error,omitempty"`
	// ReplyTo names the event channel an error belongs to.
	ReplyTo EventKind `json:"reply_to,omitempty"`
}

func errorEvent(replyTo EventKind, err error) *Event {
	return &Event{Kind: EventError, ReplyTo: replyTo, Error: ToCoreError(err)}
}

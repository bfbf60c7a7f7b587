package core

// CommandKind describes what the client wants to do.
type CommandKind int

const (
	// CommandCreateRoom creates a room (rooms namespace).
	CommandCreateRoom CommandKind = iota
	// CommandJoinRoom attaches the connection to a room.
	CommandJoinRoom
	// CommandLeaveRoom detaches the connection from its room.
	CommandLeaveRoom
	// CommandSendRoomMessage delivers a chat message to room participants.
	CommandSendRoomMessage
)

// Command represents an action requested by a client.
type Command struct {
	Kind    CommandKind
	Title   string
	RoomID  int64
	Content string
	// Username is the display name the client attached to a message.
	Username string
}

// ReplyEvent is the event channel an error for this command is reported on.
func (k CommandKind) ReplyEvent() EventKind {
	switch k {
	case CommandCreateRoom:
		return EventRoomsUpdated
	case CommandJoinRoom:
		return EventUsersList
	case CommandLeaveRoom:
		return EventUserRemoved
	default:
		return EventMessage
	}
}

package core

import (
	"time"

	"github.com/vovakirdan/wirechat-rooms/internal/store"
)

// Message is the domain model for a chat message.
type Message struct {
	ID        int64     `json:"id,omitempty"`
	RoomID    int64     `json:"room_id"`
	UserID    int64     `json:"user_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func messageFromStore(m *store.Message) Message {
	return Message{
		ID:        m.ID,
		RoomID:    m.RoomID,
		UserID:    m.UserID,
		Username:  m.DisplayName,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}

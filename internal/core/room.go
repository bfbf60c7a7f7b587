package core

import (
	"time"

	"github.com/samber/lo"

	"github.com/vovakirdan/wirechat-rooms/internal/presence"
	"github.com/vovakirdan/wirechat-rooms/internal/store"
)

// Room is a chat room with its members as the coordinator sees it.
type Room struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	AdminID   int64     `json:"admin_id"`
	CreatedAt time.Time `json:"created_at"`
	Members   []Member  `json:"members,omitempty"`
}

// Member is a user's relationship to a room with the connections
// currently representing it.
type Member struct {
	UserID      int64      `json:"user_id"`
	Username    string     `json:"username"`
	Role        store.Role `json:"role"`
	Connections []string   `json:"connections,omitempty"`
}

func roomFromStore(r *store.Room) Room {
	return Room{
		ID:        r.ID,
		Title:     r.Title,
		AdminID:   r.AdminID,
		CreatedAt: r.CreatedAt,
	}
}

func membersFromPresence(ms []presence.Member) []Member {
	return lo.Map(ms, func(m presence.Member, _ int) Member {
		return Member{
			UserID:      m.UserID,
			Username:    m.Username,
			Role:        m.Role,
			Connections: m.Connections,
		}
	})
}

func roleFor(room *store.Room, userID int64) store.Role {
	if room.AdminID == userID {
		return store.RoleAdministrator
	}
	return store.RoleParticipant
}

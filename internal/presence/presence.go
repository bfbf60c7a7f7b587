// Package presence keeps the per-room connection sets that decide whether a
// member is present. A member is present while its connection set is non-empty.
package presence

import (
	"context"

	"github.com/vovakirdan/wirechat-rooms/internal/store"
)

// Member is a user's presence entry in one room.
type Member struct {
	UserID      int64
	Username    string
	Role        store.Role
	Connections []string
}

// Present reports whether at least one connection represents the member.
func (m Member) Present() bool {
	return len(m.Connections) > 0
}

// Identity describes the user a connection joins as.
type Identity struct {
	UserID   int64
	Username string
	Role     store.Role
}

// JoinResult is the outcome of Store.Join.
type JoinResult struct {
	// First is true when the connection set was empty before this join.
	First bool
}

// LeaveResult is the outcome of Store.Leave.
type LeaveResult struct {
	// Found is false when the connection was not part of the member's set.
	Found bool
	// Last is true when the set became empty with this leave.
	Last bool
}

// Store mutates and reads per-room presence. Join and Leave on the same room
// are mutually exclusive; different rooms do not serialize.
type Store interface {
	Join(ctx context.Context, roomID int64, who Identity, connID string) (JoinResult, error)
	Leave(ctx context.Context, roomID, userID int64, connID string) (LeaveResult, error)
	// PresentMembers returns members with a non-empty connection set in join order.
	PresentMembers(ctx context.Context, roomID int64) ([]Member, error)
	// CountConnections sums active connections across all members of a room.
	CountConnections(ctx context.Context, roomID int64) (int, error)
	Close() error
}

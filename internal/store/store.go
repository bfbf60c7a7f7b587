package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateTitle is returned when a room title is already taken (case-insensitive).
	ErrDuplicateTitle = errors.New("duplicate room title")
	// ErrDuplicateUsername is returned when a username is already registered.
	ErrDuplicateUsername = errors.New("duplicate username")
)

// User represents a user in the system.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	IsGuest      bool
	SessionID    string // For guest user session tracking
	CreatedAt    time.Time
}

// Role is a member's standing in a room.
type Role string

const (
	RoleAdministrator Role = "administrator"
	RoleParticipant   Role = "participant"
)

// Room represents a chat room.
type Room struct {
	ID        int64
	Title     string
	AdminID   int64
	CreatedAt time.Time
}

// Member is the durable relationship between a user and a room.
type Member struct {
	RoomID   int64
	UserID   int64
	Username string
	Role     Role
	JoinedAt time.Time
}

// Message represents a persisted chat message. Immutable once stored.
type Message struct {
	ID          int64
	RoomID      int64
	UserID      int64
	DisplayName string
	Content     string
	CreatedAt   time.Time
}

// UserStore handles user persistence for the identity service.
type UserStore interface {
	// CreateUser creates a new user with hashed password.
	CreateUser(ctx context.Context, username, passwordHash string) (*User, error)

	// CreateGuestUser creates a temporary guest user with session ID.
	CreateGuestUser(ctx context.Context, sessionID string) (*User, error)

	// GetUserByID retrieves a user by ID.
	GetUserByID(ctx context.Context, id int64) (*User, error)

	// GetUserByUsername retrieves a registered (non-guest) user by username.
	GetUserByUsername(ctx context.Context, username string) (*User, error)
}

// RoomStore handles room and durable member persistence.
type RoomStore interface {
	// FindRoomByTitle looks a room up by case-insensitive exact title.
	FindRoomByTitle(ctx context.Context, title string) (*Room, error)

	// CreateRoom inserts a room and its administrator member in one transaction.
	// Returns ErrDuplicateTitle if the title is taken.
	CreateRoom(ctx context.Context, title string, admin *User) (*Room, error)

	// GetRoomByID retrieves a room by ID.
	GetRoomByID(ctx context.Context, id int64) (*Room, error)

	// ListRooms lists all rooms, newest first.
	ListRooms(ctx context.Context) ([]*Room, error)

	// AddMember records a member row if absent. Reports whether a row was created.
	AddMember(ctx context.Context, roomID, userID int64, role Role) (bool, error)

	// ListMembers lists durable members of a room in join order.
	ListMembers(ctx context.Context, roomID int64) ([]*Member, error)
}

// MessageStore handles message persistence.
type MessageStore interface {
	// AppendMessage persists a message and fills its ID and CreatedAt.
	AppendMessage(ctx context.Context, msg *Message) error

	// RecentMessages returns up to limit most recent messages of a room, oldest first.
	RecentMessages(ctx context.Context, roomID int64, limit int) ([]*Message, error)
}

// Store aggregates all storage interfaces.
type Store interface {
	UserStore
	RoomStore
	MessageStore

	// Close closes the underlying database connection.
	Close() error
}

// TitleKey is the comparison form of a room title: trimmed and Unicode
// case-folded, so "Café" and "CAFÉ" collide.
func TitleKey(title string) string {
	return cases.Fold().String(strings.TrimSpace(title))
}

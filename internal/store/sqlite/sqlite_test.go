package sqlite

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirechat-rooms/internal/store"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustUser(t *testing.T, s *SQLiteStore, name string) *store.User {
	t.Helper()

	u, err := s.CreateUser(context.Background(), name, "hash")
	require.NoError(t, err)
	return u
}

func TestCreateRoomAddsAdministrator(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustUser(t, s, "alice")

	room, err := s.CreateRoom(ctx, "dev", alice)
	require.NoError(t, err)
	require.Equal(t, "dev", room.Title)
	require.Equal(t, alice.ID, room.AdminID)

	members, err := s.ListMembers(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, alice.ID, members[0].UserID)
	require.Equal(t, "alice", members[0].Username)
	require.Equal(t, store.RoleAdministrator, members[0].Role)
}

func TestRoomTitleIsCaseInsensitiveUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustUser(t, s, "alice")

	_, err := s.CreateRoom(ctx, "general", alice)
	require.NoError(t, err)

	_, err = s.CreateRoom(ctx, "General", alice)
	require.ErrorIs(t, err, store.ErrDuplicateTitle)

	found, err := s.FindRoomByTitle(ctx, "GENERAL")
	require.NoError(t, err)
	require.Equal(t, "general", found.Title)

	_, err = s.FindRoomByTitle(ctx, "gen")
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.CreateRoom(ctx, "Café", alice)
	require.NoError(t, err)
	_, err = s.CreateRoom(ctx, "CAFÉ", alice)
	require.ErrorIs(t, err, store.ErrDuplicateTitle)

	found, err = s.FindRoomByTitle(ctx, "  cafÉ ")
	require.NoError(t, err)
	require.Equal(t, "Café", found.Title)

	_, err = s.CreateRoom(ctx, "STRASSE", alice)
	require.NoError(t, err)
	_, err = s.CreateRoom(ctx, "straße", alice)
	require.ErrorIs(t, err, store.ErrDuplicateTitle)
}

func TestTitleKey(t *testing.T) {
	require.Equal(t, store.TitleKey("Café"), store.TitleKey(" CAFÉ"))
	require.Equal(t, store.TitleKey("ΣΊΣΥΦΟΣ"), store.TitleKey("σίσυφος"))
	require.NotEqual(t, store.TitleKey("cafe"), store.TitleKey("café"))
}

func TestTitleLookupIsNotAPattern(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustUser(t, s, "alice")

	_, err := s.CreateRoom(ctx, "a.c", alice)
	require.NoError(t, err)

	_, err = s.FindRoomByTitle(ctx, "abc")
	require.True(t, errors.Is(err, store.ErrNotFound))
}

func TestAddMemberIsIdempotentAndOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustUser(t, s, "alice")
	bob := mustUser(t, s, "bob")
	carol := mustUser(t, s, "carol")

	room, err := s.CreateRoom(ctx, "dev", alice)
	require.NoError(t, err)

	created, err := s.AddMember(ctx, room.ID, carol.ID, store.RoleParticipant)
	require.NoError(t, err)
	require.True(t, created)

	created, err = s.AddMember(ctx, room.ID, bob.ID, store.RoleParticipant)
	require.NoError(t, err)
	require.True(t, created)

	created, err = s.AddMember(ctx, room.ID, carol.ID, store.RoleParticipant)
	require.NoError(t, err)
	require.False(t, created)

	// The administrator row must not be downgraded.
	created, err = s.AddMember(ctx, room.ID, alice.ID, store.RoleParticipant)
	require.NoError(t, err)
	require.False(t, created)

	members, err := s.ListMembers(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, members, 3)
	require.Equal(t, []int64{alice.ID, carol.ID, bob.ID}, []int64{members[0].UserID, members[1].UserID, members[2].UserID})
	require.Equal(t, store.RoleAdministrator, members[0].Role)
}

func TestRecentMessagesReturnsNewestInChronologicalOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	alice := mustUser(t, s, "alice")

	room, err := s.CreateRoom(ctx, "dev", alice)
	require.NoError(t, err)

	for i := range 5 {
		msg := &store.Message{RoomID: room.ID, UserID: alice.ID, DisplayName: "alice", Content: fmt.Sprintf("m%d", i)}
		require.NoError(t, s.AppendMessage(ctx, msg))
		require.NotZero(t, msg.ID)
		require.False(t, msg.CreatedAt.IsZero())
	}

	msgs, err := s.RecentMessages(ctx, room.ID, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, "m2", msgs[0].Content)
	require.Equal(t, "m4", msgs[2].Content)

	none, err := s.RecentMessages(ctx, room.ID, 0)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := mustUser(t, s, "alice")
	_, err := s.CreateUser(ctx, "alice", "other")
	require.ErrorIs(t, err, store.ErrDuplicateUsername)

	got, err := s.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, alice.ID, got.ID)

	guest, err := s.CreateGuestUser(ctx, "0123456789abcdef")
	require.NoError(t, err)
	require.True(t, guest.IsGuest)
	require.Equal(t, "guest_01234567", guest.Username)

	_, err = s.GetUserByUsername(ctx, guest.Username)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.GetUserByID(ctx, 999)
	require.ErrorIs(t, err, store.ErrNotFound)
}

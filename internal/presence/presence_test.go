package presence

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirechat-rooms/internal/store"
)

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"redis": func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			s, err := DialRedis(context.Background(), "redis://"+mr.Addr(), "test")
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

var (
	alice = Identity{UserID: 1, Username: "alice", Role: store.RoleAdministrator}
	bob   = Identity{UserID: 2, Username: "bob", Role: store.RoleParticipant}
)

func TestJoinLeaveTransitions(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			res, err := s.Join(ctx, 7, alice, "a1")
			require.NoError(t, err)
			require.True(t, res.First)

			res, err = s.Join(ctx, 7, alice, "a2")
			require.NoError(t, err)
			require.False(t, res.First, "second connection is not a transition")

			res, err = s.Join(ctx, 7, alice, "a2")
			require.NoError(t, err)
			require.False(t, res.First, "rejoining the same connection is a no-op")

			n, err := s.CountConnections(ctx, 7)
			require.NoError(t, err)
			require.Equal(t, 2, n)

			left, err := s.Leave(ctx, 7, alice.UserID, "a1")
			require.NoError(t, err)
			require.Equal(t, LeaveResult{Found: true, Last: false}, left)

			left, err = s.Leave(ctx, 7, alice.UserID, "a1")
			require.NoError(t, err)
			require.False(t, left.Found)

			left, err = s.Leave(ctx, 7, alice.UserID, "a2")
			require.NoError(t, err)
			require.Equal(t, LeaveResult{Found: true, Last: true}, left)

			left, err = s.Leave(ctx, 7, bob.UserID, "b1")
			require.NoError(t, err)
			require.False(t, left.Found, "unknown member")

			res, err = s.Join(ctx, 7, alice, "a3")
			require.NoError(t, err)
			require.True(t, res.First, "absent member becomes present again")
		})
	}
}

func TestPresentMembersKeepsJoinOrderAndSkipsAbsent(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			_, err := s.Join(ctx, 1, bob, "b1")
			require.NoError(t, err)
			_, err = s.Join(ctx, 1, alice, "a1")
			require.NoError(t, err)
			_, err = s.Join(ctx, 2, Identity{UserID: 3, Username: "carol"}, "c1")
			require.NoError(t, err)

			members, err := s.PresentMembers(ctx, 1)
			require.NoError(t, err)
			require.Len(t, members, 2)
			require.Equal(t, "bob", members[0].Username)
			require.Equal(t, "alice", members[1].Username)
			require.Equal(t, store.RoleAdministrator, members[1].Role)
			require.Equal(t, []string{"a1"}, members[1].Connections)

			_, err = s.Leave(ctx, 1, bob.UserID, "b1")
			require.NoError(t, err)

			members, err = s.PresentMembers(ctx, 1)
			require.NoError(t, err)
			require.Len(t, members, 1)
			require.Equal(t, alice.UserID, members[0].UserID)

			// Bob keeps his first slot when he comes back.
			_, err = s.Join(ctx, 1, bob, "b2")
			require.NoError(t, err)
			members, err = s.PresentMembers(ctx, 1)
			require.NoError(t, err)
			require.Equal(t, []int64{bob.UserID, alice.UserID}, []int64{members[0].UserID, members[1].UserID})

			empty, err := s.PresentMembers(ctx, 99)
			require.NoError(t, err)
			require.Empty(t, empty)
		})
	}
}

func TestConcurrentJoinsYieldExactlyOneTransition(t *testing.T) {
	const conns = 32

	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			var firsts, lasts atomic.Int32
			var wg sync.WaitGroup
			for i := range conns {
				wg.Add(2)
				go func() {
					defer wg.Done()
					res, err := s.Join(ctx, 5, alice, fmt.Sprintf("a%d", i))
					assert.NoError(t, err)
					if res.First {
						firsts.Add(1)
					}
				}()
				go func() {
					defer wg.Done()
					_, err := s.Join(ctx, 5, Identity{UserID: int64(100 + i)}, fmt.Sprintf("o%d", i))
					assert.NoError(t, err)
				}()
			}
			wg.Wait()
			require.Equal(t, int32(1), firsts.Load())

			for i := range conns {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := s.Leave(ctx, 5, alice.UserID, fmt.Sprintf("a%d", i))
					assert.NoError(t, err)
					assert.True(t, res.Found)
					if res.Last {
						lasts.Add(1)
					}
				}()
			}
			wg.Wait()
			require.Equal(t, int32(1), lasts.Load())

			n, err := s.CountConnections(ctx, 5)
			require.NoError(t, err)
			require.Equal(t, conns, n)
		})
	}
}

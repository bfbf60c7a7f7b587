package presence

import (
	"context"
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Memory is a process-local Store. Absent members are retained so that join
// order survives reconnects.
type Memory struct {
	mu    sync.Mutex
	rooms map[int64]*roomState
}

type roomState struct {
	mu      sync.Mutex
	order   []*memberState
	members map[int64]*memberState
}

type memberState struct {
	identity Identity
	conns    map[string]struct{}
}

// NewMemory creates an empty in-memory presence store.
func NewMemory() *Memory {
	return &Memory{rooms: make(map[int64]*roomState)}
}

func (m *Memory) room(roomID int64) *roomState {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		r = &roomState{members: make(map[int64]*memberState)}
		m.rooms[roomID] = r
	}
	return r
}

// Join adds connID to the member's connection set, creating the member on first join.
func (m *Memory) Join(_ context.Context, roomID int64, who Identity, connID string) (JoinResult, error) {
	r := m.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()

	ms, ok := r.members[who.UserID]
	if !ok {
		ms = &memberState{identity: who, conns: make(map[string]struct{})}
		r.members[who.UserID] = ms
		r.order = append(r.order, ms)
	}
	if who.Username != "" {
		ms.identity.Username = who.Username
	}
	if _, dup := ms.conns[connID]; dup {
		return JoinResult{First: false}, nil
	}

	first := len(ms.conns) == 0
	ms.conns[connID] = struct{}{}
	return JoinResult{First: first}, nil
}

// Leave removes connID from the member's connection set. The member entry is kept.
func (m *Memory) Leave(_ context.Context, roomID, userID int64, connID string) (LeaveResult, error) {
	r := m.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()

	ms, ok := r.members[userID]
	if !ok {
		return LeaveResult{}, nil
	}
	if _, ok := ms.conns[connID]; !ok {
		return LeaveResult{}, nil
	}

	delete(ms.conns, connID)
	return LeaveResult{Found: true, Last: len(ms.conns) == 0}, nil
}

// PresentMembers returns a snapshot of present members in join order.
func (m *Memory) PresentMembers(_ context.Context, roomID int64) ([]Member, error) {
	r := m.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()

	present := lo.Filter(r.order, func(ms *memberState, _ int) bool {
		return len(ms.conns) > 0
	})
	return lo.Map(present, func(ms *memberState, _ int) Member {
		return ms.snapshot()
	}), nil
}

// CountConnections sums connection sets of all members.
func (m *Memory) CountConnections(_ context.Context, roomID int64) (int, error) {
	r := m.room(roomID)
	r.mu.Lock()
	defer r.mu.Unlock()

	return lo.SumBy(r.order, func(ms *memberState) int { return len(ms.conns) }), nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

func (ms *memberState) snapshot() Member {
	conns := lo.Keys(ms.conns)
	sort.Strings(conns)
	return Member{
		UserID:      ms.identity.UserID,
		Username:    ms.identity.Username,
		Role:        ms.identity.Role,
		Connections: conns,
	}
}

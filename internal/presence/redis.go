package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/vovakirdan/wirechat-rooms/internal/store"
)

// joinScript adds a connection and registers the member in join order.
// Returns 1 when the set went from empty to one connection.
var joinScript = redis.NewScript(`
local added = redis.call('SADD', KEYS[3], ARGV[2])
local card = redis.call('SCARD', KEYS[3])
if redis.call('ZSCORE', KEYS[1], ARGV[1]) == false then
	local seq = redis.call('INCR', KEYS[4])
	redis.call('ZADD', KEYS[1], seq, ARGV[1])
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
if added == 1 and card == 1 then
	return 1
end
return 0
`)

// leaveScript removes a connection. Returns -1 when it was not in the set,
// 1 when the set became empty and 0 otherwise.
var leaveScript = redis.NewScript(`
if redis.call('SREM', KEYS[1], ARGV[1]) == 0 then
	return -1
end
if redis.call('SCARD', KEYS[1]) == 0 then
	return 1
end
return 0
`)

// Redis is a Store shared by every process pointing at the same Redis.
// Each room's keys share a hash tag so scripts stay single-slot.
type Redis struct {
	client *redis.Client
	prefix string
}

// DialRedis connects to redisURL and verifies the connection.
func DialRedis(ctx context.Context, redisURL, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedis(client, prefix), nil
}

// NewRedis wraps an existing client. The store owns the client afterwards.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "wirechat"
	}
	return &Redis{client: client, prefix: prefix}
}

type memberInfo struct {
	Username string     `json:"username"`
	Role     store.Role `json:"role"`
}

func (r *Redis) roomKey(roomID int64, suffix string) string {
	return fmt.Sprintf("%s:presence:{room:%d}:%s", r.prefix, roomID, suffix)
}

func (r *Redis) connsKey(roomID, userID int64) string {
	return r.roomKey(roomID, "conns:"+strconv.FormatInt(userID, 10))
}

// Join adds connID to the member's connection set.
func (r *Redis) Join(ctx context.Context, roomID int64, who Identity, connID string) (JoinResult, error) {
	info, err := json.Marshal(memberInfo{Username: who.Username, Role: who.Role})
	if err != nil {
		return JoinResult{}, fmt.Errorf("encode member info: %w", err)
	}

	keys := []string{
		r.roomKey(roomID, "order"),
		r.roomKey(roomID, "info"),
		r.connsKey(roomID, who.UserID),
		r.roomKey(roomID, "seq"),
	}
	first, err := joinScript.Run(ctx, r.client, keys, who.UserID, connID, string(info)).Int()
	if err != nil {
		return JoinResult{}, fmt.Errorf("presence join: %w", err)
	}
	return JoinResult{First: first == 1}, nil
}

// Leave removes connID from the member's connection set.
func (r *Redis) Leave(ctx context.Context, roomID, userID int64, connID string) (LeaveResult, error) {
	res, err := leaveScript.Run(ctx, r.client, []string{r.connsKey(roomID, userID)}, connID).Int()
	if err != nil {
		return LeaveResult{}, fmt.Errorf("presence leave: %w", err)
	}
	switch res {
	case -1:
		return LeaveResult{}, nil
	case 1:
		return LeaveResult{Found: true, Last: true}, nil
	default:
		return LeaveResult{Found: true}, nil
	}
}

// PresentMembers reads members in join order and keeps those with connections.
func (r *Redis) PresentMembers(ctx context.Context, roomID int64) ([]Member, error) {
	members, err := r.members(ctx, roomID)
	if err != nil {
		return nil, err
	}

	present := make([]Member, 0, len(members))
	for _, m := range members {
		if m.Present() {
			present = append(present, m)
		}
	}
	return present, nil
}

// CountConnections sums connection sets across the room.
func (r *Redis) CountConnections(ctx context.Context, roomID int64) (int, error) {
	members, err := r.members(ctx, roomID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, m := range members {
		total += len(m.Connections)
	}
	return total, nil
}

func (r *Redis) members(ctx context.Context, roomID int64) ([]Member, error) {
	ids, err := r.client.ZRange(ctx, r.roomKey(roomID, "order"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("presence order: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	infoCmd := pipe.HMGet(ctx, r.roomKey(roomID, "info"), ids...)
	connCmds := make([]*redis.StringSliceCmd, len(ids))
	for i, id := range ids {
		userID, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("presence member id %q: %w", id, err)
		}
		connCmds[i] = pipe.SMembers(ctx, r.connsKey(roomID, userID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("presence members: %w", err)
	}

	infos := infoCmd.Val()
	members := make([]Member, 0, len(ids))
	for i, id := range ids {
		userID, _ := strconv.ParseInt(id, 10, 64)
		m := Member{UserID: userID, Connections: connCmds[i].Val()}
		sort.Strings(m.Connections)
		if raw, ok := infos[i].(string); ok {
			var info memberInfo
			if err := json.Unmarshal([]byte(raw), &info); err == nil {
				m.Username = info.Username
				m.Role = info.Role
			}
		}
		members = append(members, m)
	}
	return members, nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

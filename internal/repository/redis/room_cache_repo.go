package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"callsession-backend/internal/database"
	"callsession-backend/internal/domain"
)

// Meta hash fields
const (
	fieldSessionID      = "session_id"
	fieldInitiatorID    = "initiator_id"
	fieldStatus         = "status"
	fieldMaxMembers     = "max_members"
	fieldCurrentMembers = "current_members"
	fieldTitle          = "title"
	fieldCreatedAt      = "created_at"
	fieldRole           = "role"
	fieldJoinedAt       = "joined_at"
)

// Deletes the user->room pointer only while it still names this room.
var deletePointerScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Removes one member and decrements the counter only if the member was present.
var removeMemberScript = goredis.NewScript(`
local removed = redis.call("SREM", KEYS[1], ARGV[1])
redis.call("DEL", KEYS[3])
if removed == 1 and redis.call("EXISTS", KEYS[2]) == 1 then
	redis.call("HINCRBY", KEYS[2], "current_members", -1)
end
if redis.call("GET", KEYS[4]) == ARGV[2] then
	redis.call("DEL", KEYS[4])
end
return removed
`)

// AdmissionSnapshot is what the capacity gate reads from the cache
type AdmissionSnapshot struct {
	Found      bool
	MaxMembers int64
	Members    int64
	IsMember   bool
}

// RoomCacheRepository keeps the advisory room membership mirror in Redis.
// Nothing here is authoritative; every entry expires after ttl.
type RoomCacheRepository struct {
	client *database.RedisClient
	ttl    time.Duration
}

// NewRoomCacheRepository creates a new RoomCacheRepository
func NewRoomCacheRepository(client *database.RedisClient, ttl time.Duration) *RoomCacheRepository {
	return &RoomCacheRepository{client: client, ttl: ttl}
}

func roomMetaKey(roomName string) string {
	return fmt.Sprintf("rtc:room:%s:meta", roomName)
}

func roomMembersKey(roomName string) string {
	return fmt.Sprintf("rtc:room:%s:members", roomName)
}

func roomMemberKey(roomName, userID string) string {
	return fmt.Sprintf("rtc:room:%s:member:%s", roomName, userID)
}

func userRoomKey(userID string) string {
	return fmt.Sprintf("rtc:session:%s", userID)
}

func metaFields(entry *domain.RoomCacheEntry) map[string]interface{} {
	return map[string]interface{}{
		fieldSessionID:      entry.SessionID.String(),
		fieldInitiatorID:    entry.InitiatorID,
		fieldStatus:         string(entry.Status),
		fieldMaxMembers:     entry.MaxMembers,
		fieldCurrentMembers: entry.CurrentMembers,
		fieldTitle:          entry.Title,
		fieldCreatedAt:      entry.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (r *RoomCacheRepository) queueMember(ctx context.Context, pipe goredis.Pipeliner, roomName, userID string, role domain.ParticipantRole, joinedAt time.Time) {
	membersKey := roomMembersKey(roomName)
	memberKey := roomMemberKey(roomName, userID)

	pipe.SAdd(ctx, membersKey, userID)
	pipe.Expire(ctx, membersKey, r.ttl)
	pipe.HSet(ctx, memberKey, fieldRole, string(role), fieldJoinedAt, joinedAt.UTC().Format(time.RFC3339))
	pipe.Expire(ctx, memberKey, r.ttl)
	pipe.Set(ctx, userRoomKey(userID), roomName, r.ttl)
}

// PopulateRoom writes room meta and the host's membership in one round trip
func (r *RoomCacheRepository) PopulateRoom(ctx context.Context, entry *domain.RoomCacheEntry, hostID string, role domain.ParticipantRole, joinedAt time.Time) error {
	metaKey := roomMetaKey(entry.RoomName)

	_, err := r.client.SafePipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, metaKey, metaFields(entry))
		pipe.Expire(ctx, metaKey, r.ttl)
		r.queueMember(ctx, pipe, entry.RoomName, hostID, role, joinedAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to populate room cache: %w", err)
	}

	return nil
}

// EnsureRoomMeta re-seeds room meta if it expired. Returns true if it wrote.
func (r *RoomCacheRepository) EnsureRoomMeta(ctx context.Context, entry *domain.RoomCacheEntry) (bool, error) {
	metaKey := roomMetaKey(entry.RoomName)

	exists, err := r.client.SafeExists(ctx, metaKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check room meta: %w", err)
	}
	if exists > 0 {
		return false, nil
	}

	_, err = r.client.SafePipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, metaKey, metaFields(entry))
		pipe.Expire(ctx, metaKey, r.ttl)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to seed room meta: %w", err)
	}

	return true, nil
}

// AddMember records a member. The counter is bumped only when increment is set,
// since HINCRBY is not idempotent across retries.
func (r *RoomCacheRepository) AddMember(ctx context.Context, roomName, userID string, role domain.ParticipantRole, joinedAt time.Time, increment bool) error {
	metaKey := roomMetaKey(roomName)

	_, err := r.client.SafePipelined(ctx, func(pipe goredis.Pipeliner) error {
		r.queueMember(ctx, pipe, roomName, userID, role, joinedAt)
		if increment {
			pipe.HIncrBy(ctx, metaKey, fieldCurrentMembers, 1)
			pipe.Expire(ctx, metaKey, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add room member: %w", err)
	}

	return nil
}

// RemoveMember drops a single member's entries and decrements the counter
func (r *RoomCacheRepository) RemoveMember(ctx context.Context, roomName, userID string) error {
	keys := []string{
		roomMembersKey(roomName),
		roomMetaKey(roomName),
		roomMemberKey(roomName, userID),
		userRoomKey(userID),
	}

	_, err := r.client.SafePipelined(ctx, func(pipe goredis.Pipeliner) error {
		removeMemberScript.Eval(ctx, pipe, keys, userID, roomName)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove room member: %w", err)
	}

	return nil
}

// PurgeRoom deletes every cache entry of a room
func (r *RoomCacheRepository) PurgeRoom(ctx context.Context, roomName string) error {
	members, err := r.client.SafeSMembers(ctx, roomMembersKey(roomName)).Result()
	if err != nil {
		return fmt.Errorf("failed to list room members: %w", err)
	}

	_, err = r.client.SafePipelined(ctx, func(pipe goredis.Pipeliner) error {
		keys := []string{roomMetaKey(roomName), roomMembersKey(roomName)}
		for _, userID := range members {
			keys = append(keys, roomMemberKey(roomName, userID))
			deletePointerScript.Eval(ctx, pipe, []string{userRoomKey(userID)}, roomName)
		}
		pipe.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to purge room cache: %w", err)
	}

	return nil
}

// Admission reads the cap, the member count and whether userID is already a member in one pipeline
func (r *RoomCacheRepository) Admission(ctx context.Context, roomName, userID string) (*AdmissionSnapshot, error) {
	var (
		maxCmd    *goredis.StringCmd
		countCmd  *goredis.IntCmd
		memberCmd *goredis.BoolCmd
	)

	_, err := r.client.SafePipelined(ctx, func(pipe goredis.Pipeliner) error {
		maxCmd = pipe.HGet(ctx, roomMetaKey(roomName), fieldMaxMembers)
		countCmd = pipe.SCard(ctx, roomMembersKey(roomName))
		memberCmd = pipe.SIsMember(ctx, roomMembersKey(roomName), userID)
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("failed to read room admission: %w", err)
	}

	maxMembers, err := maxCmd.Int64()
	if errors.Is(err, goredis.Nil) {
		return &AdmissionSnapshot{Found: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse max members: %w", err)
	}

	return &AdmissionSnapshot{
		Found:      true,
		MaxMembers: maxMembers,
		Members:    countCmd.Val(),
		IsMember:   memberCmd.Val(),
	}, nil
}

// GetRoom returns the cached room meta, or nil if it is not cached
func (r *RoomCacheRepository) GetRoom(ctx context.Context, roomName string) (*domain.RoomCacheEntry, error) {
	fields, err := r.client.SafeHGetAll(ctx, roomMetaKey(roomName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get room cache: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	entry := &domain.RoomCacheEntry{
		RoomName:    roomName,
		InitiatorID: fields[fieldInitiatorID],
		Title:       fields[fieldTitle],
		Status:      domain.SessionStatus(fields[fieldStatus]),
	}
	if id, err := uuid.Parse(fields[fieldSessionID]); err == nil {
		entry.SessionID = id
	}
	if v, err := strconv.Atoi(fields[fieldMaxMembers]); err == nil {
		entry.MaxMembers = v
	}
	if v, err := strconv.ParseInt(fields[fieldCurrentMembers], 10, 64); err == nil {
		entry.CurrentMembers = v
	}
	if ts, err := time.Parse(time.RFC3339, fields[fieldCreatedAt]); err == nil {
		entry.CreatedAt = ts
	}

	return entry, nil
}

// GetMembers lists cached member user IDs of a room
func (r *RoomCacheRepository) GetMembers(ctx context.Context, roomName string) ([]string, error) {
	members, err := r.client.SafeSMembers(ctx, roomMembersKey(roomName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get room members: %w", err)
	}
	return members, nil
}

// GetUserRoom returns the room the user last joined, or "" if none is cached
func (r *RoomCacheRepository) GetUserRoom(ctx context.Context, userID string) (string, error) {
	roomName, err := r.client.SafeGet(ctx, userRoomKey(userID)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get user room: %w", err)
	}
	return roomName, nil
}

// IsDegraded returns true if Redis is in degraded mode
func (r *RoomCacheRepository) IsDegraded() bool {
	return r.client.IsDegraded()
}

package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"callsession-backend/internal/database"
	"callsession-backend/internal/domain"
	"callsession-backend/pkg/constants"
	"callsession-backend/pkg/logger"
)

const (
	fieldState     = "state"
	fieldTimestamp = "timestamp"

	compareAndSetAttempts = 3
)

// CallStateRepository stores per-(room, user) call state and its bounded history.
// The cache is the only copy of this data.
type CallStateRepository struct {
	client       *database.RedisClient
	ttl          time.Duration
	historyLimit int64
}

// NewCallStateRepository creates a new CallStateRepository
func NewCallStateRepository(client *database.RedisClient, ttl time.Duration) *CallStateRepository {
	return &CallStateRepository{
		client:       client,
		ttl:          ttl,
		historyLimit: constants.CallStateHistoryLimit,
	}
}

func callStateKey(roomName, userID string) string {
	return fmt.Sprintf("rtc:state:%s:%s", roomName, userID)
}

func callStateHistoryKey(roomName, userID string) string {
	return fmt.Sprintf("rtc:state:history:%s:%s", roomName, userID)
}

func parseStateFields(roomName, userID string, fields map[string]string) *domain.CallStateRecord {
	if len(fields) == 0 {
		return nil
	}
	state, ok := domain.ParseCallState(fields[fieldState])
	if !ok {
		return nil
	}
	record := &domain.CallStateRecord{
		RoomName: roomName,
		UserID:   userID,
		State:    state,
	}
	if millis, err := strconv.ParseInt(fields[fieldTimestamp], 10, 64); err == nil {
		record.Timestamp = time.UnixMilli(millis)
	}
	return record
}

// GetState returns the stored state, or nil when none is stored
func (r *CallStateRepository) GetState(ctx context.Context, roomName, userID string) (*domain.CallStateRecord, error) {
	fields, err := r.client.SafeHGetAll(ctx, callStateKey(roomName, userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get call state: %w", err)
	}
	return parseStateFields(roomName, userID, fields), nil
}

// CompareAndSet moves (room, user) to target if allow accepts the current state.
// The read and the write run in one WATCH/MULTI. A concurrent change aborts the
// write and the check is repeated, up to compareAndSetAttempts times.
// It returns the state that was read and whether target was stored.
func (r *CallStateRepository) CompareAndSet(
	ctx context.Context,
	roomName, userID string,
	target domain.CallState,
	at time.Time,
	allow func(from domain.CallState) bool,
) (domain.CallState, bool, error) {
	stateKey := callStateKey(roomName, userID)
	historyKey := callStateHistoryKey(roomName, userID)

	var (
		from     domain.CallState
		accepted bool
	)
	for attempt := 1; attempt <= compareAndSetAttempts; attempt++ {
		from, accepted = domain.CallStateIdle, false

		err := r.client.SafeWatch(ctx, func(tx *goredis.Tx) error {
			fields, err := tx.HGetAll(ctx, stateKey).Result()
			if err != nil {
				return err
			}
			if record := parseStateFields(roomName, userID, fields); record != nil {
				from = record.State
			}
			if !allow(from) {
				return nil
			}

			entry := domain.StateHistoryEntry{Timestamp: at, From: from, To: target}
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.HSet(ctx, stateKey, fieldState, string(target), fieldTimestamp, at.UnixMilli())
				pipe.Expire(ctx, stateKey, r.ttl)
				pipe.LPush(ctx, historyKey, entry.Encode())
				pipe.LTrim(ctx, historyKey, 0, r.historyLimit-1)
				pipe.Expire(ctx, historyKey, r.ttl)
				return nil
			})
			if err != nil {
				return err
			}
			accepted = true
			return nil
		}, stateKey)

		if errors.Is(err, goredis.TxFailedErr) {
			// re-read and re-judge against the state the other writer left
			continue
		}
		if err != nil {
			return from, false, fmt.Errorf("failed to set call state: %w", err)
		}
		return from, accepted, nil
	}

	logger.Warn("Call state kept changing concurrently, transition dropped",
		zap.String("room_name", roomName),
		zap.String("user_id", userID),
		zap.String("to", string(target)),
		zap.Int("attempts", compareAndSetAttempts))
	return from, false, nil
}

// GetHistory returns up to the history limit of transitions, most recent first
func (r *CallStateRepository) GetHistory(ctx context.Context, roomName, userID string) ([]domain.StateHistoryEntry, error) {
	raw, err := r.client.SafeLRange(ctx, callStateHistoryKey(roomName, userID), 0, r.historyLimit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get call state history: %w", err)
	}

	entries := make([]domain.StateHistoryEntry, 0, len(raw))
	for _, item := range raw {
		entry, err := domain.DecodeStateHistoryEntry(item)
		if err != nil {
			logger.Warn("Skipping malformed call state history entry",
				zap.String("room_name", roomName),
				zap.String("user_id", userID),
				zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// Clear removes the state and history of one (room, user) pair
func (r *CallStateRepository) Clear(ctx context.Context, roomName, userID string) error {
	if err := r.client.SafeDel(ctx, callStateKey(roomName, userID), callStateHistoryKey(roomName, userID)).Err(); err != nil {
		return fmt.Errorf("failed to clear call state: %w", err)
	}
	return nil
}

// ClearRoom removes state and history of every user in a room and returns how many keys were deleted
func (r *CallStateRepository) ClearRoom(ctx context.Context, roomName string) (int64, error) {
	stateKeys, err := r.client.ScanKeys(ctx, fmt.Sprintf("rtc:state:%s:*", roomName), 100)
	if err != nil {
		return 0, fmt.Errorf("failed to scan call states: %w", err)
	}
	historyKeys, err := r.client.ScanKeys(ctx, fmt.Sprintf("rtc:state:history:%s:*", roomName), 100)
	if err != nil {
		return 0, fmt.Errorf("failed to scan call state history: %w", err)
	}

	keys := append(stateKeys, historyKeys...)
	if len(keys) == 0 {
		return 0, nil
	}

	deleted, err := r.client.SafeDel(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to clear room call states: %w", err)
	}

	return deleted, nil
}

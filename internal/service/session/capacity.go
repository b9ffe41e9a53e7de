package session

import (
	"context"

	"go.uber.org/zap"

	redisrepo "callsession-backend/internal/repository/redis"
	apperrors "callsession-backend/pkg/errors"
	"callsession-backend/pkg/logger"
)

// AdmissionReader reads cached room occupancy
type AdmissionReader interface {
	Admission(ctx context.Context, roomName, userID string) (*redisrepo.AdmissionSnapshot, error)
}

// CapacityGate is an approximate admission check on cached membership.
// Concurrent joins may all pass the check before any of them is counted, so a
// room can overshoot its cap by the number of joins in flight.
type CapacityGate struct {
	cache AdmissionReader
}

// NewCapacityGate creates a new CapacityGate
func NewCapacityGate(cache AdmissionReader) *CapacityGate {
	return &CapacityGate{cache: cache}
}

// TryAdmit returns nil when userID may join roomName, or a ROOM_FULL conflict.
// Missing cache data or a cache error admits.
func (g *CapacityGate) TryAdmit(ctx context.Context, roomName, userID string) error {
	snap, err := g.cache.Admission(ctx, roomName, userID)
	if err != nil {
		logger.FromContext(ctx).Warn("Capacity check skipped, cache unavailable",
			zap.String("room_name", roomName),
			zap.String("user_id", userID),
			zap.String("operation", "admission"),
			zap.Error(err))
		return nil
	}

	if !snap.Found || snap.IsMember {
		return nil
	}
	if snap.MaxMembers > 0 && snap.Members >= snap.MaxMembers {
		return apperrors.RoomFullError(roomName)
	}
	return nil
}

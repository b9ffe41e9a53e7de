package session

import (
	"callsession-backend/internal/domain"
	"callsession-backend/pkg/config"
	"callsession-backend/pkg/constants"
)

// CapacityPolicy maps a session type to a room capacity
type CapacityPolicy struct {
	GroupMax    int
	LiveMax     int
	LiveDefault int
	Default     int
}

// DefaultCapacityPolicy returns the built-in capacity limits
func DefaultCapacityPolicy() CapacityPolicy {
	return CapacityPolicy{
		GroupMax:    constants.DefaultGroupMax,
		LiveMax:     constants.DefaultLiveMax,
		LiveDefault: constants.DefaultLiveCapacity,
		Default:     constants.DefaultRoomCapacity,
	}
}

// CapacityPolicyFromConfig builds the policy from session configuration
func CapacityPolicyFromConfig(cfg config.SessionConfig) CapacityPolicy {
	return CapacityPolicy{
		GroupMax:    cfg.GroupMax,
		LiveMax:     cfg.LiveMax,
		LiveDefault: cfg.LiveDefault,
		Default:     cfg.DefaultCapacity,
	}
}

// Resolve returns the stored session type and capacity for a requested type.
// A nil or non-positive requested size means "use the default". Unknown types
// are stored as group rooms with the default capacity.
func (p CapacityPolicy) Resolve(rawType string, requested *int) (domain.SessionType, int) {
	sessionType, known := domain.ParseSessionType(rawType)
	if !known {
		return sessionType, p.Default
	}

	switch sessionType {
	case domain.SessionTypeOneToOne:
		return sessionType, constants.OneToOneCapacity
	case domain.SessionTypeLive:
		return sessionType, capped(requested, p.LiveMax, p.LiveDefault)
	default:
		return sessionType, capped(requested, p.GroupMax, p.GroupMax)
	}
}

func capped(requested *int, limit, fallback int) int {
	if requested == nil || *requested <= 0 {
		return fallback
	}
	return min(*requested, limit)
}

package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound is returned by stores when no session matches
var ErrSessionNotFound = errors.New("session not found")

// SessionType describes the kind of room a session runs in
type SessionType string

const (
	SessionTypeOneToOne SessionType = "one_to_one"
	SessionTypeGroup    SessionType = "group"
	SessionTypeLive     SessionType = "live"
)

// ParseSessionType maps a client-supplied type onto a SessionType.
// "video" and "audio" are one-to-one calls. ok is false for unknown input.
func ParseSessionType(raw string) (SessionType, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "one_to_one", "video", "audio":
		return SessionTypeOneToOne, true
	case "group":
		return SessionTypeGroup, true
	case "live":
		return SessionTypeLive, true
	default:
		return SessionTypeGroup, false
	}
}

// SessionStatus is the durable lifecycle status of a session
type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusEnded  SessionStatus = "ended"
	SessionStatusError  SessionStatus = "error"
)

// ParticipantRole determines the media grants a participant receives
type ParticipantRole string

const (
	RoleHost       ParticipantRole = "host"
	RolePublisher  ParticipantRole = "publisher"
	RoleSubscriber ParticipantRole = "subscriber"
)

// CanPublish reports whether the role may send media
func (r ParticipantRole) CanPublish() bool {
	return r != RoleSubscriber
}

// Session represents one call/room instance
type Session struct {
	ID               uuid.UUID     `json:"id"`
	RoomName         string        `json:"room_name"`
	Title            string        `json:"title"`
	InitiatorID      string        `json:"initiator_id"`
	SessionType      SessionType   `json:"session_type"`
	MaxParticipants  int           `json:"max_participants"`
	StartTime        time.Time     `json:"start_time"`
	EndTime          *time.Time    `json:"end_time,omitempty"`
	Status           SessionStatus `json:"status"`
	RecordingEnabled bool          `json:"recording_enabled"`
	RecordingURL     string        `json:"recording_url,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// IsActive reports whether the session still accepts joins
func (s *Session) IsActive() bool {
	return s.Status == SessionStatusActive
}

// Participant represents one user's membership in a session
type Participant struct {
	ID        uuid.UUID       `json:"id"`
	SessionID uuid.UUID       `json:"session_id"`
	RoomName  string          `json:"room_name,omitempty"`
	UserID    string          `json:"user_id"`
	JoinTime  time.Time       `json:"join_time"`
	LeaveTime *time.Time      `json:"leave_time,omitempty"`
	Role      ParticipantRole `json:"role"`
	Duration  int             `json:"duration"` // seconds, set at leave
}

// LeaveResult is the outcome of closing one membership
type LeaveResult struct {
	Closed bool
	Ended  bool
	Online int
}

// IsOnline reports whether the participant has not left yet
func (p *Participant) IsOnline() bool {
	return p.LeaveTime == nil
}

// RoomCacheEntry is the advisory cached mirror of a room
type RoomCacheEntry struct {
	RoomName       string        `json:"room_name"`
	SessionID      uuid.UUID     `json:"session_id"`
	InitiatorID    string        `json:"initiator_id"`
	Title          string        `json:"title"`
	MaxMembers     int           `json:"max_members"`
	CurrentMembers int64         `json:"current_members"`
	Status         SessionStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
}

// RoomCacheEntryFromSession builds the cache mirror of s
func RoomCacheEntryFromSession(s *Session) *RoomCacheEntry {
	return &RoomCacheEntry{
		RoomName:    s.RoomName,
		SessionID:   s.ID,
		InitiatorID: s.InitiatorID,
		Title:       s.Title,
		MaxMembers:  s.MaxParticipants,
		Status:      s.Status,
		CreatedAt:   s.CreatedAt,
	}
}

// RoomEventType identifies a room event published to peers
type RoomEventType string

const (
	RoomEventPeerJoined RoomEventType = "peer_joined"
	RoomEventPeerLeft   RoomEventType = "peer_left"
	RoomEventInvited    RoomEventType = "invited"
	RoomEventRoomEnded  RoomEventType = "room_ended"
)

// RoomEvent is a notification about membership changes in a room
type RoomEvent struct {
	Type     RoomEventType `json:"type"`
	RoomName string        `json:"room_name"`
	UserID   string        `json:"user_id,omitempty"`
	At       time.Time     `json:"at"`
}

// Package media talks to the external media server that carries call audio and video.
package media

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role is the grant level a participant token is issued with
type Role string

const (
	RoleHost       Role = "host"
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
)

// ErrInvalidRequest is returned for requests the provider would reject outright
var ErrInvalidRequest = errors.New("invalid media request")

// Provider creates rooms on the media server and issues join credentials for them
type Provider interface {
	// CreateRoom creates the external room. It is attempted once and must not be retried.
	CreateRoom(ctx context.Context, name string, cfg RoomConfig) (*RoomInfo, error)
	// GenerateToken issues join credentials for userID in room.
	GenerateToken(ctx context.Context, userID, room string, role Role) (string, error)
	// DeleteRoom removes the external room. Failures are logged, never returned.
	DeleteRoom(ctx context.Context, name string)
	// GetRoomInfo returns nil, nil when the room does not exist.
	GetRoomInfo(ctx context.Context, name string) (*RoomInfo, error)
	// URL is the address clients connect to.
	URL() string
}

// RoomConfig holds room creation parameters
type RoomConfig struct {
	EmptyTimeout     time.Duration
	MaxParticipants  int
	RoomType         string
	RecordingEnabled bool
}

// Metadata renders the config as the room metadata string
func (c RoomConfig) Metadata() string {
	var parts []string
	if c.RoomType != "" {
		parts = append(parts, "roomType:"+c.RoomType)
	}
	parts = append(parts, fmt.Sprintf("recording:%t", c.RecordingEnabled))
	return strings.Join(parts, ",")
}

// RoomInfo describes a room as the media server sees it
type RoomInfo struct {
	SID             string        `json:"sid"`
	Name            string        `json:"name"`
	MaxParticipants int           `json:"max_participants"`
	NumParticipants int           `json:"num_participants"`
	EmptyTimeout    time.Duration `json:"empty_timeout"`
	Metadata        string        `json:"metadata,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

func validateRoomName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: room name is required", ErrInvalidRequest)
	}
	return nil
}

package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"callsession-backend/internal/database"
	"callsession-backend/internal/domain"
)

// RoomEventPublisher publishes room events on Redis pub/sub
type RoomEventPublisher struct {
	client *database.RedisClient
}

// NewRoomEventPublisher creates a new RoomEventPublisher
func NewRoomEventPublisher(client *database.RedisClient) *RoomEventPublisher {
	return &RoomEventPublisher{client: client}
}

// RoomChannel is the channel that carries events of one room
func RoomChannel(roomName string) string {
	return fmt.Sprintf("rtc:events:%s", roomName)
}

// UserChannel is the channel that carries invitations for one user
func UserChannel(userID string) string {
	return fmt.Sprintf("rtc:events:user:%s", userID)
}

// Publish sends the event to the room channel. Invitations also go to the invitee's channel.
func (p *RoomEventPublisher) Publish(ctx context.Context, event domain.RoomEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal room event: %w", err)
	}

	if err := p.client.SafePublish(ctx, RoomChannel(event.RoomName), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish room event: %w", err)
	}

	if event.Type == domain.RoomEventInvited && event.UserID != "" {
		if err := p.client.SafePublish(ctx, UserChannel(event.UserID), payload).Err(); err != nil {
			return fmt.Errorf("failed to publish invitation: %w", err)
		}
	}

	return nil
}

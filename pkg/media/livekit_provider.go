package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/twitchtv/twirp"
	"go.uber.org/zap"

	"callsession-backend/pkg/logger"
	"callsession-backend/pkg/resilience"
)

// roomService is the subset of the LiveKit room service used here
type roomService interface {
	CreateRoom(ctx context.Context, req *livekit.CreateRoomRequest) (*livekit.Room, error)
	DeleteRoom(ctx context.Context, req *livekit.DeleteRoomRequest) (*livekit.DeleteRoomResponse, error)
	ListRooms(ctx context.Context, req *livekit.ListRoomsRequest) (*livekit.ListRoomsResponse, error)
}

// LiveKitConfig holds LiveKit connection settings
type LiveKitConfig struct {
	URL       string
	APIKey    string
	APISecret string
	TokenTTL  time.Duration
}

// LiveKitProvider implements Provider on a LiveKit server
type LiveKitProvider struct {
	cfg      LiveKitConfig
	rooms    roomService
	executor *resilience.Executor
}

// NewLiveKitProvider creates a provider backed by the LiveKit room service API
func NewLiveKitProvider(cfg LiveKitConfig, executor *resilience.Executor) (*LiveKitProvider, error) {
	if cfg.URL == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("livekit url, api key and api secret are required")
	}
	client := lksdk.NewRoomServiceClient(cfg.URL, cfg.APIKey, cfg.APISecret)
	return newLiveKitProvider(cfg, client, executor), nil
}

func newLiveKitProvider(cfg LiveKitConfig, rooms roomService, executor *resilience.Executor) *LiveKitProvider {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 2 * time.Hour
	}
	return &LiveKitProvider{
		cfg:      cfg,
		rooms:    rooms,
		executor: executor,
	}
}

// URL returns the LiveKit server address clients connect to
func (p *LiveKitProvider) URL() string {
	return p.cfg.URL
}

// CreateRoom creates a LiveKit room in a single bounded attempt
func (p *LiveKitProvider) CreateRoom(ctx context.Context, name string, cfg RoomConfig) (*RoomInfo, error) {
	if err := validateRoomName(name); err != nil {
		return nil, err
	}

	req := &livekit.CreateRoomRequest{
		Name:            name,
		EmptyTimeout:    uint32(cfg.EmptyTimeout / time.Second),
		MaxParticipants: uint32(cfg.MaxParticipants),
		Metadata:        cfg.Metadata(),
	}

	var room *livekit.Room
	err := p.executor.Once(ctx, "create_room", func(ctx context.Context) error {
		var err error
		room, err = p.rooms.CreateRoom(ctx, req)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create livekit room %s: %w", name, err)
	}

	logger.Info("LiveKit room created",
		zap.String("room_name", name),
		zap.String("sid", room.GetSid()),
		zap.Int("max_participants", cfg.MaxParticipants))

	return toRoomInfo(room), nil
}

// GenerateToken signs a join token for userID. Subscribers cannot publish.
func (p *LiveKitProvider) GenerateToken(ctx context.Context, userID, room string, role Role) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if err := validateRoomName(room); err != nil {
		return "", err
	}

	canPublish := role != RoleSubscriber
	canSubscribe := true
	canPublishData := true
	grant := &auth.VideoGrant{
		RoomJoin:       true,
		Room:           room,
		RoomAdmin:      role == RoleHost,
		CanPublish:     &canPublish,
		CanSubscribe:   &canSubscribe,
		CanPublishData: &canPublishData,
	}

	// signed locally, the LiveKit server is not contacted
	at := auth.NewAccessToken(p.cfg.APIKey, p.cfg.APISecret)
	at.AddGrant(grant).
		SetIdentity(userID).
		SetMetadata(string(role)).
		SetValidFor(p.cfg.TokenTTL)

	token, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("failed to generate livekit token: %w", err)
	}

	return token, nil
}

// DeleteRoom removes the room once. The empty timeout reaps it if this fails.
// A room the server no longer knows counts as deleted.
func (p *LiveKitProvider) DeleteRoom(ctx context.Context, name string) {
	err := p.executor.BestEffort(ctx, "delete_room", func(ctx context.Context) error {
		_, err := p.rooms.DeleteRoom(ctx, &livekit.DeleteRoomRequest{Room: name})
		if isNotFound(err) {
			return nil
		}
		return err
	})
	if err != nil {
		logger.Warn("Failed to delete LiveKit room",
			zap.String("room_name", name),
			zap.Error(err))
		return
	}
	logger.Info("LiveKit room deleted", zap.String("room_name", name))
}

// GetRoomInfo looks the room up by name
func (p *LiveKitProvider) GetRoomInfo(ctx context.Context, name string) (*RoomInfo, error) {
	if err := validateRoomName(name); err != nil {
		return nil, err
	}

	var resp *livekit.ListRoomsResponse
	err := p.executor.Do(ctx, "get_room_info", func(ctx context.Context) error {
		var err error
		resp, err = p.rooms.ListRooms(ctx, &livekit.ListRoomsRequest{Names: []string{name}})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get livekit room %s: %w", name, err)
	}

	for _, room := range resp.GetRooms() {
		if room.GetName() == name {
			return toRoomInfo(room), nil
		}
	}
	return nil, nil
}

func isNotFound(err error) bool {
	var twerr twirp.Error
	return errors.As(err, &twerr) && twerr.Code() == twirp.NotFound
}

func toRoomInfo(room *livekit.Room) *RoomInfo {
	return &RoomInfo{
		SID:             room.GetSid(),
		Name:            room.GetName(),
		MaxParticipants: int(room.GetMaxParticipants()),
		NumParticipants: int(room.GetNumParticipants()),
		EmptyTimeout:    time.Duration(room.GetEmptyTimeout()) * time.Second,
		Metadata:        room.GetMetadata(),
		CreatedAt:       time.Unix(room.GetCreationTime(), 0),
	}
}

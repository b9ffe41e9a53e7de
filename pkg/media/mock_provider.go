package media

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callsession-backend/pkg/logger"
)

// MockProvider is an in-memory provider for local development
type MockProvider struct {
	url   string
	mu    sync.Mutex
	rooms map[string]*RoomInfo
}

// NewMockProvider creates a provider that keeps rooms in memory
func NewMockProvider(url string) *MockProvider {
	logger.Warn("Using mock media provider - calls will not carry media")
	return &MockProvider{
		url:   url,
		rooms: make(map[string]*RoomInfo),
	}
}

func (p *MockProvider) URL() string {
	return p.url
}

func (p *MockProvider) CreateRoom(ctx context.Context, name string, cfg RoomConfig) (*RoomInfo, error) {
	if err := validateRoomName(name); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.rooms[name]; exists {
		return nil, fmt.Errorf("room %s already exists", name)
	}
	info := &RoomInfo{
		SID:             "RM_" + uuid.NewString()[:12],
		Name:            name,
		MaxParticipants: cfg.MaxParticipants,
		EmptyTimeout:    cfg.EmptyTimeout,
		Metadata:        cfg.Metadata(),
		CreatedAt:       time.Now(),
	}
	p.rooms[name] = info

	logger.Debug("Mock room created", zap.String("room_name", name))
	copied := *info
	return &copied, nil
}

func (p *MockProvider) GenerateToken(ctx context.Context, userID, room string, role Role) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	return fmt.Sprintf("mock-token.%s.%s.%s", room, userID, role), nil
}

func (p *MockProvider) DeleteRoom(ctx context.Context, name string) {
	p.mu.Lock()
	delete(p.rooms, name)
	p.mu.Unlock()
}

func (p *MockProvider) GetRoomInfo(ctx context.Context, name string) (*RoomInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	info, ok := p.rooms[name]
	if !ok {
		return nil, nil
	}
	copied := *info
	return &copied, nil
}

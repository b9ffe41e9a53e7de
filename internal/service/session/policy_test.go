package session

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"callsession-backend/internal/domain"
	redisrepo "callsession-backend/internal/repository/redis"
	apperrors "callsession-backend/pkg/errors"
)

func TestCapacityPolicy_Resolve(t *testing.T) {
	policy := CapacityPolicy{GroupMax: 100, LiveMax: 10000, LiveDefault: 1000, Default: 10}

	tests := []struct {
		name      string
		raw       string
		requested *int
		wantType  domain.SessionType
		wantCap   int
	}{
		{"video is one to one", "video", nil, domain.SessionTypeOneToOne, 2},
		{"audio ignores requested size", "audio", intPtr(50), domain.SessionTypeOneToOne, 2},
		{"group default", "group", nil, domain.SessionTypeGroup, 100},
		{"group requested", "group", intPtr(25), domain.SessionTypeGroup, 25},
		{"group capped", "group", intPtr(500), domain.SessionTypeGroup, 100},
		{"group non-positive uses default", "group", intPtr(0), domain.SessionTypeGroup, 100},
		{"live default", "live", nil, domain.SessionTypeLive, 1000},
		{"live capped", "live", intPtr(50000), domain.SessionTypeLive, 10000},
		{"unspecified", "", nil, domain.SessionTypeGroup, 10},
		{"unknown ignores requested size", "webinar", intPtr(70), domain.SessionTypeGroup, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotType, gotCap := policy.Resolve(tt.raw, tt.requested)
			assert.Equal(t, tt.wantType, gotType)
			assert.Equal(t, tt.wantCap, gotCap)
		})
	}
}

// MockAdmissionReader is a mock implementation of AdmissionReader
type MockAdmissionReader struct {
	mock.Mock
}

func (m *MockAdmissionReader) Admission(ctx context.Context, roomName, userID string) (*redisrepo.AdmissionSnapshot, error) {
	args := m.Called(ctx, roomName, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*redisrepo.AdmissionSnapshot), args.Error(1)
}

func TestCapacityGate_TryAdmit(t *testing.T) {
	tests := []struct {
		name     string
		snapshot *redisrepo.AdmissionSnapshot
		err      error
		wantFull bool
	}{
		{"cache error admits", nil, errors.New("redis down"), false},
		{"missing meta admits", &redisrepo.AdmissionSnapshot{Found: false}, nil, false},
		{"free seat admits", &redisrepo.AdmissionSnapshot{Found: true, MaxMembers: 3, Members: 2}, nil, false},
		{"full rejects", &redisrepo.AdmissionSnapshot{Found: true, MaxMembers: 2, Members: 2}, nil, true},
		{"overshoot rejects", &redisrepo.AdmissionSnapshot{Found: true, MaxMembers: 2, Members: 3}, nil, true},
		{"existing member admits when full", &redisrepo.AdmissionSnapshot{Found: true, MaxMembers: 2, Members: 2, IsMember: true}, nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := new(MockAdmissionReader)
			if tt.snapshot == nil {
				reader.On("Admission", mock.Anything, "room_a", "u9").Return(nil, tt.err)
			} else {
				reader.On("Admission", mock.Anything, "room_a", "u9").Return(tt.snapshot, tt.err)
			}

			err := NewCapacityGate(reader).TryAdmit(context.Background(), "room_a", "u9")

			if tt.wantFull {
				require.Error(t, err)
				assert.True(t, apperrors.Is(err, apperrors.ErrCodeRoomFull))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

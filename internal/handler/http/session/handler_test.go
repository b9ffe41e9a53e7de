package session

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"callsession-backend/internal/domain"
	"callsession-backend/internal/middleware"
	"callsession-backend/internal/service/session"
	apperrors "callsession-backend/pkg/errors"
)

// MockService is a mock implementation of Service
type MockService struct {
	mock.Mock
}

func (m *MockService) StartCall(ctx context.Context, input *session.StartCallInput, initiatorID string) (*session.SessionHandle, error) {
	args := m.Called(ctx, input, initiatorID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*session.SessionHandle), args.Error(1)
}

func (m *MockService) JoinCall(ctx context.Context, roomName, userID string) (*session.SessionHandle, error) {
	args := m.Called(ctx, roomName, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*session.SessionHandle), args.Error(1)
}

func (m *MockService) LeaveCall(ctx context.Context, roomName, userID string) error {
	return m.Called(ctx, roomName, userID).Error(0)
}

func (m *MockService) GetSession(ctx context.Context, roomName string) (*domain.Session, error) {
	args := m.Called(ctx, roomName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Session), args.Error(1)
}

func (m *MockService) ListParticipants(ctx context.Context, roomName string, onlineOnly bool) ([]*domain.Participant, error) {
	args := m.Called(ctx, roomName, onlineOnly)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Participant), args.Error(1)
}

func (m *MockService) OnlineCount(ctx context.Context, roomName string) (int, error) {
	args := m.Called(ctx, roomName)
	return args.Int(0), args.Error(1)
}

func (m *MockService) GetActiveSessions(ctx context.Context, userID string) ([]*domain.Participant, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Participant), args.Error(1)
}

func (m *MockService) GetUserHistory(ctx context.Context, userID string, limit, offset int) ([]*domain.Session, error) {
	args := m.Called(ctx, userID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Session), args.Error(1)
}

func (m *MockService) ReconcileRoomFinished(ctx context.Context, roomName string) error {
	return m.Called(ctx, roomName).Error(0)
}

func (m *MockService) AttachRecording(ctx context.Context, roomName, objectKey string) error {
	return m.Called(ctx, roomName, objectKey).Error(0)
}

func (m *MockService) GetRecordingURL(ctx context.Context, roomName string) (string, error) {
	args := m.Called(ctx, roomName)
	return args.String(0), args.Error(1)
}

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(svc Service, userID string) *gin.Engine {
	h := NewHandler(svc)
	r := gin.New()

	internal := r.Group("/v1/rtc/internal")
	internal.POST("/rooms/:roomName/finished", h.RoomFinished)
	internal.POST("/rooms/:roomName/recording", h.AttachRecording)

	v1 := r.Group("/v1/rtc")
	v1.Use(func(c *gin.Context) {
		if userID != "" {
			c.Set(middleware.ContextUserID, userID)
		}
		c.Next()
	})
	v1.POST("/call/start", h.StartCall)
	v1.POST("/call/join", h.JoinCall)
	v1.POST("/call/leave", h.LeaveCall)
	v1.GET("/room/:roomName", h.GetRoom)
	v1.GET("/room/:roomName/participants", h.ListParticipants)
	v1.GET("/room/:roomName/recording", h.GetRecording)
	v1.GET("/user/current", h.GetCurrent)
	v1.GET("/user/history", h.GetHistory)
	return r
}

func do(r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func TestStartCall(t *testing.T) {
	svc := new(MockService)
	handle := &session.SessionHandle{SessionID: uuid.New(), RoomName: "room_1a2b3c4d", Token: "tok", Role: domain.RoleHost}
	svc.On("StartCall", mock.Anything, mock.MatchedBy(func(in *session.StartCallInput) bool {
		return in.SessionType == "group" && in.Title == "standup" && *in.MaxParticipants == 5 && len(in.TargetUserIDs) == 1
	}), "u1").Return(handle, nil)

	w := do(newRouter(svc, "u1"), http.MethodPost, "/v1/rtc/call/start", gin.H{
		"session_type":     "group",
		"title":            "standup",
		"max_participants": 5,
		"target_user_ids":  []string{"u2"},
	})

	assert.Equal(t, http.StatusCreated, w.Code)
	env := decode(t, w)
	assert.True(t, env.Success)
	assert.Contains(t, string(env.Data), `"room_name":"room_1a2b3c4d"`)
	svc.AssertExpectations(t)
}

func TestStartCall_Unauthenticated(t *testing.T) {
	svc := new(MockService)

	w := do(newRouter(svc, ""), http.MethodPost, "/v1/rtc/call/start", gin.H{"session_type": "video"})

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	svc.AssertNotCalled(t, "StartCall", mock.Anything, mock.Anything, mock.Anything)
}

func TestStartCall_ProviderFailure(t *testing.T) {
	svc := new(MockService)
	svc.On("StartCall", mock.Anything, mock.Anything, "u1").
		Return(nil, apperrors.ExternalFailureError("Failed to create media room", assert.AnError))

	w := do(newRouter(svc, "u1"), http.MethodPost, "/v1/rtc/call/start", gin.H{"session_type": "video"})

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, string(apperrors.ErrCodeExternalFailure), decode(t, w).Error.Code)
}

func TestJoinCall(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   apperrors.ErrorCode
	}{
		{"joined", nil, http.StatusOK, ""},
		{"room full", apperrors.RoomFullError("room_a"), http.StatusConflict, apperrors.ErrCodeRoomFull},
		{"room ended", apperrors.RoomEndedError("room_a"), http.StatusConflict, apperrors.ErrCodeRoomEnded},
		{"unknown room", apperrors.RoomNotFoundError("room_a"), http.StatusNotFound, apperrors.ErrCodeRoomNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockService)
			if tt.err == nil {
				svc.On("JoinCall", mock.Anything, "room_a", "u2").Return(&session.SessionHandle{RoomName: "room_a"}, nil)
			} else {
				svc.On("JoinCall", mock.Anything, "room_a", "u2").Return(nil, tt.err)
			}

			w := do(newRouter(svc, "u2"), http.MethodPost, "/v1/rtc/call/join", gin.H{"room_name": "room_a"})

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantCode != "" {
				assert.Equal(t, string(tt.wantCode), decode(t, w).Error.Code)
			}
		})
	}
}

func TestJoinCall_MissingRoom(t *testing.T) {
	svc := new(MockService)

	w := do(newRouter(svc, "u2"), http.MethodPost, "/v1/rtc/call/join", gin.H{})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLeaveCall(t *testing.T) {
	svc := new(MockService)
	svc.On("LeaveCall", mock.Anything, "room_a", "u2").Return(nil)

	w := do(newRouter(svc, "u2"), http.MethodPost, "/v1/rtc/call/leave", gin.H{"room_name": "room_a"})

	assert.Equal(t, http.StatusOK, w.Code)
	svc.AssertExpectations(t)
}

func TestGetRoom(t *testing.T) {
	svc := new(MockService)
	svc.On("GetSession", mock.Anything, "room_a").Return(&domain.Session{RoomName: "room_a", Status: domain.SessionStatusActive}, nil)
	svc.On("OnlineCount", mock.Anything, "room_a").Return(2, nil)

	w := do(newRouter(svc, "u1"), http.MethodGet, "/v1/rtc/room/room_a", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(decode(t, w).Data), `"online_count":2`)
}

func TestListParticipants_OnlineFilter(t *testing.T) {
	svc := new(MockService)
	svc.On("ListParticipants", mock.Anything, "room_a", true).Return(nil, nil)

	w := do(newRouter(svc, "u1"), http.MethodGet, "/v1/rtc/room/room_a/participants?online=true", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(decode(t, w).Data), `"participants":[]`)
	svc.AssertExpectations(t)
}

func TestGetRecording(t *testing.T) {
	svc := new(MockService)
	svc.On("GetRecordingURL", mock.Anything, "room_a").Return("https://minio.local/signed", nil)
	svc.On("GetRecordingURL", mock.Anything, "room_b").Return("", apperrors.NotFoundError("Recording"))

	r := newRouter(svc, "u1")

	w := do(r, http.MethodGet, "/v1/rtc/room/room_a/recording", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(decode(t, w).Data), "https://minio.local/signed")

	w = do(r, http.MethodGet, "/v1/rtc/room/room_b/recording", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetHistory(t *testing.T) {
	svc := new(MockService)
	svc.On("GetUserHistory", mock.Anything, "u1", 5, 10).Return([]*domain.Session{{RoomName: "room_a"}}, nil)

	r := newRouter(svc, "u1")

	w := do(r, http.MethodGet, "/v1/rtc/user/history?limit=5&offset=10", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(decode(t, w).Data), "room_a")

	w = do(r, http.MethodGet, "/v1/rtc/user/history?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetCurrent(t *testing.T) {
	svc := new(MockService)
	svc.On("GetActiveSessions", mock.Anything, "u1").Return([]*domain.Participant{{UserID: "u1", RoomName: "room_a"}}, nil)

	w := do(newRouter(svc, "u1"), http.MethodGet, "/v1/rtc/user/current", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(decode(t, w).Data), "room_a")
}

func TestInternalRoutes(t *testing.T) {
	svc := new(MockService)
	svc.On("ReconcileRoomFinished", mock.Anything, "room_a").Return(nil)
	svc.On("AttachRecording", mock.Anything, "room_a", "room_a/rec.mp4").Return(nil)

	r := newRouter(svc, "")

	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/v1/rtc/internal/rooms/room_a/finished", nil).Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/v1/rtc/internal/rooms/room_a/recording", gin.H{"object_key": "room_a/rec.mp4"}).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/v1/rtc/internal/rooms/room_a/recording", gin.H{}).Code)
	svc.AssertExpectations(t)
}

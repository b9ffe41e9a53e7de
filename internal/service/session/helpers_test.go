package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/mock"

	"callsession-backend/internal/database"
	"callsession-backend/internal/domain"
	redisrepo "callsession-backend/internal/repository/redis"
	"callsession-backend/pkg/media"
)

// MockProvider is a mock implementation of media.Provider
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) CreateRoom(ctx context.Context, name string, cfg media.RoomConfig) (*media.RoomInfo, error) {
	args := m.Called(ctx, name, cfg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*media.RoomInfo), args.Error(1)
}

func (m *MockProvider) GenerateToken(ctx context.Context, userID, room string, role media.Role) (string, error) {
	args := m.Called(ctx, userID, room, role)
	return args.String(0), args.Error(1)
}

func (m *MockProvider) DeleteRoom(ctx context.Context, name string) {
	m.Called(ctx, name)
}

func (m *MockProvider) GetRoomInfo(ctx context.Context, name string) (*media.RoomInfo, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*media.RoomInfo), args.Error(1)
}

func (m *MockProvider) URL() string {
	return "wss://media.test"
}

// MockRecordingStore is a mock implementation of RecordingStore
type MockRecordingStore struct {
	mock.Mock
}

func (m *MockRecordingStore) PresignedGetURL(ctx context.Context, objectKey string) (string, error) {
	args := m.Called(ctx, objectKey)
	return args.String(0), args.Error(1)
}

// fakeStore is an in-memory SessionRepository with the same row guarantees as
// the SQL store: one open participant row per (session, user) and a
// conditional active -> ended update.
type fakeStore struct {
	mu           sync.Mutex
	sessions     map[uuid.UUID]*domain.Session
	participants []*domain.Participant
	createErr    error
	leaveErr     error
	lastLimit    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[uuid.UUID]*domain.Session)}
}

func (f *fakeStore) CreateWithHost(ctx context.Context, session *domain.Session, host *domain.Participant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	s := *session
	p := *host
	f.sessions[s.ID] = &s
	f.participants = append(f.participants, &p)
	return nil
}

func (f *fakeStore) GetByRoomName(ctx context.Context, roomName string) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.RoomName == roomName {
			cp := *s
			return &cp, nil
		}
	}
	return nil, domain.ErrSessionNotFound
}

func (f *fakeStore) FindOpenParticipant(ctx context.Context, sessionID uuid.UUID, userID string) (*domain.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.participants {
		if p.SessionID == sessionID && p.UserID == userID && p.LeaveTime == nil {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) AddParticipant(ctx context.Context, participant *domain.Participant) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.participants {
		if p.SessionID == participant.SessionID && p.UserID == participant.UserID && p.LeaveTime == nil {
			return false, nil
		}
	}
	cp := *participant
	f.participants = append(f.participants, &cp)
	return true, nil
}

func (f *fakeStore) CloseAndEndIfEmpty(ctx context.Context, sessionID, participantID uuid.UUID, leaveTime time.Time, duration int) (*domain.LeaveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	// a failed transaction leaves every row untouched
	if f.leaveErr != nil {
		err := f.leaveErr
		f.leaveErr = nil
		return nil, err
	}

	result := &domain.LeaveResult{}
	for _, p := range f.participants {
		if p.ID == participantID && p.SessionID == sessionID && p.LeaveTime == nil {
			lt := leaveTime
			p.LeaveTime = &lt
			p.Duration = duration
			result.Closed = true
		}
	}
	if !result.Closed {
		return result, nil
	}

	for _, p := range f.participants {
		if p.SessionID == sessionID && p.LeaveTime == nil {
			result.Online++
		}
	}
	if s, ok := f.sessions[sessionID]; ok && result.Online == 0 && s.Status == domain.SessionStatusActive {
		et := leaveTime
		s.Status = domain.SessionStatusEnded
		s.EndTime = &et
		result.Ended = true
	}
	return result, nil
}

func (f *fakeStore) CloseOpenParticipants(ctx context.Context, sessionID uuid.UUID, leaveTime time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var closed int64
	for _, p := range f.participants {
		if p.SessionID == sessionID && p.LeaveTime == nil {
			lt := leaveTime
			p.LeaveTime = &lt
			p.Duration = int(leaveTime.Sub(p.JoinTime).Seconds())
			closed++
		}
	}
	return closed, nil
}

func (f *fakeStore) CountOnline(ctx context.Context, sessionID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, p := range f.participants {
		if p.SessionID == sessionID && p.LeaveTime == nil {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) MarkEnded(ctx context.Context, sessionID uuid.UUID, endTime time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok || s.Status != domain.SessionStatusActive {
		return false, nil
	}
	et := endTime
	s.Status = domain.SessionStatusEnded
	s.EndTime = &et
	return true, nil
}

func (f *fakeStore) MarkError(ctx context.Context, sessionID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.sessions[sessionID]; ok && s.Status == domain.SessionStatusActive {
		s.Status = domain.SessionStatusError
	}
	return nil
}

func (f *fakeStore) SetRecordingURL(ctx context.Context, sessionID uuid.UUID, recordingURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	s.RecordingURL = recordingURL
	s.RecordingEnabled = true
	return nil
}

func (f *fakeStore) ListParticipants(ctx context.Context, sessionID uuid.UUID, onlineOnly bool) ([]*domain.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Participant
	for _, p := range f.participants {
		if p.SessionID == sessionID && (!onlineOnly || p.LeaveTime == nil) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) GetActiveParticipations(ctx context.Context, userID string) ([]*domain.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Participant
	for _, p := range f.participants {
		if p.UserID == userID && p.LeaveTime == nil && f.sessions[p.SessionID].IsActive() {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) GetUserSessions(ctx context.Context, userID string, limit, offset int) ([]*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit = limit
	seen := map[uuid.UUID]bool{}
	var out []*domain.Session
	for _, p := range f.participants {
		if p.UserID == userID && !seen[p.SessionID] {
			seen[p.SessionID] = true
			cp := *f.sessions[p.SessionID]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) rowsFor(roomName, userID string) []*domain.Participant {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Participant
	for _, p := range f.participants {
		if p.UserID == userID && f.sessions[p.SessionID].RoomName == roomName {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeStore) sessionByRoom(roomName string) *domain.Session {
	s, _ := f.GetByRoomName(context.Background(), roomName)
	return s
}

// recordingPublisher collects published events
type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.RoomEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, event domain.RoomEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) ofType(t domain.RoomEventType) []domain.RoomEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.RoomEvent
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type testEnv struct {
	svc       *Service
	store     *fakeStore
	provider  *MockProvider
	publisher *recordingPublisher
	mr        *miniredis.Miniredis
	client    *database.RedisClient
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	client := database.NewRedisClient(rc, nil)

	store := newFakeStore()
	provider := new(MockProvider)
	publisher := &recordingPublisher{}

	svc := NewService(store, redisrepo.NewRoomCacheRepository(client, time.Hour), provider, Config{
		Policy:       DefaultCapacityPolicy(),
		EmptyTimeout: time.Minute,
	}, nil)
	svc.SetEventPublisher(publisher)

	return &testEnv{
		svc:       svc,
		store:     store,
		provider:  provider,
		publisher: publisher,
		mr:        mr,
		client:    client,
	}
}

// expectHappyProvider wires create and token calls to succeed
func (e *testEnv) expectHappyProvider() {
	e.provider.On("CreateRoom", mock.Anything, mock.Anything, mock.Anything).Return(&media.RoomInfo{SID: "RM_1"}, nil)
	e.provider.On("GenerateToken", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("token", nil)
	e.provider.On("DeleteRoom", mock.Anything, mock.Anything).Return()
}

var errBoom = errors.New("boom")

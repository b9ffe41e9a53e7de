package callstate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"callsession-backend/internal/database"
	"callsession-backend/internal/domain"
	redisrepo "callsession-backend/internal/repository/redis"
	apperrors "callsession-backend/pkg/errors"
)

func newTestMachine(t *testing.T) (*Machine, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := redisrepo.NewCallStateRepository(database.NewRedisClient(client, nil), 2*time.Hour)
	return NewMachine(store, nil), mr
}

// MockStateStore is a mock implementation of StateStore
type MockStateStore struct {
	mock.Mock
}

func (m *MockStateStore) GetState(ctx context.Context, roomName, userID string) (*domain.CallStateRecord, error) {
	args := m.Called(ctx, roomName, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallStateRecord), args.Error(1)
}

func (m *MockStateStore) CompareAndSet(ctx context.Context, roomName, userID string, target domain.CallState, at time.Time, allow func(domain.CallState) bool) (domain.CallState, bool, error) {
	args := m.Called(ctx, roomName, userID, target)
	return args.Get(0).(domain.CallState), args.Bool(1), args.Error(2)
}

func (m *MockStateStore) GetHistory(ctx context.Context, roomName, userID string) ([]domain.StateHistoryEntry, error) {
	args := m.Called(ctx, roomName, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.StateHistoryEntry), args.Error(1)
}

func (m *MockStateStore) Clear(ctx context.Context, roomName, userID string) error {
	args := m.Called(ctx, roomName, userID)
	return args.Error(0)
}

func (m *MockStateStore) ClearRoom(ctx context.Context, roomName string) (int64, error) {
	args := m.Called(ctx, roomName)
	return args.Get(0).(int64), args.Error(1)
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to domain.CallState
		want     bool
	}{
		{domain.CallStateIdle, domain.CallStateCalling, true},
		{domain.CallStateIdle, domain.CallStateConnected, false},
		{domain.CallStateCalling, domain.CallStateConnecting, true},
		{domain.CallStateCalling, domain.CallStateRejected, true},
		{domain.CallStateCalling, domain.CallStateNoAnswer, true},
		{domain.CallStateCalling, domain.CallStateEnded, false},
		{domain.CallStateConnecting, domain.CallStateConnected, true},
		{domain.CallStateConnecting, domain.CallStateEnded, true},
		{domain.CallStateConnected, domain.CallStateEnded, true},
		{domain.CallStateConnected, domain.CallStateCalling, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	all := []domain.CallState{
		domain.CallStateIdle, domain.CallStateCalling, domain.CallStateConnecting, domain.CallStateConnected,
		domain.CallStateEnded, domain.CallStateRejected, domain.CallStateNoAnswer,
	}
	for _, from := range all {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range all {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestGetCurrentState_DefaultsToIdle(t *testing.T) {
	machine, _ := newTestMachine(t)

	state, err := machine.GetCurrentState(context.Background(), "room_never", "nobody")

	require.NoError(t, err)
	assert.Equal(t, domain.CallStateIdle, state)

	history, err := machine.GetStateHistory(context.Background(), "room_never", "nobody")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSetState_FullCallSucceeds(t *testing.T) {
	machine, _ := newTestMachine(t)
	ctx := context.Background()

	steps := []domain.CallState{
		domain.CallStateCalling,
		domain.CallStateConnecting,
		domain.CallStateConnected,
		domain.CallStateEnded,
	}
	prev := domain.CallStateIdle
	for _, target := range steps {
		tr, err := machine.SetState(ctx, "room_a", "u1", target)
		require.NoError(t, err)
		assert.True(t, tr.Accepted, "transition to %s", target)
		assert.Equal(t, prev, tr.From)
		prev = target
	}

	state, err := machine.GetCurrentState(ctx, "room_a", "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStateEnded, state)
}

func TestSetState_InvalidEdgeIsRejectedWithoutWrite(t *testing.T) {
	machine, mr := newTestMachine(t)
	ctx := context.Background()

	tr, err := machine.SetState(ctx, "room_a", "u1", domain.CallStateConnected)

	require.NoError(t, err)
	assert.False(t, tr.Accepted)
	assert.Equal(t, domain.CallStateIdle, tr.From)
	assert.False(t, mr.Exists("rtc:state:room_a:u1"))

	history, err := machine.GetStateHistory(ctx, "room_a", "u1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSetState_TerminalStateAcceptsNothing(t *testing.T) {
	for _, terminal := range []domain.CallState{domain.CallStateRejected, domain.CallStateNoAnswer} {
		t.Run(string(terminal), func(t *testing.T) {
			machine, _ := newTestMachine(t)
			ctx := context.Background()

			_, err := machine.StartCalling(ctx, "room_a", "u1")
			require.NoError(t, err)
			tr, err := machine.SetState(ctx, "room_a", "u1", terminal)
			require.NoError(t, err)
			require.True(t, tr.Accepted)

			tr, err = machine.SetState(ctx, "room_a", "u1", domain.CallStateCalling)
			require.NoError(t, err)
			assert.False(t, tr.Accepted)

			state, err := machine.GetCurrentState(ctx, "room_a", "u1")
			require.NoError(t, err)
			assert.Equal(t, terminal, state)
		})
	}
}

func TestStateHistory_MostRecentFirst(t *testing.T) {
	machine, _ := newTestMachine(t)
	ctx := context.Background()

	for _, target := range []domain.CallState{domain.CallStateCalling, domain.CallStateConnecting, domain.CallStateConnected} {
		_, err := machine.SetState(ctx, "room_a", "u1", target)
		require.NoError(t, err)
	}

	history, err := machine.GetStateHistory(ctx, "room_a", "u1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, domain.CallStateConnected, history[0].To)
	assert.Equal(t, domain.CallStateConnecting, history[0].From)
	assert.Equal(t, domain.CallStateCalling, history[2].To)
	assert.Equal(t, domain.CallStateIdle, history[2].From)
}

func TestStateHistory_CappedAtTen(t *testing.T) {
	machine, mr := newTestMachine(t)
	ctx := context.Background()

	accepted := 0
	for i := 0; i < 4; i++ {
		for _, target := range []domain.CallState{domain.CallStateCalling, domain.CallStateConnecting, domain.CallStateConnected, domain.CallStateEnded} {
			tr, err := machine.SetState(ctx, "room_a", "u1", target)
			require.NoError(t, err)
			require.True(t, tr.Accepted)
			accepted++

			history, err := machine.GetStateHistory(ctx, "room_a", "u1")
			require.NoError(t, err)
			assert.Len(t, history, min(accepted, 10))
		}
		// expire the current state only; the next cycle starts from Idle
		mr.Del("rtc:state:room_a:u1")
	}

	history, err := machine.GetStateHistory(ctx, "room_a", "u1")
	require.NoError(t, err)
	require.Len(t, history, 10)
	assert.Equal(t, domain.CallStateEnded, history[0].To)
}

func TestEndCall_ClearsState(t *testing.T) {
	machine, mr := newTestMachine(t)
	ctx := context.Background()

	for _, step := range []func(context.Context, string, string) (Transition, error){
		machine.StartCalling, machine.AcceptCall, machine.Connected,
	} {
		tr, err := step(ctx, "room_a", "u1")
		require.NoError(t, err)
		require.True(t, tr.Accepted)
	}

	inCall, err := machine.IsInCall(ctx, "room_a", "u1")
	require.NoError(t, err)
	assert.True(t, inCall)

	tr, err := machine.EndCall(ctx, "room_a", "u1")
	require.NoError(t, err)
	assert.True(t, tr.Accepted)
	assert.False(t, mr.Exists("rtc:state:room_a:u1"))

	canStart, err := machine.CanStartCall(ctx, "room_a", "u1")
	require.NoError(t, err)
	assert.True(t, canStart)
}

func TestEndCall_RejectedKeepsState(t *testing.T) {
	machine, mr := newTestMachine(t)
	ctx := context.Background()

	_, err := machine.StartCalling(ctx, "room_a", "u1")
	require.NoError(t, err)

	tr, err := machine.EndCall(ctx, "room_a", "u1")
	require.NoError(t, err)
	assert.False(t, tr.Accepted)
	assert.True(t, mr.Exists("rtc:state:room_a:u1"))
}

func TestRequire_ConvertsRejection(t *testing.T) {
	machine, _ := newTestMachine(t)

	_, err := Require(machine.Connected(context.Background(), "room_a", "u1"))

	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeInvalidTransition))
}

func TestClearRoomStates(t *testing.T) {
	machine, mr := newTestMachine(t)
	ctx := context.Background()

	for _, user := range []string{"u1", "u2"} {
		_, err := machine.StartCalling(ctx, "room_a", user)
		require.NoError(t, err)
	}
	_, err := machine.StartCalling(ctx, "room_b", "u1")
	require.NoError(t, err)

	require.NoError(t, machine.ClearRoomStates(ctx, "room_a"))

	assert.False(t, mr.Exists("rtc:state:room_a:u1"))
	assert.False(t, mr.Exists("rtc:state:history:room_a:u2"))
	assert.True(t, mr.Exists("rtc:state:room_b:u1"))
}

func TestSetState_StoreErrorIsReturned(t *testing.T) {
	store := new(MockStateStore)
	machine := NewMachine(store, nil)
	store.On("CompareAndSet", mock.Anything, "room_a", "u1", domain.CallStateCalling).
		Return(domain.CallStateIdle, false, errors.New("connection refused"))

	_, err := machine.SetState(context.Background(), "room_a", "u1", domain.CallStateCalling)

	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeServiceUnavail))
	store.AssertExpectations(t)
}

func TestSetState_RequiresKey(t *testing.T) {
	store := new(MockStateStore)
	machine := NewMachine(store, nil)

	_, err := machine.SetState(context.Background(), "", "u1", domain.CallStateCalling)

	assert.True(t, apperrors.Is(err, apperrors.ErrCodeMissingField))
	store.AssertNotCalled(t, "CompareAndSet")
}

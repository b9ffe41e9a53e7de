// Package callstate tracks each participant's progress through a call.
package callstate

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"callsession-backend/internal/domain"
	apperrors "callsession-backend/pkg/errors"
	"callsession-backend/pkg/logger"
	"callsession-backend/pkg/metrics"
)

// StateStore persists call states and their history
type StateStore interface {
	GetState(ctx context.Context, roomName, userID string) (*domain.CallStateRecord, error)
	CompareAndSet(ctx context.Context, roomName, userID string, target domain.CallState, at time.Time, allow func(from domain.CallState) bool) (domain.CallState, bool, error)
	GetHistory(ctx context.Context, roomName, userID string) ([]domain.StateHistoryEntry, error)
	Clear(ctx context.Context, roomName, userID string) error
	ClearRoom(ctx context.Context, roomName string) (int64, error)
}

var transitions = buildTransitions(map[domain.CallState][]domain.CallState{
	domain.CallStateIdle:       {domain.CallStateCalling},
	domain.CallStateCalling:    {domain.CallStateConnecting, domain.CallStateRejected, domain.CallStateNoAnswer},
	domain.CallStateConnecting: {domain.CallStateConnected, domain.CallStateEnded},
	domain.CallStateConnected:  {domain.CallStateEnded},
})

func buildTransitions(edges map[domain.CallState][]domain.CallState) map[domain.CallState]map[domain.CallState]struct{} {
	table := make(map[domain.CallState]map[domain.CallState]struct{}, len(edges))
	for from, targets := range edges {
		next := make(map[domain.CallState]struct{}, len(targets))
		for _, to := range targets {
			next[to] = struct{}{}
		}
		table[from] = next
	}
	return table
}

// CanTransition reports whether from -> to is an allowed edge
func CanTransition(from, to domain.CallState) bool {
	_, ok := transitions[from][to]
	return ok
}

// Transition is the outcome of a SetState call
type Transition struct {
	From     domain.CallState `json:"from"`
	To       domain.CallState `json:"to"`
	Accepted bool             `json:"accepted"`
}

// Machine validates and applies call state transitions
type Machine struct {
	store   StateStore
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewMachine creates a new call state machine. m may be nil.
func NewMachine(store StateStore, m *metrics.Metrics) *Machine {
	return &Machine{
		store:   store,
		metrics: m,
		now:     time.Now,
	}
}

func storeError(err error) error {
	return apperrors.WrapWithStatus(apperrors.ErrCodeServiceUnavail, "Call state store unavailable", http.StatusServiceUnavailable, err)
}

func validateKey(roomName, userID string) error {
	if strings.TrimSpace(roomName) == "" {
		return apperrors.MissingFieldError("room_name")
	}
	if strings.TrimSpace(userID) == "" {
		return apperrors.MissingFieldError("user_id")
	}
	return nil
}

// SetState moves (room, user) to target. A disallowed edge yields Accepted=false
// with a nil error and nothing is written.
func (m *Machine) SetState(ctx context.Context, roomName, userID string, target domain.CallState) (Transition, error) {
	if err := validateKey(roomName, userID); err != nil {
		return Transition{}, err
	}

	from, accepted, err := m.store.CompareAndSet(ctx, roomName, userID, target, m.now(), func(current domain.CallState) bool {
		return CanTransition(current, target)
	})
	if err != nil {
		return Transition{}, storeError(err)
	}

	m.metrics.RecordStateTransition(accepted)
	if !accepted {
		logger.FromContext(ctx).Info("Call state transition rejected",
			zap.String("room_name", roomName),
			zap.String("user_id", userID),
			zap.String("from", string(from)),
			zap.String("to", string(target)))
	}

	return Transition{From: from, To: target, Accepted: accepted}, nil
}

// GetCurrentState returns the current state, Idle when nothing is stored
func (m *Machine) GetCurrentState(ctx context.Context, roomName, userID string) (domain.CallState, error) {
	record, err := m.GetStateRecord(ctx, roomName, userID)
	if err != nil {
		return "", err
	}
	return record.State, nil
}

// GetStateRecord returns the current state with its timestamp
func (m *Machine) GetStateRecord(ctx context.Context, roomName, userID string) (*domain.CallStateRecord, error) {
	if err := validateKey(roomName, userID); err != nil {
		return nil, err
	}

	record, err := m.store.GetState(ctx, roomName, userID)
	if err != nil {
		return nil, storeError(err)
	}
	if record == nil {
		return &domain.CallStateRecord{RoomName: roomName, UserID: userID, State: domain.CallStateIdle}, nil
	}
	return record, nil
}

// GetStateHistory returns accepted transitions, most recent first
func (m *Machine) GetStateHistory(ctx context.Context, roomName, userID string) ([]domain.StateHistoryEntry, error) {
	if err := validateKey(roomName, userID); err != nil {
		return nil, err
	}

	history, err := m.store.GetHistory(ctx, roomName, userID)
	if err != nil {
		return nil, storeError(err)
	}
	return history, nil
}

// ClearState forgets the state and history of one participant
func (m *Machine) ClearState(ctx context.Context, roomName, userID string) error {
	if err := validateKey(roomName, userID); err != nil {
		return err
	}
	if err := m.store.Clear(ctx, roomName, userID); err != nil {
		return storeError(err)
	}
	return nil
}

// ClearRoomStates forgets every participant state in a room
func (m *Machine) ClearRoomStates(ctx context.Context, roomName string) error {
	if strings.TrimSpace(roomName) == "" {
		return apperrors.MissingFieldError("room_name")
	}

	deleted, err := m.store.ClearRoom(ctx, roomName)
	if err != nil {
		return storeError(err)
	}

	logger.FromContext(ctx).Debug("Cleared room call states",
		zap.String("room_name", roomName),
		zap.Int64("keys", deleted))
	return nil
}

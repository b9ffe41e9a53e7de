package callstate

import (
	"context"

	"go.uber.org/zap"

	"callsession-backend/internal/domain"
	apperrors "callsession-backend/pkg/errors"
	"callsession-backend/pkg/logger"
)

// Require turns a rejected transition into an INVALID_STATE_TRANSITION conflict
func Require(t Transition, err error) (Transition, error) {
	if err != nil {
		return t, err
	}
	if !t.Accepted {
		return t, apperrors.InvalidTransitionError(string(t.From), string(t.To))
	}
	return t, nil
}

// StartCalling marks the caller as ringing
func (m *Machine) StartCalling(ctx context.Context, roomName, userID string) (Transition, error) {
	return m.SetState(ctx, roomName, userID, domain.CallStateCalling)
}

// AcceptCall moves a ringing call to connecting
func (m *Machine) AcceptCall(ctx context.Context, roomName, userID string) (Transition, error) {
	return m.SetState(ctx, roomName, userID, domain.CallStateConnecting)
}

// RejectCall ends a ringing call as rejected
func (m *Machine) RejectCall(ctx context.Context, roomName, userID string) (Transition, error) {
	return m.SetState(ctx, roomName, userID, domain.CallStateRejected)
}

// NoAnswer ends a ringing call as unanswered
func (m *Machine) NoAnswer(ctx context.Context, roomName, userID string) (Transition, error) {
	return m.SetState(ctx, roomName, userID, domain.CallStateNoAnswer)
}

// Connected marks media as flowing
func (m *Machine) Connected(ctx context.Context, roomName, userID string) (Transition, error) {
	return m.SetState(ctx, roomName, userID, domain.CallStateConnected)
}

// EndCall moves the participant to Ended and then drops its state.
// The state is only cleared when the transition was accepted.
func (m *Machine) EndCall(ctx context.Context, roomName, userID string) (Transition, error) {
	t, err := m.SetState(ctx, roomName, userID, domain.CallStateEnded)
	if err != nil || !t.Accepted {
		return t, err
	}

	if err := m.ClearState(ctx, roomName, userID); err != nil {
		logger.FromContext(ctx).Warn("Failed to clear call state after end",
			zap.String("room_name", roomName),
			zap.String("user_id", userID),
			zap.Error(err))
	}
	return t, nil
}

// CanStartCall reports whether the participant may start ringing
func (m *Machine) CanStartCall(ctx context.Context, roomName, userID string) (bool, error) {
	state, err := m.GetCurrentState(ctx, roomName, userID)
	if err != nil {
		return false, err
	}
	return CanTransition(state, domain.CallStateCalling), nil
}

// IsInCall reports whether the participant is past ringing and not yet finished
func (m *Machine) IsInCall(ctx context.Context, roomName, userID string) (bool, error) {
	state, err := m.GetCurrentState(ctx, roomName, userID)
	if err != nil {
		return false, err
	}
	return state == domain.CallStateConnecting || state == domain.CallStateConnected, nil
}

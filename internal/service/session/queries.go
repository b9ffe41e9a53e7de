package session

import (
	"context"

	"go.uber.org/zap"

	"callsession-backend/internal/domain"
	apperrors "callsession-backend/pkg/errors"
	"callsession-backend/pkg/logger"
	"callsession-backend/pkg/pagination"
	"callsession-backend/pkg/sanitize"
)

// GetSession returns the session of a room
func (s *Service) GetSession(ctx context.Context, roomName string) (*domain.Session, error) {
	if err := requireRoom(roomName); err != nil {
		return nil, err
	}
	return s.getSession(ctx, roomName)
}

// ListParticipants lists a room's participants, optionally only those still online
func (s *Service) ListParticipants(ctx context.Context, roomName string, onlineOnly bool) ([]*domain.Participant, error) {
	session, err := s.GetSession(ctx, roomName)
	if err != nil {
		return nil, err
	}

	participants, err := s.repo.ListParticipants(ctx, session.ID, onlineOnly)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return participants, nil
}

// OnlineCount returns the authoritative number of online participants
func (s *Service) OnlineCount(ctx context.Context, roomName string) (int, error) {
	session, err := s.GetSession(ctx, roomName)
	if err != nil {
		return 0, err
	}

	count, err := s.repo.CountOnline(ctx, session.ID)
	if err != nil {
		return 0, apperrors.DatabaseError(err)
	}
	return count, nil
}

// GetActiveSessions lists the user's open memberships in active sessions
func (s *Service) GetActiveSessions(ctx context.Context, userID string) ([]*domain.Participant, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}

	participations, err := s.repo.GetActiveParticipations(ctx, userID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return participations, nil
}

// GetUserHistory pages through sessions the user took part in, newest first
func (s *Service) GetUserHistory(ctx context.Context, userID string, limit, offset int) ([]*domain.Session, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	page := pagination.Clamp(limit, offset)

	sessions, err := s.repo.GetUserSessions(ctx, userID, page.Limit, page.Offset)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	return sessions, nil
}

// ReconcileRoomFinished applies a media-server "room finished" notice: every
// open membership is closed and the session is ended. Safe to call repeatedly.
func (s *Service) ReconcileRoomFinished(ctx context.Context, roomName string) error {
	session, err := s.GetSession(ctx, roomName)
	if err != nil {
		return err
	}

	now := s.now()
	closed, err := s.repo.CloseOpenParticipants(ctx, session.ID, now)
	if err != nil {
		return apperrors.DatabaseError(err)
	}

	ended, err := s.repo.MarkEnded(ctx, session.ID, now)
	if err != nil {
		return apperrors.DatabaseError(err)
	}

	if ended {
		// the media server already dropped the room
		s.teardown(ctx, roomName, false)
	} else if err := s.cache.PurgeRoom(ctx, roomName); err != nil {
		logger.FromContext(ctx).Warn("Failed to purge room cache",
			zap.String("room_name", roomName),
			zap.String("operation", "purge_room"),
			zap.Error(err))
	}

	logger.FromContext(ctx).Info("Reconciled finished room",
		zap.String("room_name", roomName),
		zap.Int64("closed_participants", closed),
		zap.Bool("ended", ended))
	return nil
}

// AttachRecording stores the recording object key on the room's session
func (s *Service) AttachRecording(ctx context.Context, roomName, objectKey string) error {
	objectKey = sanitize.ObjectKey(objectKey)
	if objectKey == "" {
		return apperrors.MissingFieldError("object_key")
	}

	session, err := s.GetSession(ctx, roomName)
	if err != nil {
		return err
	}

	if err := s.repo.SetRecordingURL(ctx, session.ID, objectKey); err != nil {
		return apperrors.DatabaseError(err)
	}
	return nil
}

// GetRecordingURL returns a time-limited download URL for the room's recording
func (s *Service) GetRecordingURL(ctx context.Context, roomName string) (string, error) {
	if s.recordings == nil {
		return "", apperrors.ServiceUnavailableError("Recording storage is not configured")
	}

	session, err := s.GetSession(ctx, roomName)
	if err != nil {
		return "", err
	}
	if session.RecordingURL == "" {
		return "", apperrors.NotFoundError("Recording")
	}

	url, err := s.recordings.PresignedGetURL(ctx, session.RecordingURL)
	if err != nil {
		return "", apperrors.StorageError(err)
	}
	return url, nil
}

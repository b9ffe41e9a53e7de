// Package session coordinates media rooms, durable session records and the
// membership cache for starting, joining and leaving calls.
package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"callsession-backend/internal/domain"
	"callsession-backend/pkg/constants"
	apperrors "callsession-backend/pkg/errors"
	"callsession-backend/pkg/logger"
	"callsession-backend/pkg/media"
	"callsession-backend/pkg/metrics"
	"callsession-backend/pkg/sanitize"
)

// Failure and compensation stages
const (
	stageCreateRoom = "create_room"
	stagePersist    = "persist"
	stageToken      = "token"
)

// SessionRepository is the durable store of sessions and participants
type SessionRepository interface {
	CreateWithHost(ctx context.Context, session *domain.Session, host *domain.Participant) error
	GetByRoomName(ctx context.Context, roomName string) (*domain.Session, error)
	FindOpenParticipant(ctx context.Context, sessionID uuid.UUID, userID string) (*domain.Participant, error)
	AddParticipant(ctx context.Context, participant *domain.Participant) (bool, error)
	CloseAndEndIfEmpty(ctx context.Context, sessionID, participantID uuid.UUID, leaveTime time.Time, duration int) (*domain.LeaveResult, error)
	CloseOpenParticipants(ctx context.Context, sessionID uuid.UUID, leaveTime time.Time) (int64, error)
	CountOnline(ctx context.Context, sessionID uuid.UUID) (int, error)
	MarkEnded(ctx context.Context, sessionID uuid.UUID, endTime time.Time) (bool, error)
	MarkError(ctx context.Context, sessionID uuid.UUID) error
	SetRecordingURL(ctx context.Context, sessionID uuid.UUID, recordingURL string) error
	ListParticipants(ctx context.Context, sessionID uuid.UUID, onlineOnly bool) ([]*domain.Participant, error)
	GetActiveParticipations(ctx context.Context, userID string) ([]*domain.Participant, error)
	GetUserSessions(ctx context.Context, userID string, limit, offset int) ([]*domain.Session, error)
}

// RoomCache is the advisory membership mirror
type RoomCache interface {
	AdmissionReader
	PopulateRoom(ctx context.Context, entry *domain.RoomCacheEntry, hostID string, role domain.ParticipantRole, joinedAt time.Time) error
	EnsureRoomMeta(ctx context.Context, entry *domain.RoomCacheEntry) (bool, error)
	AddMember(ctx context.Context, roomName, userID string, role domain.ParticipantRole, joinedAt time.Time, increment bool) error
	RemoveMember(ctx context.Context, roomName, userID string) error
	PurgeRoom(ctx context.Context, roomName string) error
}

// EventPublisher delivers room events to peers
type EventPublisher interface {
	Publish(ctx context.Context, event domain.RoomEvent) error
}

// StateCleaner drops per-participant call states of a room
type StateCleaner interface {
	ClearRoomStates(ctx context.Context, roomName string) error
}

// RecordingStore resolves recording object keys to download URLs
type RecordingStore interface {
	PresignedGetURL(ctx context.Context, objectKey string) (string, error)
}

// Config holds orchestrator settings
type Config struct {
	Policy       CapacityPolicy
	EmptyTimeout time.Duration
}

// Service orchestrates call sessions
type Service struct {
	repo       SessionRepository
	cache      RoomCache
	gate       *CapacityGate
	provider   media.Provider
	publisher  EventPublisher
	states     StateCleaner
	recordings RecordingStore
	metrics    *metrics.Metrics
	cfg        Config
	now        func() time.Time
}

// NewService creates a new session service. m may be nil.
func NewService(repo SessionRepository, cache RoomCache, provider media.Provider, cfg Config, m *metrics.Metrics) *Service {
	if cfg.EmptyTimeout <= 0 {
		cfg.EmptyTimeout = constants.MediaRoomEmptyTimeout
	}
	return &Service{
		repo:     repo,
		cache:    cache,
		gate:     NewCapacityGate(cache),
		provider: provider,
		metrics:  m,
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetEventPublisher enables room event delivery
func (s *Service) SetEventPublisher(p EventPublisher) {
	s.publisher = p
}

// SetStateCleaner lets session teardown clear call states
func (s *Service) SetStateCleaner(c StateCleaner) {
	s.states = c
}

// SetRecordingStore enables recording URL lookups
func (s *Service) SetRecordingStore(r RecordingStore) {
	s.recordings = r
}

// StartCallInput contains call start data
type StartCallInput struct {
	SessionType      string
	Title            string
	MaxParticipants  *int
	RecordingEnabled bool
	TargetUserIDs    []string
}

// SessionHandle is returned to a caller that started or joined a room
type SessionHandle struct {
	SessionID       uuid.UUID              `json:"session_id"`
	RoomName        string                 `json:"room_name"`
	Token           string                 `json:"token"`
	ServerURL       string                 `json:"server_url"`
	Role            domain.ParticipantRole `json:"role"`
	SessionType     domain.SessionType     `json:"session_type"`
	MaxParticipants int                    `json:"max_participants"`
	AlreadyJoined   bool                   `json:"already_joined"`
}

func newRoomName() string {
	return constants.RoomNamePrefix + uuid.New().String()[:constants.RoomNameEntropy]
}

func requireUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return apperrors.MissingFieldError("user_id")
	}
	return nil
}

func requireRoom(roomName string) error {
	if strings.TrimSpace(roomName) == "" {
		return apperrors.MissingFieldError("room_name")
	}
	return nil
}

// StartCall creates the media room, records the session with its host and
// returns the host's join credentials. It is not idempotent: every call
// creates a new room.
func (s *Service) StartCall(ctx context.Context, input *StartCallInput, initiatorID string) (*SessionHandle, error) {
	if err := requireUser(initiatorID); err != nil {
		return nil, err
	}
	if input == nil {
		return nil, apperrors.MissingFieldError("session_type")
	}
	log := logger.FromContext(ctx)

	sessionType, capacity := s.cfg.Policy.Resolve(input.SessionType, input.MaxParticipants)
	roomName := newRoomName()

	// The media room is created outside any transaction.
	_, err := s.provider.CreateRoom(ctx, roomName, media.RoomConfig{
		EmptyTimeout:     s.cfg.EmptyTimeout,
		MaxParticipants:  capacity,
		RoomType:         string(sessionType),
		RecordingEnabled: input.RecordingEnabled,
	})
	if err != nil {
		s.metrics.RecordCallFailure(stageCreateRoom)
		// a timed out create may still have produced the room
		s.compensate(ctx, stageCreateRoom, roomName, initiatorID)
		return nil, apperrors.ExternalFailureError("Failed to create media room", err)
	}

	now := s.now()
	session := &domain.Session{
		ID:               uuid.New(),
		RoomName:         roomName,
		Title:            sanitize.Title(input.Title),
		InitiatorID:      initiatorID,
		SessionType:      sessionType,
		MaxParticipants:  capacity,
		StartTime:        now,
		Status:           domain.SessionStatusActive,
		RecordingEnabled: input.RecordingEnabled,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	host := &domain.Participant{
		ID:        uuid.New(),
		SessionID: session.ID,
		RoomName:  roomName,
		UserID:    initiatorID,
		JoinTime:  now,
		Role:      domain.RoleHost,
	}

	if err := s.repo.CreateWithHost(ctx, session, host); err != nil {
		s.metrics.RecordCallFailure(stagePersist)
		s.compensate(ctx, stagePersist, roomName, initiatorID)
		return nil, apperrors.DatabaseError(err)
	}

	token, err := s.provider.GenerateToken(ctx, initiatorID, roomName, media.RoleHost)
	if err != nil {
		s.metrics.RecordCallFailure(stageToken)
		if markErr := s.repo.MarkError(context.WithoutCancel(ctx), session.ID); markErr != nil {
			log.Error("Failed to mark session as failed",
				zap.String("room_name", roomName),
				zap.String("user_id", initiatorID),
				zap.String("operation", "mark_error"),
				zap.Error(markErr))
		}
		s.compensate(ctx, stageToken, roomName, initiatorID)
		return nil, apperrors.ExternalFailureError("Failed to issue join token", err)
	}

	entry := domain.RoomCacheEntryFromSession(session)
	entry.CurrentMembers = 1
	if err := s.cache.PopulateRoom(ctx, entry, initiatorID, domain.RoleHost, now); err != nil {
		log.Warn("Failed to cache new room",
			zap.String("room_name", roomName),
			zap.String("user_id", initiatorID),
			zap.String("operation", "populate_room"),
			zap.Error(err))
	}

	s.metrics.RecordCallStarted(string(sessionType))
	s.inviteTargets(ctx, roomName, initiatorID, input.TargetUserIDs)

	log.Info("Call started",
		zap.String("room_name", roomName),
		zap.String("user_id", initiatorID),
		zap.String("session_type", string(sessionType)),
		zap.Int("max_participants", capacity))

	return &SessionHandle{
		SessionID:       session.ID,
		RoomName:        roomName,
		Token:           token,
		ServerURL:       s.provider.URL(),
		Role:            domain.RoleHost,
		SessionType:     sessionType,
		MaxParticipants: capacity,
	}, nil
}

// JoinCall admits userID to an active room and returns join credentials.
// Joining twice reuses the open participant row.
func (s *Service) JoinCall(ctx context.Context, roomName, userID string) (*SessionHandle, error) {
	if err := requireRoom(roomName); err != nil {
		return nil, err
	}
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx)

	if err := s.gate.TryAdmit(ctx, roomName, userID); err != nil {
		s.metrics.RecordJoin(metrics.JoinRejectedFull)
		return nil, err
	}

	session, err := s.getSession(ctx, roomName)
	if err != nil {
		return nil, err
	}
	if !session.IsActive() {
		s.metrics.RecordJoin(metrics.JoinRejectedEnded)
		return nil, apperrors.RoomEndedError(roomName)
	}

	participant, alreadyJoined, err := s.admitParticipant(ctx, session, userID)
	if err != nil {
		return nil, err
	}

	token, err := s.provider.GenerateToken(ctx, userID, roomName, media.Role(participant.Role))
	if err != nil {
		s.metrics.RecordCallFailure(stageToken)
		return nil, apperrors.ExternalFailureError("Failed to issue join token", err)
	}

	s.cacheJoin(ctx, session, participant, alreadyJoined)

	if alreadyJoined {
		s.metrics.RecordJoin(metrics.JoinAlreadyJoined)
	} else {
		s.metrics.RecordJoin(metrics.JoinAdmitted)
		s.publish(ctx, domain.RoomEvent{Type: domain.RoomEventPeerJoined, RoomName: roomName, UserID: userID, At: participant.JoinTime})
	}

	log.Info("User joined call",
		zap.String("room_name", roomName),
		zap.String("user_id", userID),
		zap.Bool("already_joined", alreadyJoined))

	return &SessionHandle{
		SessionID:       session.ID,
		RoomName:        roomName,
		Token:           token,
		ServerURL:       s.provider.URL(),
		Role:            participant.Role,
		SessionType:     session.SessionType,
		MaxParticipants: session.MaxParticipants,
		AlreadyJoined:   alreadyJoined,
	}, nil
}

func (s *Service) admitParticipant(ctx context.Context, session *domain.Session, userID string) (*domain.Participant, bool, error) {
	existing, err := s.repo.FindOpenParticipant(ctx, session.ID, userID)
	if err != nil {
		return nil, false, apperrors.DatabaseError(err)
	}
	if existing != nil {
		return existing, true, nil
	}

	participant := &domain.Participant{
		ID:        uuid.New(),
		SessionID: session.ID,
		RoomName:  session.RoomName,
		UserID:    userID,
		JoinTime:  s.now(),
		Role:      domain.RolePublisher,
	}
	created, err := s.repo.AddParticipant(ctx, participant)
	if err != nil {
		return nil, false, apperrors.DatabaseError(err)
	}
	if created {
		return participant, false, nil
	}

	// A concurrent join for the same user won the insert.
	existing, err = s.repo.FindOpenParticipant(ctx, session.ID, userID)
	if err != nil {
		return nil, false, apperrors.DatabaseError(err)
	}
	if existing == nil {
		// it was closed again in between; hand out credentials for the role we tried
		return participant, true, nil
	}
	return existing, true, nil
}

func (s *Service) cacheJoin(ctx context.Context, session *domain.Session, participant *domain.Participant, alreadyJoined bool) {
	log := logger.FromContext(ctx)

	if seeded, err := s.cache.EnsureRoomMeta(ctx, domain.RoomCacheEntryFromSession(session)); err != nil {
		log.Warn("Failed to check cached room meta",
			zap.String("room_name", session.RoomName),
			zap.String("user_id", participant.UserID),
			zap.String("operation", "ensure_room_meta"),
			zap.Error(err))
		return
	} else if seeded {
		log.Info("Re-seeded expired room cache", zap.String("room_name", session.RoomName))
	}

	if err := s.cache.AddMember(ctx, session.RoomName, participant.UserID, participant.Role, participant.JoinTime, !alreadyJoined); err != nil {
		log.Warn("Failed to cache room member",
			zap.String("room_name", session.RoomName),
			zap.String("user_id", participant.UserID),
			zap.String("operation", "add_member"),
			zap.Error(err))
	}
}

// LeaveCall closes userID's membership. Leaving without an open membership is a no-op.
// The last participant to leave ends the session and deletes the media room.
func (s *Service) LeaveCall(ctx context.Context, roomName, userID string) error {
	if err := requireRoom(roomName); err != nil {
		return err
	}
	if err := requireUser(userID); err != nil {
		return err
	}
	log := logger.FromContext(ctx)

	session, err := s.getSession(ctx, roomName)
	if err != nil {
		return err
	}

	participant, err := s.repo.FindOpenParticipant(ctx, session.ID, userID)
	if err != nil {
		return apperrors.DatabaseError(err)
	}
	if participant == nil {
		return nil
	}

	now := s.now()
	duration := int(now.Sub(participant.JoinTime).Seconds())
	if duration < 0 {
		duration = 0
	}
	// Emptiness is decided on the durable count, never on the cache.
	result, err := s.repo.CloseAndEndIfEmpty(ctx, session.ID, participant.ID, now, duration)
	if err != nil {
		return apperrors.DatabaseError(err)
	}
	if !result.Closed {
		// a concurrent leave for the same membership got there first
		return nil
	}

	if result.Ended {
		s.teardown(ctx, roomName, true)
		log.Info("Call ended",
			zap.String("room_name", roomName),
			zap.String("user_id", userID))
		return nil
	}

	if err := s.cache.RemoveMember(ctx, roomName, userID); err != nil {
		log.Warn("Failed to remove cached room member",
			zap.String("room_name", roomName),
			zap.String("user_id", userID),
			zap.String("operation", "remove_member"),
			zap.Error(err))
	}
	s.publish(ctx, domain.RoomEvent{Type: domain.RoomEventPeerLeft, RoomName: roomName, UserID: userID, At: now})

	log.Info("User left call",
		zap.String("room_name", roomName),
		zap.String("user_id", userID),
		zap.Int("online", result.Online))
	return nil
}

// teardown runs after a session moved to ended. Every step is best-effort.
func (s *Service) teardown(ctx context.Context, roomName string, deleteRoom bool) {
	log := logger.FromContext(ctx)
	ctx = context.WithoutCancel(ctx)

	if deleteRoom {
		s.provider.DeleteRoom(ctx, roomName)
	}
	if err := s.cache.PurgeRoom(ctx, roomName); err != nil {
		log.Warn("Failed to purge room cache",
			zap.String("room_name", roomName),
			zap.String("operation", "purge_room"),
			zap.Error(err))
	}
	if s.states != nil {
		if err := s.states.ClearRoomStates(ctx, roomName); err != nil {
			log.Warn("Failed to clear room call states",
				zap.String("room_name", roomName),
				zap.String("operation", "clear_room_states"),
				zap.Error(err))
		}
	}
	s.metrics.RecordCallEnded()
	s.publish(ctx, domain.RoomEvent{Type: domain.RoomEventRoomEnded, RoomName: roomName, At: s.now()})
}

// compensate deletes a room whose session could not be completed
func (s *Service) compensate(ctx context.Context, stage, roomName, userID string) {
	logger.FromContext(ctx).Error("Compensating failed call start",
		zap.String("room_name", roomName),
		zap.String("user_id", userID),
		zap.String("operation", "delete_room"),
		zap.String("stage", stage))

	s.provider.DeleteRoom(context.WithoutCancel(ctx), roomName)
	s.metrics.RecordCompensation(stage)
}

func (s *Service) inviteTargets(ctx context.Context, roomName, initiatorID string, targets []string) {
	if s.publisher == nil || len(targets) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(8)
	at := s.now()
	for _, target := range targets {
		if target == "" || target == initiatorID {
			continue
		}
		g.Go(func() error {
			s.publish(ctx, domain.RoomEvent{Type: domain.RoomEventInvited, RoomName: roomName, UserID: target, At: at})
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) publish(ctx context.Context, event domain.RoomEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		logger.FromContext(ctx).Warn("Failed to publish room event",
			zap.String("room_name", event.RoomName),
			zap.String("user_id", event.UserID),
			zap.String("operation", "publish_"+string(event.Type)),
			zap.Error(err))
	}
}

func (s *Service) getSession(ctx context.Context, roomName string) (*domain.Session, error) {
	session, err := s.repo.GetByRoomName(ctx, roomName)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil, apperrors.RoomNotFoundError(roomName)
		}
		return nil, apperrors.DatabaseError(err)
	}
	return session, nil
}

package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"callsession-backend/internal/domain"
)

const sessionColumns = `
	s.id, s.room_name, s.title, s.initiator_id, s.session_type, s.max_participants,
	s.start_time, s.end_time, s.status, s.recording_enabled, s.recording_url,
	s.created_at, s.updated_at`

const participantColumns = `
	p.id, p.session_id, s.room_name, p.user_id, p.join_time, p.leave_time, p.role, p.duration`

// SessionRepository handles session and participant data operations
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

// CreateWithHost persists a session and its host participant in one transaction
func (r *SessionRepository) CreateWithHost(ctx context.Context, session *domain.Session, host *domain.Participant) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO rtc_sessions (
			id, room_name, title, initiator_id, session_type, max_participants,
			start_time, status, recording_enabled, recording_url, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		session.ID,
		session.RoomName,
		session.Title,
		session.InitiatorID,
		session.SessionType,
		session.MaxParticipants,
		session.StartTime,
		session.Status,
		session.RecordingEnabled,
		session.RecordingURL,
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO rtc_participants (id, session_id, user_id, join_time, role)
		VALUES ($1, $2, $3, $4, $5)
	`, host.ID, host.SessionID, host.UserID, host.JoinTime, host.Role)
	if err != nil {
		return fmt.Errorf("failed to insert host participant: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}

	return nil
}

// GetByRoomName retrieves a session by its room name
func (r *SessionRepository) GetByRoomName(ctx context.Context, roomName string) (*domain.Session, error) {
	query := `SELECT` + sessionColumns + `
		FROM rtc_sessions s
		WHERE s.room_name = $1
	`

	session, err := scanSession(r.pool.QueryRow(ctx, query, roomName))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

// FindOpenParticipant returns the user's open membership, or nil if there is none
func (r *SessionRepository) FindOpenParticipant(ctx context.Context, sessionID uuid.UUID, userID string) (*domain.Participant, error) {
	query := `SELECT` + participantColumns + `
		FROM rtc_participants p
		JOIN rtc_sessions s ON s.id = p.session_id
		WHERE p.session_id = $1 AND p.user_id = $2 AND p.leave_time IS NULL
	`

	participant, err := scanParticipant(r.pool.QueryRow(ctx, query, sessionID, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find participant: %w", err)
	}

	return participant, nil
}

// AddParticipant inserts an open membership. It returns false when the user
// already has one, leaving the existing row untouched.
func (r *SessionRepository) AddParticipant(ctx context.Context, participant *domain.Participant) (bool, error) {
	query := `
		INSERT INTO rtc_participants (id, session_id, user_id, join_time, role)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, user_id) WHERE leave_time IS NULL DO NOTHING
	`

	tag, err := r.pool.Exec(ctx, query,
		participant.ID,
		participant.SessionID,
		participant.UserID,
		participant.JoinTime,
		participant.Role,
	)
	if err != nil {
		return false, fmt.Errorf("failed to add participant: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// CloseAndEndIfEmpty closes an open membership and, when it was the last
// one, ends the session, all in one transaction. The session row is locked
// first so concurrent leaves of the same session see each other's closes.
func (r *SessionRepository) CloseAndEndIfEmpty(ctx context.Context, sessionID, participantID uuid.UUID, leaveTime time.Time, duration int) (*domain.LeaveResult, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var status domain.SessionStatus
	err = tx.QueryRow(ctx, `SELECT status FROM rtc_sessions WHERE id = $1 FOR UPDATE`, sessionID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to lock session: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE rtc_participants
		SET leave_time = $3, duration = $4
		WHERE id = $1 AND session_id = $2 AND leave_time IS NULL
	`, participantID, sessionID, leaveTime, duration)
	if err != nil {
		return nil, fmt.Errorf("failed to close participant: %w", err)
	}

	result := &domain.LeaveResult{Closed: tag.RowsAffected() == 1}
	if !result.Closed {
		return result, nil
	}

	err = tx.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM rtc_participants
		WHERE session_id = $1 AND leave_time IS NULL
	`, sessionID).Scan(&result.Online)
	if err != nil {
		return nil, fmt.Errorf("failed to count online participants: %w", err)
	}

	if result.Online == 0 && status == domain.SessionStatusActive {
		tag, err = tx.Exec(ctx, `
			UPDATE rtc_sessions
			SET status = 'ended', end_time = $2, updated_at = $2
			WHERE id = $1 AND status = 'active'
		`, sessionID, leaveTime)
		if err != nil {
			return nil, fmt.Errorf("failed to end session: %w", err)
		}
		result.Ended = tag.RowsAffected() == 1
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit leave: %w", err)
	}

	return result, nil
}

// CloseOpenParticipants closes every open membership of a session
func (r *SessionRepository) CloseOpenParticipants(ctx context.Context, sessionID uuid.UUID, leaveTime time.Time) (int64, error) {
	query := `
		UPDATE rtc_participants
		SET leave_time = $2,
		    duration = GREATEST(0, EXTRACT(EPOCH FROM ($2::TIMESTAMPTZ - join_time))::INT)
		WHERE session_id = $1 AND leave_time IS NULL
	`

	tag, err := r.pool.Exec(ctx, query, sessionID, leaveTime)
	if err != nil {
		return 0, fmt.Errorf("failed to close open participants: %w", err)
	}

	return tag.RowsAffected(), nil
}

// CountOnline counts open memberships of a session
func (r *SessionRepository) CountOnline(ctx context.Context, sessionID uuid.UUID) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM rtc_participants
		WHERE session_id = $1 AND leave_time IS NULL
	`

	var count int
	if err := r.pool.QueryRow(ctx, query, sessionID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count online participants: %w", err)
	}

	return count, nil
}

// MarkEnded moves an active session to ended. It returns true only for the caller that made the change.
func (r *SessionRepository) MarkEnded(ctx context.Context, sessionID uuid.UUID, endTime time.Time) (bool, error) {
	query := `
		UPDATE rtc_sessions
		SET status = 'ended', end_time = $2, updated_at = $2
		WHERE id = $1 AND status = 'active'
	`

	tag, err := r.pool.Exec(ctx, query, sessionID, endTime)
	if err != nil {
		return false, fmt.Errorf("failed to end session: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// MarkError flags an active session as failed
func (r *SessionRepository) MarkError(ctx context.Context, sessionID uuid.UUID) error {
	query := `
		UPDATE rtc_sessions
		SET status = 'error', updated_at = now()
		WHERE id = $1 AND status = 'active'
	`

	if _, err := r.pool.Exec(ctx, query, sessionID); err != nil {
		return fmt.Errorf("failed to mark session error: %w", err)
	}

	return nil
}

// SetRecordingURL stores the recording object key of a session and flags it as recorded
func (r *SessionRepository) SetRecordingURL(ctx context.Context, sessionID uuid.UUID, recordingURL string) error {
	query := `
		UPDATE rtc_sessions
		SET recording_url = $2, recording_enabled = TRUE, updated_at = now()
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query, sessionID, recordingURL)
	if err != nil {
		return fmt.Errorf("failed to set recording url: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSessionNotFound
	}

	return nil
}

// ListParticipants lists memberships of a session, oldest first
func (r *SessionRepository) ListParticipants(ctx context.Context, sessionID uuid.UUID, onlineOnly bool) ([]*domain.Participant, error) {
	query := `SELECT` + participantColumns + `
		FROM rtc_participants p
		JOIN rtc_sessions s ON s.id = p.session_id
		WHERE p.session_id = $1 AND ($2 = false OR p.leave_time IS NULL)
		ORDER BY p.join_time ASC
	`

	rows, err := r.pool.Query(ctx, query, sessionID, onlineOnly)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	defer rows.Close()

	return collectParticipants(rows)
}

// GetActiveParticipations lists the user's open memberships in active sessions
func (r *SessionRepository) GetActiveParticipations(ctx context.Context, userID string) ([]*domain.Participant, error) {
	query := `SELECT` + participantColumns + `
		FROM rtc_participants p
		JOIN rtc_sessions s ON s.id = p.session_id
		WHERE p.user_id = $1 AND p.leave_time IS NULL AND s.status = 'active'
		ORDER BY p.join_time DESC
	`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get active participations: %w", err)
	}
	defer rows.Close()

	return collectParticipants(rows)
}

// GetUserSessions lists sessions the user took part in, newest first
func (r *SessionRepository) GetUserSessions(ctx context.Context, userID string, limit, offset int) ([]*domain.Session, error) {
	query := `SELECT` + sessionColumns + `
		FROM rtc_sessions s
		WHERE EXISTS (
			SELECT 1 FROM rtc_participants p
			WHERE p.session_id = s.id AND p.user_id = $1
		)
		ORDER BY s.created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get user sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]*domain.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}

	return sessions, nil
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	session := &domain.Session{}
	err := row.Scan(
		&session.ID,
		&session.RoomName,
		&session.Title,
		&session.InitiatorID,
		&session.SessionType,
		&session.MaxParticipants,
		&session.StartTime,
		&session.EndTime,
		&session.Status,
		&session.RecordingEnabled,
		&session.RecordingURL,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func scanParticipant(row pgx.Row) (*domain.Participant, error) {
	participant := &domain.Participant{}
	err := row.Scan(
		&participant.ID,
		&participant.SessionID,
		&participant.RoomName,
		&participant.UserID,
		&participant.JoinTime,
		&participant.LeaveTime,
		&participant.Role,
		&participant.Duration,
	)
	if err != nil {
		return nil, err
	}
	return participant, nil
}

func collectParticipants(rows pgx.Rows) ([]*domain.Participant, error) {
	participants := make([]*domain.Participant, 0)
	for rows.Next() {
		participant, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, participant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate participants: %w", err)
	}
	return participants, nil
}

package session

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"callsession-backend/internal/domain"
	"callsession-backend/internal/middleware"
	"callsession-backend/internal/service/session"
	"callsession-backend/pkg/pagination"
	"callsession-backend/pkg/response"
)

// Service is the part of the session orchestrator the handler drives
type Service interface {
	StartCall(ctx context.Context, input *session.StartCallInput, initiatorID string) (*session.SessionHandle, error)
	JoinCall(ctx context.Context, roomName, userID string) (*session.SessionHandle, error)
	LeaveCall(ctx context.Context, roomName, userID string) error
	GetSession(ctx context.Context, roomName string) (*domain.Session, error)
	ListParticipants(ctx context.Context, roomName string, onlineOnly bool) ([]*domain.Participant, error)
	OnlineCount(ctx context.Context, roomName string) (int, error)
	GetActiveSessions(ctx context.Context, userID string) ([]*domain.Participant, error)
	GetUserHistory(ctx context.Context, userID string, limit, offset int) ([]*domain.Session, error)
	ReconcileRoomFinished(ctx context.Context, roomName string) error
	AttachRecording(ctx context.Context, roomName, objectKey string) error
	GetRecordingURL(ctx context.Context, roomName string) (string, error)
}

// Handler handles call session HTTP requests
type Handler struct {
	sessionService Service
}

// NewHandler creates a new session handler
func NewHandler(sessionService Service) *Handler {
	return &Handler{
		sessionService: sessionService,
	}
}

// StartCallRequest represents call start request
type StartCallRequest struct {
	SessionType      string   `json:"session_type"`
	Title            string   `json:"title" binding:"max=200"`
	MaxParticipants  *int     `json:"max_participants"`
	RecordingEnabled bool     `json:"recording_enabled"`
	TargetUserIDs    []string `json:"target_user_ids" binding:"max=100,dive,required"`
}

// RoomRequest names the room to join or leave
type RoomRequest struct {
	RoomName string `json:"room_name" binding:"required"`
}

// RecordingRequest attaches a recording object to a room
type RecordingRequest struct {
	ObjectKey string `json:"object_key" binding:"required"`
}

// StartCall creates a room and joins the caller as host
// POST /v1/rtc/call/start
func (h *Handler) StartCall(c *gin.Context) {
	var req StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID := middleware.UserID(c)
	if userID == "" {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	handle, err := h.sessionService.StartCall(c.Request.Context(), &session.StartCallInput{
		SessionType:      req.SessionType,
		Title:            req.Title,
		MaxParticipants:  req.MaxParticipants,
		RecordingEnabled: req.RecordingEnabled,
		TargetUserIDs:    req.TargetUserIDs,
	}, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, handle)
}

// JoinCall joins an active room
// POST /v1/rtc/call/join
func (h *Handler) JoinCall(c *gin.Context) {
	var req RoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID := middleware.UserID(c)
	if userID == "" {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	handle, err := h.sessionService.JoinCall(c.Request.Context(), req.RoomName, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, handle)
}

// LeaveCall leaves a room. Leaving twice is not an error.
// POST /v1/rtc/call/leave
func (h *Handler) LeaveCall(c *gin.Context) {
	var req RoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID := middleware.UserID(c)
	if userID == "" {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	if err := h.sessionService.LeaveCall(c.Request.Context(), req.RoomName, userID); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message":   "Left call",
		"room_name": req.RoomName,
	})
}

// GetRoom returns the session and its authoritative online count
// GET /v1/rtc/room/:roomName
func (h *Handler) GetRoom(c *gin.Context) {
	roomName := c.Param("roomName")

	sess, err := h.sessionService.GetSession(c.Request.Context(), roomName)
	if err != nil {
		response.FromError(c, err)
		return
	}

	online, err := h.sessionService.OnlineCount(c.Request.Context(), roomName)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"session":      sess,
		"online_count": online,
	})
}

// ListParticipants lists a room's participants, optionally only those online
// GET /v1/rtc/room/:roomName/participants?online=true
func (h *Handler) ListParticipants(c *gin.Context) {
	onlineOnly, _ := strconv.ParseBool(c.Query("online"))

	participants, err := h.sessionService.ListParticipants(c.Request.Context(), c.Param("roomName"), onlineOnly)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if participants == nil {
		participants = []*domain.Participant{}
	}

	response.Success(c, http.StatusOK, gin.H{
		"participants": participants,
		"count":        len(participants),
	})
}

// GetRecording returns a presigned download URL for the room's recording
// GET /v1/rtc/room/:roomName/recording
func (h *Handler) GetRecording(c *gin.Context) {
	url, err := h.sessionService.GetRecordingURL(c.Request.Context(), c.Param("roomName"))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"url": url})
}

// GetCurrent returns the caller's open participations
// GET /v1/rtc/user/current
func (h *Handler) GetCurrent(c *gin.Context) {
	userID := middleware.UserID(c)
	if userID == "" {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	active, err := h.sessionService.GetActiveSessions(c.Request.Context(), userID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if active == nil {
		active = []*domain.Participant{}
	}

	response.Success(c, http.StatusOK, gin.H{"sessions": active})
}

// GetHistory pages through sessions the caller took part in
// GET /v1/rtc/user/history?limit=20&offset=0
func (h *Handler) GetHistory(c *gin.Context) {
	userID := middleware.UserID(c)
	if userID == "" {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	page, err := pagination.Parse(c.Query("limit"), c.Query("offset"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	sessions, err := h.sessionService.GetUserHistory(c.Request.Context(), userID, page.Limit, page.Offset)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if sessions == nil {
		sessions = []*domain.Session{}
	}

	response.Success(c, http.StatusOK, gin.H{
		"sessions": sessions,
		"limit":    page.Limit,
		"offset":   page.Offset,
	})
}

// RoomFinished reconciles a room the media server reports as finished
// POST /v1/rtc/internal/rooms/:roomName/finished
func (h *Handler) RoomFinished(c *gin.Context) {
	roomName := c.Param("roomName")
	if err := h.sessionService.ReconcileRoomFinished(c.Request.Context(), roomName); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"room_name": roomName})
}

// AttachRecording records the object key of a finished recording
// POST /v1/rtc/internal/rooms/:roomName/recording
func (h *Handler) AttachRecording(c *gin.Context) {
	var req RecordingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	roomName := c.Param("roomName")
	if err := h.sessionService.AttachRecording(c.Request.Context(), roomName, req.ObjectKey); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"room_name": roomName})
}

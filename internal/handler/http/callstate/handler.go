package callstate

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"callsession-backend/internal/domain"
	"callsession-backend/internal/middleware"
	"callsession-backend/internal/service/callstate"
	"callsession-backend/pkg/response"
)

// Machine is the part of the call state machine exposed over HTTP
type Machine interface {
	SetState(ctx context.Context, roomName, userID string, target domain.CallState) (callstate.Transition, error)
	GetStateRecord(ctx context.Context, roomName, userID string) (*domain.CallStateRecord, error)
	GetStateHistory(ctx context.Context, roomName, userID string) ([]domain.StateHistoryEntry, error)
	ClearState(ctx context.Context, roomName, userID string) error
}

// Handler handles the caller's own call state in a room
type Handler struct {
	machine Machine
}

// NewHandler creates a new call state handler
func NewHandler(machine Machine) *Handler {
	return &Handler{machine: machine}
}

// SetStateRequest names the target state
type SetStateRequest struct {
	State string `json:"state" binding:"required"`
}

// GetState returns the caller's current state and recent transitions
// GET /v1/rtc/state/:roomName
func (h *Handler) GetState(c *gin.Context) {
	userID := middleware.UserID(c)
	if userID == "" {
		response.Unauthorized(c, "Not authenticated")
		return
	}
	roomName := c.Param("roomName")

	record, err := h.machine.GetStateRecord(c.Request.Context(), roomName, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	history, err := h.machine.GetStateHistory(c.Request.Context(), roomName, userID)
	if err != nil {
		response.FromError(c, err)
		return
	}
	if history == nil {
		history = []domain.StateHistoryEntry{}
	}

	response.Success(c, http.StatusOK, gin.H{
		"state":     record.State,
		"timestamp": record.Timestamp,
		"history":   history,
	})
}

// SetState moves the caller to a new state. A transition the table does
// not allow is answered with 409 INVALID_STATE_TRANSITION.
// POST /v1/rtc/state/:roomName
func (h *Handler) SetState(c *gin.Context) {
	var req SetStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	target, ok := domain.ParseCallState(req.State)
	if !ok {
		response.ValidationError(c, "Unknown call state: "+req.State)
		return
	}

	userID := middleware.UserID(c)
	if userID == "" {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	transition, err := callstate.Require(h.machine.SetState(c.Request.Context(), c.Param("roomName"), userID, target))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, transition)
}

// ClearState forgets the caller's state in the room
// DELETE /v1/rtc/state/:roomName
func (h *Handler) ClearState(c *gin.Context) {
	userID := middleware.UserID(c)
	if userID == "" {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	if err := h.machine.ClearState(c.Request.Context(), c.Param("roomName"), userID); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"state": domain.CallStateIdle})
}

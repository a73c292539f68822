package handlers

import (
	"github.com/gin-gonic/gin"

	"teleconsult-server/internal/models"
	"teleconsult-server/internal/services"
	"teleconsult-server/internal/utils"
)

// SessionHandler exposes the consultation timer.
type SessionHandler struct {
	Sessions *services.SessionService
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessions *services.SessionService) *SessionHandler {
	return &SessionHandler{Sessions: sessions}
}

// StartSessionRequest represents the request body for starting a session.
type StartSessionRequest struct {
	AppointmentID string `json:"appointmentId" binding:"required"`
}

// SessionRequest identifies a running session.
type SessionRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
}

// EndSessionRequest represents the request body for ending a session.
type EndSessionRequest struct {
	SessionID string `json:"sessionId" binding:"required"`
	Reason    string `json:"reason" binding:"omitempty,oneof=manual timeout"`
}

// StartSession opens (or returns) the session of a confirmed appointment.
func (h *SessionHandler) StartSession(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	var req StartSessionRequest
	if !utils.BindAndValidate(c, &req) {
		return
	}
	session, err := h.Sessions.StartSession(c.Request.Context(), actor, req.AppointmentID)
	if err != nil {
		utils.FromError(c, err)
		return
	}
	utils.Success(c, "Session started successfully", session)
}

// Heartbeat records activity and returns the remaining time.
func (h *SessionHandler) Heartbeat(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	var req SessionRequest
	if !utils.BindAndValidate(c, &req) {
		return
	}
	session, err := h.Sessions.Heartbeat(c.Request.Context(), actor, req.SessionID)
	if err != nil {
		utils.FromError(c, err)
		return
	}
	utils.Success(c, "Session updated successfully", session)
}

// EndSession ends a session. Ending an ended session returns it unchanged.
func (h *SessionHandler) EndSession(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	var req EndSessionRequest
	if !utils.BindAndValidate(c, &req) {
		return
	}
	reason := models.EndManual
	if req.Reason != "" {
		reason = models.EndReason(req.Reason)
	}
	session, err := h.Sessions.EndSession(c.Request.Context(), actor, req.SessionID, reason)
	if err != nil {
		utils.FromError(c, err)
		return
	}
	utils.Success(c, "Session ended successfully", session)
}

// GetSession returns a session by id.
func (h *SessionHandler) GetSession(c *gin.Context) {
	actor, ok := actorOrAbort(c)
	if !ok {
		return
	}
	session, err := h.Sessions.GetSession(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		utils.FromError(c, err)
		return
	}
	utils.Success(c, "Session fetched successfully", session)
}

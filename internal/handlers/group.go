package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"messaging-service/internal/messaging"
	"messaging-service/internal/telemetry"
)

// GroupHandler manages group-related endpoints.
type GroupHandler struct {
	svc   *messaging.Service
	audit *telemetry.AuditEmitter
}

// NewGroupHandler constructs a GroupHandler. audit may be nil.
func NewGroupHandler(svc *messaging.Service, audit *telemetry.AuditEmitter) *GroupHandler {
	return &GroupHandler{svc: svc, audit: audit}
}

type membersRequest struct {
	ParticipantIDs []string          `json:"participant_ids" binding:"required"`
	Names          map[string]string `json:"names"`
}

// CreateGroup handles POST /groups.
func (h *GroupHandler) CreateGroup(c *gin.Context) {
	var req struct {
		membersRequest
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.emitAudit(c, "ERROR", "invalid group payload")
		badRequest(c, err.Error())
		return
	}

	id, err := h.svc.CreateGroup(c.Request.Context(), callerID(c), req.ParticipantIDs, req.Names, req.Name)
	if err != nil {
		h.emitAudit(c, "WARN", "group creation rejected: "+err.Error())
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversation_id": id})
}

// AddParticipants handles POST /groups/:conversation_id/participants.
func (h *GroupHandler) AddParticipants(c *gin.Context) {
	var req membersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	conv, err := h.svc.AddParticipants(c.Request.Context(), callerID(c), c.Param("conversation_id"), req.ParticipantIDs, req.Names)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// RemoveParticipant handles DELETE /groups/:conversation_id/participants/:account_id.
func (h *GroupHandler) RemoveParticipant(c *gin.Context) {
	conv, err := h.svc.RemoveParticipant(c.Request.Context(), callerID(c), c.Param("conversation_id"), c.Param("account_id"))
	if err != nil {
		h.emitAudit(c, "WARN", "participant removal rejected: "+err.Error())
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

// Leave handles POST /groups/:conversation_id/leave.
func (h *GroupHandler) Leave(c *gin.Context) {
	if _, err := h.svc.Leave(c.Request.Context(), callerID(c), c.Param("conversation_id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// UpdateGroup handles PATCH /groups/:conversation_id. Name and avatar are
// applied independently; either may be omitted.
func (h *GroupHandler) UpdateGroup(c *gin.Context) {
	var req struct {
		Name   *string `json:"name"`
		Avatar *string `json:"avatar"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Name == nil && req.Avatar == nil {
		badRequest(c, "nothing to update")
		return
	}

	ctx := c.Request.Context()
	caller, id := callerID(c), c.Param("conversation_id")
	if req.Name != nil {
		if _, err := h.svc.Rename(ctx, caller, id, *req.Name); err != nil {
			respondError(c, err)
			return
		}
	}
	if req.Avatar != nil {
		if _, err := h.svc.UpdateAvatar(ctx, caller, id, *req.Avatar); err != nil {
			respondError(c, err)
			return
		}
	}

	view, err := h.svc.GetConversation(ctx, caller, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *GroupHandler) emitAudit(c *gin.Context, level, text string) {
	if h.audit == nil {
		return
	}
	h.audit.Emit(c.Request.Context(), level, text, requestIDFromContext(c), accountIDFromContext(c))
}

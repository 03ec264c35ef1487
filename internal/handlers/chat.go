package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"messaging-service/internal/messaging"
	"messaging-service/internal/models"
)

// ChatHandler serves conversation and message endpoints.
type ChatHandler struct {
	svc *messaging.Service
}

// NewChatHandler builds a ChatHandler.
func NewChatHandler(svc *messaging.Service) *ChatHandler {
	return &ChatHandler{svc: svc}
}

// ListConversations returns the caller's inbox.
func (h *ChatHandler) ListConversations(c *gin.Context) {
	views, err := h.svc.ListConversations(c.Request.Context(), callerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": views})
}

// GetConversation returns one conversation as the caller sees it.
func (h *ChatHandler) GetConversation(c *gin.Context) {
	view, err := h.svc.GetConversation(c.Request.Context(), callerID(c), c.Param("conversation_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// StartDirect returns the direct conversation with another account,
// creating it when needed.
func (h *ChatHandler) StartDirect(c *gin.Context) {
	var req struct {
		AccountID string `json:"account_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	id, err := h.svc.GetOrCreateDirect(c.Request.Context(), callerID(c), req.AccountID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": id})
}

// CanMessage reports whether the caller may start a conversation with an
// account and why not.
func (h *ChatHandler) CanMessage(c *gin.Context) {
	decision, err := h.svc.CanMessage(c.Request.Context(), callerID(c), c.Param("account_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, decision)
}

// ListMessages returns the newest messages of a conversation, oldest first.
func (h *ChatHandler) ListMessages(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, "invalid limit")
			return
		}
		limit = n
	}

	msgs, err := h.svc.ListMessages(c.Request.Context(), callerID(c), c.Param("conversation_id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// PostMessage sends into an existing conversation.
func (h *ChatHandler) PostMessage(c *gin.Context) {
	var draft messaging.Draft
	if err := c.ShouldBindJSON(&draft); err != nil {
		badRequest(c, err.Error())
		return
	}

	msg, err := h.svc.Send(c.Request.Context(), callerID(c), c.Param("conversation_id"), draft)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// PostDirectMessage sends to an account, resolving the direct conversation
// first.
func (h *ChatHandler) PostDirectMessage(c *gin.Context) {
	var draft messaging.Draft
	if err := c.ShouldBindJSON(&draft); err != nil {
		badRequest(c, err.Error())
		return
	}

	msg, err := h.svc.SendDirect(c.Request.Context(), callerID(c), c.Param("account_id"), draft)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// MarkRead clears the caller's unread count.
func (h *ChatHandler) MarkRead(c *gin.Context) {
	st, err := h.svc.MarkRead(c.Request.Context(), callerID(c), c.Param("conversation_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// SetTyping records a typing indicator.
func (h *ChatHandler) SetTyping(c *gin.Context) {
	var req struct {
		Typing bool `json:"typing"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.svc.SetTyping(c.Request.Context(), callerID(c), c.Param("conversation_id"), req.Typing); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// UpdateState applies the per-participant flags present in the body.
func (h *ChatHandler) UpdateState(c *gin.Context) {
	var req struct {
		Muted    *bool `json:"muted"`
		Pinned   *bool `json:"pinned"`
		Archived *bool `json:"archived"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Muted == nil && req.Pinned == nil && req.Archived == nil {
		badRequest(c, "nothing to update")
		return
	}

	ctx := c.Request.Context()
	caller, id := callerID(c), c.Param("conversation_id")
	var (
		st  models.ParticipantState
		err error
	)
	if req.Muted != nil {
		if st, err = h.svc.SetMuted(ctx, caller, id, *req.Muted); err != nil {
			respondError(c, err)
			return
		}
	}
	if req.Pinned != nil {
		if st, err = h.svc.SetPinned(ctx, caller, id, *req.Pinned); err != nil {
			respondError(c, err)
			return
		}
	}
	if req.Archived != nil {
		if st, err = h.svc.SetArchived(ctx, caller, id, *req.Archived); err != nil {
			respondError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, st)
}

// DeleteConversationForMe hides a conversation for the caller only.
func (h *ChatHandler) DeleteConversationForMe(c *gin.Context) {
	if _, err := h.svc.DeleteForMe(c.Request.Context(), callerID(c), c.Param("conversation_id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RestoreConversation undoes DeleteConversationForMe.
func (h *ChatHandler) RestoreConversation(c *gin.Context) {
	st, err := h.svc.Restore(c.Request.Context(), callerID(c), c.Param("conversation_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// EditMessage replaces the text of the caller's own message.
func (h *ChatHandler) EditMessage(c *gin.Context) {
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	msg, err := h.svc.Edit(c.Request.Context(), callerID(c), c.Param("message_id"), req.Text)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// DeleteMessage tombstones the caller's own message for everyone.
func (h *ChatHandler) DeleteMessage(c *gin.Context) {
	msg, err := h.svc.Delete(c.Request.Context(), callerID(c), c.Param("message_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// ReactToMessage sets or clears the caller's reaction. An empty emoji clears.
func (h *ChatHandler) ReactToMessage(c *gin.Context) {
	var req struct {
		Emoji string `json:"emoji"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	msg, err := h.svc.React(c.Request.Context(), callerID(c), c.Param("message_id"), req.Emoji)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

// FlagMessage pins or stars a message.
func (h *ChatHandler) FlagMessage(c *gin.Context) {
	var req struct {
		Pinned  *bool `json:"pinned"`
		Starred *bool `json:"starred"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Pinned == nil && req.Starred == nil {
		badRequest(c, "nothing to update")
		return
	}

	ctx := c.Request.Context()
	caller, id := callerID(c), c.Param("message_id")
	var (
		msg models.Message
		err error
	)
	if req.Pinned != nil {
		if msg, err = h.svc.SetMessagePinned(ctx, caller, id, *req.Pinned); err != nil {
			respondError(c, err)
			return
		}
	}
	if req.Starred != nil {
		if msg, err = h.svc.SetMessageStarred(ctx, caller, id, *req.Starred); err != nil {
			respondError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, msg)
}

package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"messaging-service/internal/messaging"
	"messaging-service/internal/models"
)

// RequestHandler serves the message request inbox.
type RequestHandler struct {
	svc *messaging.Service
}

// NewRequestHandler builds a RequestHandler.
func NewRequestHandler(svc *messaging.Service) *RequestHandler {
	return &RequestHandler{svc: svc}
}

// ListRequests returns the caller's pending requests.
func (h *RequestHandler) ListRequests(c *gin.Context) {
	reqs, err := h.svc.ListRequests(c.Request.Context(), callerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": reqs})
}

// Accept handles POST /requests/:request_id/accept.
func (h *RequestHandler) Accept(c *gin.Context) { h.answer(c, h.svc.Accept) }

// Decline handles POST /requests/:request_id/decline.
func (h *RequestHandler) Decline(c *gin.Context) { h.answer(c, h.svc.Decline) }

// Block handles POST /requests/:request_id/block.
func (h *RequestHandler) Block(c *gin.Context) { h.answer(c, h.svc.Block) }

func (h *RequestHandler) answer(c *gin.Context, fn func(context.Context, string, string) (models.ParticipantState, error)) {
	st, err := fn(c.Request.Context(), callerID(c), c.Param("request_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

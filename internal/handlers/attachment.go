package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"messaging-service/internal/errs"
	"messaging-service/internal/storage"
)

// AttachmentHandler accepts photo uploads and returns references that can be
// placed in a message draft.
type AttachmentHandler struct {
	uploader storage.Uploader
	maxBytes int64
}

// NewAttachmentHandler builds an AttachmentHandler.
func NewAttachmentHandler(uploader storage.Uploader, maxBytes int64) *AttachmentHandler {
	return &AttachmentHandler{uploader: uploader, maxBytes: maxBytes}
}

// Upload handles POST /attachments with a multipart "file" field.
func (h *AttachmentHandler) Upload(c *gin.Context) {
	if h.maxBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes+1<<10)
	}
	fh, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "file is required")
		return
	}
	if h.maxBytes > 0 && fh.Size > h.maxBytes {
		badRequest(c, "attachment is too large")
		return
	}

	f, err := fh.Open()
	if err != nil {
		respondError(c, errs.Wrap("attachments.upload", errs.UploadFailed, err))
		return
	}
	defer f.Close()

	att, err := h.uploader.Upload(c.Request.Context(), callerID(c), fh.Header.Get("Content-Type"), f, fh.Size)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, att)
}

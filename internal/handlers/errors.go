package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"messaging-service/internal/errs"
	"messaging-service/internal/logger"
	"messaging-service/internal/middleware"
)

var statusByKind = map[errs.Kind]int{
	errs.NotAuthenticated:     http.StatusUnauthorized,
	errs.InvalidInput:         http.StatusBadRequest,
	errs.PermissionDenied:     http.StatusForbidden,
	errs.UserBlocked:          http.StatusForbidden,
	errs.FollowRequired:       http.StatusForbidden,
	errs.MessagesNotAllowed:   http.StatusForbidden,
	errs.ConversationNotFound: http.StatusNotFound,
	errs.MessageNotFound:      http.StatusNotFound,
	errs.UploadFailed:         http.StatusBadGateway,
	errs.NetworkError:         http.StatusServiceUnavailable,
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(err error) int {
	if status, ok := statusByKind[errs.KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		l := logger.WithRequestID(c.GetString(middleware.RequestIDKey))
		l.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{
		"error":     errs.Message(err),
		"kind":      errs.KindOf(err),
		"retryable": errs.Retryable(err),
	})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "kind": errs.InvalidInput, "retryable": false})
}

func callerID(c *gin.Context) string {
	return c.GetString(middleware.AccountIDKey)
}

package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"messaging-service/internal/models"
	"messaging-service/internal/telemetry"
)

// TokenIssuer signs bearer tokens for an account.
type TokenIssuer interface {
	Issue(accountID string, ttl time.Duration) (string, error)
}

// AccountSeeder writes identity data directly. Only the in-memory identity
// store implements it.
type AccountSeeder interface {
	Put(acc models.Account)
	Follow(followerID, followeeID string)
}

// RegisterDebugRoutes wires debug-only endpoints. seeder may be nil.
func RegisterDebugRoutes(router gin.IRouter, emitter *telemetry.AuditEmitter, issuer TokenIssuer, seeder AccountSeeder, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), "INFO", "audit test", requestIDFromContext(c), accountIDFromContext(c))
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/debug/tokens/:account_id", func(c *gin.Context) {
		token, err := issuer.Issue(c.Param("account_id"), 24*time.Hour)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not sign token"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token})
	})

	if seeder == nil {
		return
	}
	router.PUT("/debug/accounts/:account_id", func(c *gin.Context) {
		var acc models.Account
		if err := c.ShouldBindJSON(&acc); err != nil {
			badRequest(c, err.Error())
			return
		}
		acc.ID = c.Param("account_id")
		seeder.Put(acc)
		c.JSON(http.StatusOK, acc)
	})
	router.POST("/debug/follows", func(c *gin.Context) {
		var req struct {
			FollowerID string `json:"follower_id" binding:"required"`
			FolloweeID string `json:"followee_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		seeder.Follow(req.FollowerID, req.FolloweeID)
		c.Status(http.StatusNoContent)
	})
}

// Package middleware provides the Gin middleware in front of the workflow API.
//
// Middleware ordering is enforced in internal/api/router.go:
//
//	RequestID → Metrics → Security → AuditContext → Auth → RateLimit → PermissionCache → Handler
//
// AuditContext runs before Auth so that a rejected token is still traceable by
// request id. Rate limiting keys on the authenticated actor, so it follows Auth.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/qms-lifecycle/qms-lifecycle/internal/auth"
	"github.com/qms-lifecycle/qms-lifecycle/internal/db/models"
)

// Context keys set by AuthMiddleware
const (
	ActorKey   = "actor"
	ActorIDKey = "actor_id"
)

// UserLookup loads the actor named by a token
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
}

// AuthMiddleware requires a valid bearer JWT whose subject is an active user
func AuthMiddleware(users UserLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing authorization header"})
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header must start with 'Bearer '"})
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization token is empty"})
			return
		}

		claims, err := auth.ValidateJWT(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			return
		}

		user, err := users.GetUser(c.Request.Context(), claims.ActorID)
		if err != nil {
			slog.Error("failed to load actor", "actor_id", claims.ActorID, "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to load user"})
			return
		}
		// Deactivated users keep valid tokens until expiry, so the store decides.
		if user == nil || !user.IsActive {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "User not found or inactive"})
			return
		}

		c.Set(ActorKey, user)
		c.Set(ActorIDKey, user.ID)
		c.Next()
	}
}

// ActorID returns the authenticated actor id, or "" outside AuthMiddleware
func ActorID(c *gin.Context) string {
	return c.GetString(ActorIDKey)
}

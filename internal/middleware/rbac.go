// rbac.go scopes permission evaluation to a single request.
package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
)

// RequestCacher wraps a context with a per-request grant cache
type RequestCacher interface {
	WithRequestCache(ctx context.Context) context.Context
}

// PermissionCacheMiddleware gives each request its own grant cache, so an actor's
// grants are read once per request however many checks the handler performs.
// Nothing outlives the request, so revoked grants take effect on the next call.
func PermissionCacheMiddleware(perms RequestCacher) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(perms.WithRequestCache(c.Request.Context()))
		c.Next()
	}
}

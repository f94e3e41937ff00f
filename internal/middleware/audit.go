// audit.go attaches client details to the request context so every audit entry
// written while serving the request records who called and from where.
package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/qms-lifecycle/qms-lifecycle/internal/audit"
)

// AuditContextMiddleware stores the client IP, user agent and request id as
// audit.RequestInfo on the request context
func AuditContextMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		info := audit.RequestInfo{
			ClientIP:    c.ClientIP(),
			ClientAgent: c.Request.UserAgent(),
			RequestID:   c.GetString(RequestIDKey),
		}
		c.Request = c.Request.WithContext(audit.WithRequestInfo(c.Request.Context(), info))
		c.Next()
	}
}

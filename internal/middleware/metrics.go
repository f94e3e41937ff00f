package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/qms-lifecycle/qms-lifecycle/internal/telemetry"
)

// noRoute labels requests that matched no route, keeping raw URLs out of label values
const noRoute = "<no-route>"

// MetricsMiddleware records http_requests_total and http_request_duration_seconds.
// The path label is the route template (/api/v1/workflows/:id), never the raw URL.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = noRoute
		}
		method := c.Request.Method
		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

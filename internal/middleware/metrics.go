package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/iam-gate-api/internal/service"
)

// unmatchedRoute labels requests that hit no registered route, keeping the
// label set bounded when clients probe arbitrary paths.
const unmatchedRoute = "unmatched"

// Metrics observes latency and status per registered route. Scrapes of the
// metrics endpoint itself are not counted.
func Metrics(metricsSvc *service.MetricsService, scrapePath string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if metricsSvc == nil || c.Request.URL.Path == scrapePath {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		metricsSvc.ObserveHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

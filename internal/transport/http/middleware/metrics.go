package middleware

import (
	"strconv"
	"time"

	"github.com/ErlanBelekov/pro-entitlements/internal/metrics"
	"github.com/gin-gonic/gin"
)

const unmatchedRoute = "unmatched"

// Metrics records latency and count per route template. Status is reported
// by class and the caller as signed_in or anonymous, so an entitlement check
// from a browser without a session is distinguishable from one with a
// session without labelling by identity.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		caller := "anonymous"
		if _, ok := Identity(c); ok {
			caller = "signed_in"
		}
		labels := []string{c.Request.Method, route, statusClass(c.Writer.Status()), caller}

		metrics.HTTPRequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
		metrics.HTTPRequestsTotal.WithLabelValues(labels...).Inc()
	}
}

func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}

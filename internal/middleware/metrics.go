package middleware

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/hybridrag/internal/metrics"
)

// Metrics counts requests by route template, never by raw path.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

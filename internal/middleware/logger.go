package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// RequestLogger logs one line per HTTP request after it completes.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		fields := log.Fields{
			"status":     status,
			"latency_ms": float64(latency.Microseconds()) / 1000.0,
			"method":     method,
			"path":       path,
			"client_ip":  c.ClientIP(),
		}
		if rid, ok := c.Get("request_id"); ok {
			fields["request_id"] = rid
		}
		if model, ok := c.Get("model"); ok {
			fields["model"] = model
		}
		if provider, ok := c.Get("provider"); ok {
			fields["provider"] = provider
		}

		entry := log.WithFields(fields)
		switch {
		case status >= 500:
			entry.Error("HTTP request")
		case status >= 400:
			entry.Warn("HTTP request")
		default:
			entry.Info("HTTP request")
		}
	}
}

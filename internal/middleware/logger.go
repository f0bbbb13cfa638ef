package middleware

import (
	"time"

	"github.com/asjohnston-asf/harmony/internal/logger"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RequestLogger logs each HTTP request through the application logger with
// structured fields. Server errors are logged at error level so request
// failures surface in the same stream as the component logs.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		fields := logrus.Fields{
			"component":  "api",
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  c.ClientIP(),
		}
		if username, exists := c.Get("username"); exists {
			fields["username"] = username
		}
		if len(c.Errors) > 0 {
			fields["errors"] = c.Errors.String()
		}

		entry := logger.GetLogger().WithFields(fields)
		if c.Writer.Status() >= 500 {
			entry.Error("Request failed")
		} else {
			entry.Info("Request handled")
		}
	}
}

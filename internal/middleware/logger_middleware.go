package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
)

// RequestLogger - Gin middleware для логирования запросов
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		// query не логируем: в redirect-параметрах бывают адреса пользователя
		path := c.Request.URL.Path

		c.Next()

		fields := []interface{}{
			"status_code", c.Writer.Status(),
			"method", c.Request.Method,
			"path", path,
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
			"user_agent", c.Request.UserAgent(),
		}
		if p, ok := PrincipalFrom(c); ok {
			fields = append(fields, "userID", p.UserID)
		}
		if len(c.Errors) > 0 {
			fields = append(fields, "errors", c.Errors.String())
		}

		switch status := c.Writer.Status(); {
		case status >= 500:
			log.Errorw("Request handled", fields...)
		case status >= 400:
			log.Warnw("Request handled", fields...)
		default:
			log.Infow("Request handled", fields...)
		}
	}
}

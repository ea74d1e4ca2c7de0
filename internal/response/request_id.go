package response

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContextKeyRequestID is the Gin context key for the request ID.
const ContextKeyRequestID = "request_id"

// RequestIDMiddleware tags every request with an ID (taken from X-Request-ID
// when the client sent one), attaches a request-scoped logger to the request
// context and writes one access line per request.
func RequestIDMiddleware(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Set(ContextKeyRequestID, reqID)
		c.Header("X-Request-ID", reqID)

		reqLog := log.With().Str("request_id", reqID).Logger()
		c.Request = c.Request.WithContext(reqLog.WithContext(c.Request.Context()))

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		ev := reqLog.Info()
		if status >= 500 {
			ev = reqLog.Error()
		} else if status >= 400 {
			ev = reqLog.Warn()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Msg("Request handled")
	}
}

package middleware

import (
	"time"

	"saas-fulfillment/pkg/logging"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CorrelationHeader is echoed on every response
const CorrelationHeader = "X-Correlation-ID"

// CorrelationID attaches a correlation id to the request context. The
// marketplace's x-ms-correlationid is reused when present.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(CorrelationHeader)
		if id == "" {
			id = c.GetHeader("x-ms-correlationid")
		}
		if id == "" {
			id = uuid.NewString()
		}
		c.Request = c.Request.WithContext(logging.WithCorrelationID(c.Request.Context(), id))
		c.Header(CorrelationHeader, id)
		c.Next()
	}
}

// RequestLogger logs one line per request through zerolog
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		evt := logging.Ctx(c.Request.Context()).Info()
		if status >= 500 {
			evt = logging.Ctx(c.Request.Context()).Error()
		} else if status >= 400 {
			evt = logging.Ctx(c.Request.Context()).Warn()
		}
		evt.Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}

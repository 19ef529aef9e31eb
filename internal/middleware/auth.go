package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"saas-fulfillment/internal/response"
	"saas-fulfillment/pkg/logging"

	"github.com/gin-gonic/gin"
)

// APIKeyHeader is the header carrying the caller's API key
const APIKeyHeader = "X-API-Key"

// APIKeyAuthMiddleware requires the X-API-Key header (or a bearer token) to
// equal key. When optional is true and no key is configured every request is
// let through; otherwise an unconfigured key rejects everything.
func APIKeyAuthMiddleware(key string, optional bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			if optional {
				c.Next()
				return
			}
			c.JSON(http.StatusForbidden, response.Error("API disabled"))
			c.Abort()
			return
		}

		apiKey := c.GetHeader(APIKeyHeader)
		if apiKey == "" {
			apiKey = BearerToken(c.GetHeader("Authorization"))
		}
		if apiKey == "" {
			c.JSON(http.StatusUnauthorized, response.Error("Missing api key"))
			c.Abort()
			return
		}
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) != 1 {
			logging.Ctx(c.Request.Context()).Warn().Str("path", c.FullPath()).Msg("invalid api key")
			c.JSON(http.StatusUnauthorized, response.Error("Invalid api key"))
			c.Abort()
			return
		}

		c.Set("request_time", time.Now())
		c.Next()
	}
}

// BearerToken extracts the token of an "Authorization: Bearer" header value
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// OriginFilter gates browser traffic on an allowlist and emits the CORS
// headers the conversations API needs. Requests without an Origin header
// pass through untouched: headless agents and curl are not browsers, and
// the websocket upgrader defers its origin decision to this middleware.
func OriginFilter(allowedOrigins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			// Older browsers sent the websocket origin under its own header.
			origin = c.GetHeader("Sec-WebSocket-Origin")
		}

		if origin != "" {
			if !originAllowed(origin, allowedOrigins) {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error": "Origin not allowed",
				})
				return
			}
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if origin == a {
			return true
		}
	}
	return false
}

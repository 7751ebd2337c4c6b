package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/StudioForgeAI/AgentStudio/backend/internal/shared/id"
)

// RequestIDHeader carries the per-request correlation id.
const RequestIDHeader = "X-Request-ID"

// RequestIDKey is the gin context key handlers read the id back from.
const RequestIDKey = "request_id"

// RequestID tags every request with a correlation id. An inbound
// X-Request-ID is kept so callers behind a tunnel can trace their own
// requests; otherwise a fresh id is minted. The id is echoed on the
// response and stored in the context for handler logging.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(RequestIDHeader)
		if rid == "" {
			rid = id.NewRequestID().String()
		}
		c.Set(RequestIDKey, rid)
		c.Writer.Header().Set(RequestIDHeader, rid)
		c.Next()
	}
}

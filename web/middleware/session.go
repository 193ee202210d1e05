package middleware

import (
	"github.com/gin-gonic/gin"
)

// SessionIDKey is the gin context key holding the current chat session id.
const SessionIDKey = "sessionID"

// CurrentSession reports the id of the session the client is viewing.
type CurrentSession interface {
	CurrentID() string
}

// SessionMiddleware stores the current session id in the request context.
func SessionMiddleware(sessions CurrentSession) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(SessionIDKey, sessions.CurrentID())
		c.Next()
	}
}

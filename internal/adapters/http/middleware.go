package http

import (
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/dkeye/SaleFeed/internal/domain"
)

const (
	sessionName  = "SaleFeedSessions"
	userIDKey    = "user_id"
	requestIDKey = "request_id"

	sessionMaxAge = 7 * 24 * 3600
)

func VersionMiddleware(version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Version", version)
		c.Next()
	}
}

// RequestIDMiddleware keeps the caller's X-Request-ID or mints one.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// currentUser reads the user id stored in the cookie session by login.
func currentUser(c *gin.Context) (domain.UserID, bool) {
	switch v := sessions.Default(c).Get(userIDKey).(type) {
	case int64:
		return domain.UserID(v), v > 0
	case int:
		return domain.UserID(v), v > 0
	}
	return 0, false
}

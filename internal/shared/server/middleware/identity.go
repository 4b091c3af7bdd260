package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"speechcoach-backend/internal/shared/server/respond"
)

const (
	ownerIDKey = "ownerId"
	isGuestKey = "isGuest"

	UserIDHeader  = "X-User-Id"
	GuestIDHeader = "X-Guest-Id"
)

// Identity reads the caller identity forwarded by the gateway. Authenticated
// users arrive as X-User-Id; unauthenticated trial flows send X-Guest-Id.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusNoContent)
			return
		}

		if userID := strings.TrimSpace(c.GetHeader(UserIDHeader)); userID != "" {
			c.Set(ownerIDKey, "user:"+userID)
			c.Set(isGuestKey, false)
			c.Next()
			return
		}

		guestID := strings.TrimSpace(c.GetHeader(GuestIDHeader))
		if guestID == "" {
			respond.Error(c, http.StatusUnauthorized, "unauthorized", "Missing identity", nil)
			return
		}
		c.Set(ownerIDKey, "guest:"+guestID)
		c.Set(isGuestKey, true)
		c.Next()
	}
}

// OwnerIDFromContext returns the identity stored by Identity.
func OwnerIDFromContext(c *gin.Context) string {
	if c == nil {
		return ""
	}
	return c.GetString(ownerIDKey)
}

// IsGuest reports whether the caller is an unauthenticated guest.
func IsGuest(c *gin.Context) bool {
	if c == nil {
		return false
	}
	return c.GetBool(isGuestKey)
}

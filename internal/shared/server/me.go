package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"speechcoach-backend/internal/shared/server/middleware"
	"speechcoach-backend/internal/shared/server/respond"
)

// registerMeRoutes attaches the /me endpoint.
func registerMeRoutes(rg *gin.RouterGroup) {
	rg.GET("/me", meHandler)
}

func meHandler(c *gin.Context) {
	ownerID := middleware.OwnerIDFromContext(c)
	if ownerID == "" {
		respond.Error(c, http.StatusUnauthorized, "unauthorized", "Missing identity", nil)
		return
	}
	respond.JSON(c, http.StatusOK, gin.H{
		"ownerId": ownerID,
		"isGuest": middleware.IsGuest(c),
	})
}

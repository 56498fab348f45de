package api

import (
	"errors"
	"net/http"
	"strconv"

	"storefront-service/internal/models"
	"storefront-service/internal/store"
	"storefront-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userHeader     = "X-User-ID"
	currentUserKey = "currentUser"
)

// requireUser resolves the acting user from the X-User-ID header. Token
// validation happens in front of this service.
func requireUser(users UserLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.GetHeader(userHeader), 10, 64)
		if err != nil || id <= 0 {
			abort(c, http.StatusUnauthorized, "Not authorized, no user")
			return
		}

		user, err := users.GetUserByID(c.Request.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			abort(c, http.StatusUnauthorized, "Not authorized, user not found")
			return
		}
		if err != nil {
			util.Named("api").Error("Failed to resolve user", zap.Int64("user_id", id), zap.Error(err))
			abort(c, http.StatusInternalServerError, "Internal server error")
			return
		}

		c.Set(currentUserKey, user)
		c.Next()
	}
}

// requireAdmin rejects non-admin users. It must run after requireUser.
func requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !currentUser(c).IsAdmin() {
			abort(c, http.StatusForbidden, "Access denied. Admin only.")
			return
		}
		c.Next()
	}
}

func currentUser(c *gin.Context) *models.User {
	v, ok := c.Get(currentUserKey)
	if !ok {
		return nil
	}
	user, _ := v.(*models.User)
	return user
}

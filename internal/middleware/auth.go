package middleware

import (
	"strings"

	"github.com/OpenPecha/pecha-tool-sync-editor/internal/auth"
	"github.com/OpenPecha/pecha-tool-sync-editor/internal/domain"
	"github.com/OpenPecha/pecha-tool-sync-editor/internal/errors"

	"github.com/gin-gonic/gin"
)

type UserProvider interface {
	GetUserByID(id uint64) (*domain.User, error)
}

type Auth struct {
	UserService UserProvider
}

// AuthMiddleWare authenticates a request via the Authorization header, or a
// token query param (websocket clients can't set headers).
func (m *Auth) AuthMiddleWare() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		authHeader := ctx.GetHeader("Authorization")
		var token string
		tokenQuery := ctx.Query("token")

		if authHeader != "" {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		} else if tokenQuery != "" {
			token = tokenQuery
		} else {
			ctx.Error(errors.Unauthorized("Authorization is not found!", nil))
			ctx.Abort()
			return
		}

		parsedToken, err := auth.VerifyJWT(token)
		if err != nil {
			ctx.Error(errors.Unauthorized("Invalid token!", err))
			ctx.Abort()
			return
		}

		userID, err := auth.UserIDFromToken(parsedToken)
		if err != nil {
			ctx.Error(errors.Unauthorized("Invalid token!", err))
			ctx.Abort()
			return
		}

		user, err := m.UserService.GetUserByID(userID)
		if err != nil || !user.IsActive {
			ctx.Error(errors.Unauthorized("Invalid User ID!", err))
			ctx.Abort()
			return
		}

		ctx.Set("user_id", userID)
		ctx.Set("user_email", user.Email)
		ctx.Next()
	}
}

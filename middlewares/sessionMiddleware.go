package middlewares

import (
	"net/http"

	"bitbucket.org/mmdatafocus/lounge_backend/config"
	"bitbucket.org/mmdatafocus/lounge_backend/utils"
	"github.com/gin-gonic/gin"
)

// SessionMiddleware resolves the opaque dashboard session token ("token" header)
// to a username via Redis (Token:$token).
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}
		username, exists, err := config.GetRedisValue(c.Request.Context(), "Token:"+token)
		if err != nil || !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetUsernameInContext(ctx, username)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

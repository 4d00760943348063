package middlewares

import (
	"net/http"
	"strings"

	"bitbucket.org/mmdatafocus/lounge_backend/utils"
	"github.com/gin-gonic/gin"
)

// AuthMiddleware accepts a signed session JWT as "Authorization: Bearer ...".
// Requests that already carry an opaque session token are left to SessionMiddleware.
// skipPaths carry bearer tokens from other issuers and authenticate themselves.
func AuthMiddleware(skipPaths ...string) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}
	return func(c *gin.Context) {
		if _, ok := skip[c.Request.URL.Path]; ok {
			c.Next()
			return
		}
		if c.GetHeader("token") != "" {
			c.Next()
			return
		}
		auth := strings.TrimSpace(c.GetHeader("Authorization"))
		if !strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			c.Next()
			return
		}
		raw := strings.TrimSpace(auth[len("bearer "):])
		if raw == "" {
			c.Next()
			return
		}

		validated, err := utils.JwtValidate(raw)
		if err != nil || !validated.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		claims, ok := validated.Claims.(*utils.JwtCustomClaim)
		if !ok || strings.TrimSpace(claims.Username) == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), raw)
		ctx = utils.SetUsernameInContext(ctx, claims.Username)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

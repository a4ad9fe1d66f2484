package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// TokenAuthMiddleware requires "Authorization: Bearer <token>" on every
// request. An empty token disables the check.
func TokenAuthMiddleware(token string) gin.HandlerFunc {
	if token == "" {
		return func(c *gin.Context) {
			c.Next()
		}
	}
	expected := []byte(token)

	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortUnauthorized(c, "authorization header required")
			return
		}

		scheme, given, ok := strings.Cut(authHeader, " ")
		if !ok || scheme != "Bearer" {
			abortUnauthorized(c, "invalid authorization header format")
			return
		}

		if subtle.ConstantTimeCompare([]byte(given), expected) != 1 {
			abortUnauthorized(c, "invalid token")
			return
		}
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "UNAUTHORIZED",
		"message": message,
	})
}

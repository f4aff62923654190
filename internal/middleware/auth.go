// Package middleware provides Gin HTTP middleware for authentication,
// authorization, rate limiting, and security headers.
//
// Middleware ordering matters and is enforced in router.go:
//
//	Security → RequestID → Metrics → RateLimit → Auth → RBAC → Handler
//
// Security headers run first so they appear on all responses including errors.
// Rate limiting runs before auth to block brute-force attacks before any
// cryptographic work. Auth populates the user identity and scopes; RBAC reads
// from that context. Activity recording is not middleware here: handlers call
// the audit logger facade directly, so every logged action carries precise
// target and change information instead of whatever can be scraped from the
// request path.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/admin-console/admin-console/internal/auth"
)

// AuthMiddleware validates the JWT bearer token and populates the request
// context with the caller's identity and scopes.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing authorization header",
			})
			return
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header must start with 'Bearer '",
			})
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization token is empty",
			})
			return
		}

		claims, err := auth.ValidateJWT(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid credentials",
			})
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("email", claims.Email)
		c.Set("scopes", claims.Scopes)
		c.Set("auth_method", "jwt")

		c.Next()
	}
}

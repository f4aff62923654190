// Package middleware (rbac.go) implements scope-based authorization middleware.
//
// Scopes (e.g., "activity:read", "activity:verify") are carried in the JWT
// and set in the request context by AuthMiddleware. Console tokens are short
// lived, so a permission change takes effect at the next token refresh
// without a per-request database lookup on every call.

package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/admin-console/admin-console/internal/auth"
)

// contextScopes extracts the caller's scopes set by AuthMiddleware. The
// second return is false when no valid scope list is present.
func contextScopes(c *gin.Context) ([]string, bool) {
	scopesVal, exists := c.Get("scopes")
	if !exists {
		return nil, false
	}
	userScopes, ok := scopesVal.([]string)
	return userScopes, ok
}

// RequireScope checks if the authenticated user has the required scope
func RequireScope(scope auth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		userScopes, ok := contextScopes(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Insufficient permissions",
			})
			return
		}

		if !auth.HasScope(userScopes, scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "Missing required scope",
				"details": "Required scope: " + string(scope),
			})
			return
		}

		c.Next()
	}
}

// RequireAnyScope checks if the authenticated user has at least one of the required scopes
func RequireAnyScope(scopes ...auth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		userScopes, ok := contextScopes(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Insufficient permissions",
			})
			return
		}

		if !auth.HasAnyScope(userScopes, scopes) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Missing required scope",
			})
			return
		}

		c.Next()
	}
}

// RequireAllScopes checks if the authenticated user has all of the required scopes
func RequireAllScopes(scopes ...auth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		userScopes, ok := contextScopes(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Insufficient permissions",
			})
			return
		}

		if !auth.HasAllScopes(userScopes, scopes) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Missing one or more required scopes",
			})
			return
		}

		c.Next()
	}
}

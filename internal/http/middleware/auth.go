// README: Bearer-token auth middleware; stores the caller uid and role on the gin context.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ridecore/internal/infra"
)

const (
	ctxUIDKey  = "auth.uid"
	ctxRoleKey = "auth.role"

	RoleDriver   = "driver"
	RoleCustomer = "customer"
)

func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		raw = strings.TrimSpace(raw)
		if !ok || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token, err := verifier.VerifyIDToken(c.Request.Context(), raw)
		if err != nil || token == nil || token.UID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ctxUIDKey, token.UID)
		c.Set(ctxRoleKey, RoleOf(token))
		c.Next()
	}
}

// RoleOf reads the role claim. Tokens without one belong to customers.
func RoleOf(token *infra.FirebaseToken) string {
	if role, _ := token.Claims["role"].(string); role == RoleDriver {
		return RoleDriver
	}
	return RoleCustomer
}

func CallerUID(c *gin.Context) string {
	return c.GetString(ctxUIDKey)
}

func CallerRole(c *gin.Context) string {
	return c.GetString(ctxRoleKey)
}

// RequireRole rejects callers whose role differs. Must run after Auth.
func RequireRole(role string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if CallerRole(c) != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden: " + role + " role required"})
			return
		}
		c.Next()
	}
}

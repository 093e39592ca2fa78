package auth

import (
	"net/http"
	"slices"
	"strings"

	"github.com/KevinKickass/OpenDeviceCore/internal/types"
	"github.com/gin-gonic/gin"
)

const (
	permissionsKey = "permissions"
	usernameKey    = "username"
	roleKey        = "role"
)

// AuthMiddleware validates bearer tokens. JWTs are tried first, then
// machine tokens.
func (a *AuthService) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, types.NewErrorResponse("AUTH_401", "Missing authorization header", nil))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, types.NewErrorResponse("AUTH_401", "Invalid authorization header format", nil))
			return
		}
		token := parts[1]

		if claims, err := a.jwtHandler.ValidateAccessToken(token); err == nil {
			c.Set(permissionsKey, roleToPermissions(claims.Role))
			c.Set(usernameKey, claims.Username)
			c.Set(roleKey, claims.Role)
			c.Next()
			return
		}

		permissions, err := a.ValidateMachineToken(token, c.ClientIP())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, types.NewErrorResponse("AUTH_401", "Invalid or expired token", nil))
			return
		}

		c.Set(permissionsKey, permissions)
		c.Next()
	}
}

// RequirePermission checks if user has required permission
func RequirePermission(required Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !slices.Contains(Permissions(c), required) {
			c.AbortWithStatusJSON(http.StatusForbidden, types.NewErrorResponse(
				"AUTH_403", "Insufficient permissions", gin.H{"required": string(required)}))
			return
		}
		c.Next()
	}
}

// Permissions returns what AuthMiddleware granted the request.
func Permissions(c *gin.Context) []Permission {
	if perms, ok := c.Get(permissionsKey); ok {
		if p, ok := perms.([]Permission); ok {
			return p
		}
	}
	return nil
}

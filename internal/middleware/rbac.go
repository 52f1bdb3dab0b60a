package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/vivuchat/vivuchat-api/internal/models"
	appErrors "github.com/vivuchat/vivuchat-api/pkg/errors"
	"github.com/vivuchat/vivuchat-api/pkg/response"
)

// RBAC enforces role-based access control for routes. The claims must
// already be attached by the JWT middleware.
func RBAC(allowed ...string) gin.HandlerFunc {
	allowedRoles := make(map[string]struct{}, len(allowed))
	for _, role := range allowed {
		allowedRoles[role] = struct{}{}
	}

	return func(c *gin.Context) {
		claimsValue, exists := c.Get(ContextUserKey)
		if !exists {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		claims := claimsValue.(*models.JWTClaims)

		for _, role := range claims.Roles {
			if _, ok := allowedRoles[role]; ok {
				c.Next()
				return
			}
		}

		response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "insufficient role"))
		c.Abort()
	}
}

package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/tatamihq/dojo-api/internal/middleware"
	"github.com/tatamihq/dojo-api/internal/models"
)

func claimsFromContext(c *gin.Context) *models.JWTClaims {
	value, exists := c.Get(middleware.ContextUserKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*models.JWTClaims)
	if !ok {
		return nil
	}
	return claims
}

// organizationFromContext returns the tenant of the authenticated user, or
// an empty string for unauthenticated requests.
func organizationFromContext(c *gin.Context) string {
	claims := claimsFromContext(c)
	if claims == nil {
		return ""
	}
	return claims.OrganizationID
}

func actorFromContext(c *gin.Context) string {
	claims := claimsFromContext(c)
	if claims == nil {
		return ""
	}
	return claims.UserID
}

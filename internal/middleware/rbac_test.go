package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/tatamihq/dojo-api/internal/models"
)

func performRBAC(t *testing.T, claims *models.JWTClaims, paramID string, allowed ...string) int {
	t.Helper()
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	if paramID != "" {
		c.Params = gin.Params{{Key: "id", Value: paramID}}
	}
	if claims != nil {
		c.Set(ContextUserKey, claims)
	}

	RBAC(allowed...)(c)
	if !c.IsAborted() {
		return http.StatusOK
	}
	return w.Code
}

func TestRBACAllowsRole(t *testing.T) {
	claims := &models.JWTClaims{UserID: "u1", Role: models.RoleAdmin}
	code := performRBAC(t, claims, "", "SUPERADMIN", "ADMIN")
	assert.Equal(t, http.StatusOK, code)
}

func TestRBACRejectsRole(t *testing.T) {
	claims := &models.JWTClaims{UserID: "u1", Role: models.RoleStudent}
	code := performRBAC(t, claims, "", "SUPERADMIN", "ADMIN")
	assert.Equal(t, http.StatusForbidden, code)
}

func TestRBACMissingClaims(t *testing.T) {
	code := performRBAC(t, nil, "", "ADMIN")
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestRBACSelfMatchesOwnID(t *testing.T) {
	claims := &models.JWTClaims{UserID: "u1", Role: models.RoleStudent}
	code := performRBAC(t, claims, "u1", "ADMIN", "SELF")
	assert.Equal(t, http.StatusOK, code)
}

func TestRBACSelfRejectsOtherID(t *testing.T) {
	claims := &models.JWTClaims{UserID: "u1", Role: models.RoleStudent}
	code := performRBAC(t, claims, "u2", "ADMIN", "SELF")
	assert.Equal(t, http.StatusForbidden, code)
}

func TestRequireRolesInstructor(t *testing.T) {
	claims := &models.JWTClaims{UserID: "u1", Role: models.RoleInstructor}
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Set(ContextUserKey, claims)

	RequireRoles(models.RoleSuperAdmin, models.RoleAdmin, models.RoleInstructor)(c)
	assert.False(t, c.IsAborted())
}

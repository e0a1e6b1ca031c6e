package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/hybridrag/internal/config"
	"github.com/xxxsen/hybridrag/internal/pkg/errcode"
	"github.com/xxxsen/hybridrag/internal/pkg/jwt"
	"github.com/xxxsen/hybridrag/internal/pkg/response"
	"github.com/xxxsen/hybridrag/internal/tenant"
)

const (
	ContextTenantIDKey = "tenant_id"
	HeaderTenantID     = "X-Tenant-ID"
)

// Tenant resolves the caller's tenant, from the X-Tenant-ID header or from the
// tenant_id claim of an HS256 bearer token, and stores the canonical id.
func Tenant(mode string, secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		var raw string
		switch mode {
		case config.AuthModeJWT:
			claims, ok := bearerClaims(c, secret)
			if !ok {
				return
			}
			raw = claims.TenantID
		default:
			raw = c.GetHeader(HeaderTenantID)
		}
		id, err := tenant.NormalizeID(raw)
		if err != nil {
			response.Error(c, http.StatusBadRequest, errcode.ErrInvalid, "invalid tenant id")
			c.Abort()
			return
		}
		c.Set(ContextTenantIDKey, id)
		c.Next()
	}
}

func bearerClaims(c *gin.Context, secret []byte) (*jwt.Claims, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		response.Error(c, http.StatusUnauthorized, errcode.ErrUnauthorized, "missing authorization")
		c.Abort()
		return nil, false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		response.Error(c, http.StatusUnauthorized, errcode.ErrUnauthorized, "invalid authorization")
		c.Abort()
		return nil, false
	}
	claims, err := jwt.ParseToken(parts[1], secret)
	if err != nil {
		response.Error(c, http.StatusUnauthorized, errcode.ErrUnauthorized, "invalid token")
		c.Abort()
		return nil, false
	}
	return claims, true
}

func GetTenantID(c *gin.Context) string {
	value, _ := c.Get(ContextTenantIDKey)
	id, _ := value.(string)
	return id
}

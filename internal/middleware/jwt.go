package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/secure-auth-api/internal/service"
	appErrors "github.com/noah-isme/secure-auth-api/pkg/errors"
	"github.com/noah-isme/secure-auth-api/pkg/response"
)

// ContextUserKey is the gin context key storing access token claims.
const ContextUserKey = "currentUser"

// AccessCookieName is the fallback cookie carrying the access token.
const AccessCookieName = "access_token"

// JWT protects routes by requiring a valid access token whose session is
// still live. The token comes from the Authorization header or, failing
// that, the access cookie.
func JWT(sessions *service.SessionService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c)
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}

		claims, err := sessions.ValidateAccess(c.Request.Context(), token)
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}

		c.Set(ContextUserKey, claims)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return "", appErrors.Clone(appErrors.ErrUnauthorized, "invalid authorization header")
		}
		return parts[1], nil
	}

	if cookie, err := c.Cookie(AccessCookieName); err == nil && cookie != "" {
		return cookie, nil
	}
	return "", appErrors.Clone(appErrors.ErrUnauthorized, "")
}

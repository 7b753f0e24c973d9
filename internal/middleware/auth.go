package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"poly2api-go/internal/apikey"
	apperrors "poly2api-go/internal/errors"
)

const apiKeyContextKey = "api_key"

// Auth resolves the caller's API key and stores it on the context. Rejections
// are rendered in the given dialect so clients see their own error shape.
func Auth(auth *apikey.Authenticator, dialect apperrors.Dialect) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := apikey.FromAuthHeader(c.GetHeader("Authorization"))
		if raw == "" {
			raw = strings.TrimSpace(c.GetHeader("x-api-key"))
		}
		key, err := auth.Authenticate(c.Request.Context(), raw)
		if err != nil {
			c.Data(apperrors.HTTPStatus(err), "application/json", apperrors.Envelope(dialect, err))
			c.Abort()
			return
		}
		c.Set(apiKeyContextKey, key)
		c.Next()
	}
}

// KeyFromContext returns the API key stored by Auth, or nil.
func KeyFromContext(c *gin.Context) *apikey.APIKey {
	v, ok := c.Get(apiKeyContextKey)
	if !ok {
		return nil
	}
	key, _ := v.(*apikey.APIKey)
	return key
}

package router

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/apiforge/apiforge/internal/apperr"
)

// AuthConfig enables the bearer-token check on routes declaring
// authorization.
type AuthConfig struct {
	// Secret signs and verifies HMAC tokens.
	Secret []byte
}

// authMiddleware rejects requests without a valid bearer token. Claims are
// attached to the request context for controllers.
func authMiddleware(cfg *AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			respondError(c, http.StatusUnauthorized, []apperr.FieldError{{
				Code: "MissingAuthorization",
				ID:   "Authorization",
				Msg:  "bearer token required",
				In:   SectionHeader,
			}}, nil)
			return
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")

		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return cfg.Secret, nil
		})
		if err != nil || !token.Valid {
			respondError(c, http.StatusUnauthorized, []apperr.FieldError{{
				Code: "InvalidAuthorization",
				ID:   "Authorization",
				Msg:  "bearer token is invalid or expired",
				In:   SectionHeader,
			}}, nil)
			return
		}

		c.Set(ctxAuthClaims, claims)
		c.Next()
	}
}

// ClaimsOf returns the verified token claims attached by the authorization
// middleware.
func ClaimsOf(c *gin.Context) (jwt.MapClaims, bool) {
	v, ok := c.Get(ctxAuthClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(jwt.MapClaims)
	return claims, ok
}

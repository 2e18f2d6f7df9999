package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"antares/internal/auth"
)

// UserContextKey is the gin context key holding the caller's claims.
const UserContextKey = "user"

// RequireToken rejects requests without a valid bearer token. Browsers
// cannot set headers on <img> and WebSocket requests, so a ?token= query
// parameter is accepted as well.
func RequireToken(authenticator *auth.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !authenticator.IsEnabled() {
			c.Next()
			return
		}

		tokenString, err := extractToken(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		claims, err := authenticator.ValidateToken(tokenString)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, auth.ErrExpiredToken) {
				msg = "token has expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		c.Set(UserContextKey, claims)
		c.Next()
	}
}

func extractToken(c *gin.Context) (string, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if token := c.Query("token"); token != "" {
			return token, nil
		}
		return "", errors.New("missing authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", errors.New("invalid authorization header format")
	}
	return parts[1], nil
}

// UserFromContext returns the claims stored by RequireToken, or nil.
func UserFromContext(c *gin.Context) *auth.Claims {
	v, ok := c.Get(UserContextKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*auth.Claims)
	return claims
}

package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"agentry/internal/auth"
)

// RequireAuth validates the bearer token and loads its claims into the
// request context. Requests without a valid token stop here.
func RequireAuth(tokens *auth.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := extractBearerToken(c)
		if raw == "" {
			Abort(c, http.StatusUnauthorized, "AUTH_REQUIRED", "authorization required")
			return
		}

		claims, err := tokens.Validate(raw)
		if err != nil {
			if errors.Is(err, auth.ErrTokenExpired) {
				Abort(c, http.StatusUnauthorized, "TOKEN_EXPIRED", "token expired")
				return
			}
			Abort(c, http.StatusUnauthorized, "INVALID_TOKEN", "invalid token")
			return
		}

		setClaims(c, claims)
		c.Next()
	}
}

// OptionalAuth loads claims when a valid token is present but never
// rejects. Handlers can branch on IsAuthenticated.
func OptionalAuth(tokens *auth.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := extractBearerToken(c); raw != "" {
			if claims, err := tokens.Validate(raw); err == nil {
				setClaims(c, claims)
			}
		}
		c.Next()
	}
}

// RequireAdmin stops non-admin users. Mount after RequireAuth.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !c.GetBool("is_admin") {
			Abort(c, http.StatusForbidden, "FORBIDDEN", "admin access required")
			return
		}
		c.Next()
	}
}

func setClaims(c *gin.Context, claims *auth.Claims) {
	c.Set("user_id", claims.UserID)
	c.Set("username", claims.Username)
	c.Set("plan", claims.Plan)
	c.Set("is_admin", claims.IsAdmin)
	c.Set("claims", claims)
}

// extractBearerToken pulls the token from the Authorization header.
// WebSocket clients that cannot set headers may pass ?access_token=
// instead.
func extractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return c.Query("access_token")
}

// GetUserID returns the authenticated user's ID, zero when anonymous.
func GetUserID(c *gin.Context) uint {
	return c.GetUint("user_id")
}

// GetUsername returns the authenticated username.
func GetUsername(c *gin.Context) string {
	return c.GetString("username")
}

// GetPlan returns the authenticated user's plan key.
func GetPlan(c *gin.Context) string {
	return c.GetString("plan")
}

// GetClaims returns the full token claims when authenticated.
func GetClaims(c *gin.Context) (*auth.Claims, bool) {
	v, ok := c.Get("claims")
	if !ok {
		return nil, false
	}
	claims, ok := v.(*auth.Claims)
	return claims, ok
}

// IsAuthenticated reports whether the request carries valid claims.
func IsAuthenticated(c *gin.Context) bool {
	_, ok := c.Get("user_id")
	return ok
}

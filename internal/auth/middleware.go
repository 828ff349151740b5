package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"authgate/internal/scheduler"
)

const principalKey = "auth.principal"

// Middleware authenticates the request's bearer token and stores the
// Principal in the gin context.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := BearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.Header("WWW-Authenticate", `Bearer realm="authgate"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		p, err := a.Authenticate(c.Request.Context(), raw)
		if err != nil {
			status, msg := statusFor(err)
			switch status {
			case http.StatusUnauthorized:
				c.Header("WWW-Authenticate", `Bearer realm="authgate", error="invalid_token"`)
				a.log.Debug("rejected token", "path", c.Request.URL.Path, "err", err)
			case http.StatusForbidden:
				a.log.Info("authorization rejected", "path", c.Request.URL.Path, "err", err)
			default:
				a.log.Error("authentication failed", "path", c.Request.URL.Path, "err", err)
			}
			c.AbortWithStatusJSON(status, gin.H{"error": msg})
			return
		}

		c.Set(principalKey, p)
		c.Next()
	}
}

// PrincipalFrom returns the caller stored by Middleware.
func PrincipalFrom(c *gin.Context) (*Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil, false
	}
	p, ok := v.(*Principal)
	return p, ok
}

// BearerToken extracts the token from an Authorization header value. The
// scheme is matched case-insensitively.
func BearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized, "invalid token"
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "access denied"
	case errors.Is(err, ErrProfile):
		return http.StatusBadGateway, "user profile unavailable"
	case errors.Is(err, scheduler.ErrStopped):
		return http.StatusServiceUnavailable, "shutting down"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
	queryTokenParam     = "access_token"
)

// RequireAccessToken verifies an access token and injects identity into request context.
// It does not perform RBAC checks; those belong to internal/rbac.
//
// Browsers cannot set headers on WebSocket handshakes, so an upgrade request
// may carry the token in the access_token query parameter instead.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tok, ok := tokenFromRequest(c.Request)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token", "code": "unauthorized"})
			return
		}

		claims, err := m.Verify(tok, TokenTypeAccess, time.Now())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token", "code": "unauthorized"})
			return
		}

		ctx := WithIdentity(c.Request.Context(), claims.UserID, claims.OrgID, claims.Role)
		c.Request = c.Request.WithContext(ctx)

		c.Set("user_id", claims.UserID)
		c.Set("org_id", claims.OrgID)
		c.Set("role", claims.Role)

		c.Next()
	}
}

func tokenFromRequest(r *http.Request) (string, bool) {
	raw := strings.TrimSpace(r.Header.Get(authorizationHeader))
	if raw != "" {
		if !strings.HasPrefix(raw, bearerPrefix) {
			return "", false
		}
		tok := strings.TrimSpace(strings.TrimPrefix(raw, bearerPrefix))
		return tok, tok != ""
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		tok := strings.TrimSpace(r.URL.Query().Get(queryTokenParam))
		return tok, tok != ""
	}
	return "", false
}

package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"call-signaling/internal/config"

	"github.com/gin-gonic/gin"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(config.AuthConfig{
		JWTSecret:       "secret",
		JWTIssuer:       "issuer",
		JWTAudience:     "aud",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	return m
}

func TestIssueAndVerifyAccessToken(t *testing.T) {
	m := newTestManager(t)

	now := time.Unix(1700000000, 0).UTC()
	pair, err := m.IssuePair(now, Identity{UserID: "user-1", OrgID: "org-1", Role: "staff"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("expected token strings")
	}

	claims, err := m.Verify(pair.AccessToken, TokenTypeAccess, now.Add(1*time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id := claims.Identity(); id.UserID != "user-1" || id.OrgID != "org-1" || id.Role != "staff" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestVerifyRejectsWrongTokenType(t *testing.T) {
	m, _ := NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	p, err := m.IssuePair(time.Now(), Identity{UserID: "u", OrgID: "o", Role: "client"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Verify(p.RefreshToken, TokenTypeAccess, time.Now()); err == nil {
		t.Fatalf("expected token_type mismatch")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	m := newTestManager(t)
	now := time.Unix(1700000000, 0).UTC()
	p, err := m.IssuePair(now, Identity{UserID: "u", OrgID: "o", Role: "client"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Verify(p.AccessToken, TokenTypeAccess, now.Add(time.Hour)); err == nil {
		t.Fatalf("expected expiry error")
	}
}

func TestRefreshRotatesPair(t *testing.T) {
	m := newTestManager(t)
	now := time.Unix(1700000000, 0).UTC()
	p, err := m.IssuePair(now, Identity{UserID: "u", OrgID: "o", Role: "staff"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	next, err := m.Refresh(now.Add(time.Hour), p.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	claims, err := m.Verify(next.AccessToken, TokenTypeAccess, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("verify refreshed: %v", err)
	}
	if claims.Role != "staff" || claims.OrgID != "o" {
		t.Fatalf("identity lost on refresh: %+v", claims.Identity())
	}
	if _, err := m.Refresh(now, p.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("access token must not refresh, got %v", err)
	}
}

func TestIssuePair_RequiresIdentity(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.IssuePair(time.Now(), Identity{UserID: "u", OrgID: "o"}); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestRequireAccessToken_AcceptsQueryTokenOnUpgrade(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := newTestManager(t)
	p, err := m.IssuePair(time.Now(), Identity{UserID: "u1", OrgID: "o1", Role: "staff"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	r := gin.New()
	r.GET("/ws", RequireAccessToken(m), func(c *gin.Context) {
		id, err := IdentityFrom(c.Request.Context())
		if err != nil {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, id.UserID)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws?access_token="+p.AccessToken, nil)
	req.Header.Set("Upgrade", "websocket")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "u1" {
		t.Fatalf("expected 200 u1, got %d %q", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/ws?access_token="+p.AccessToken, nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected query token to be ignored without upgrade, got %d", w.Code)
	}
}

func TestIdentityFrom_RequiresAllFields(t *testing.T) {
	ctx := WithIdentity(context.Background(), "u", "", "client")
	if _, err := IdentityFrom(ctx); err == nil {
		t.Fatalf("expected missing org to fail")
	}
}

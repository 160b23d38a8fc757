package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"call-orchestrator/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func TestIssueAndVerifyAccessToken(t *testing.T) {
	m, err := NewManager(config.AuthConfig{
		JWTSecret:      "secret",
		JWTIssuer:      "issuer",
		JWTAudience:    "aud",
		AccessTokenTTL: 15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	now := time.Unix(1700000000, 0).UTC()
	tok, err := m.Issue(now, "user-1", "operator", 0)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := m.Verify(tok, now.Add(1*time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "user-1" || claims.Role != "operator" || claims.Subject != "user-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	if _, err := m.Verify(tok, now.Add(16*time.Minute)); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestVerifyRejectsForeignTokens(t *testing.T) {
	m, _ := NewManager(config.AuthConfig{JWTSecret: "secret", JWTIssuer: "issuer"})
	other, _ := NewManager(config.AuthConfig{JWTSecret: "other", JWTIssuer: "issuer"})
	now := time.Now()

	tok, _ := other.Issue(now, "u", "owner", time.Minute)
	if _, err := m.Verify(tok, now); err == nil {
		t.Fatalf("expected signature mismatch")
	}

	wrongIssuer, _ := NewManager(config.AuthConfig{JWTSecret: "secret", JWTIssuer: "elsewhere"})
	tok, _ = wrongIssuer.Issue(now, "u", "owner", time.Minute)
	if _, err := m.Verify(tok, now); err == nil {
		t.Fatalf("expected issuer mismatch")
	}

	// A correctly signed token of another type is refused.
	raw := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "issuer",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
		UserID:    "u",
		Role:      "owner",
		TokenType: "refresh",
	})
	signed, _ := raw.SignedString([]byte("secret"))
	if _, err := m.Verify(signed, now); err == nil {
		t.Fatalf("expected token_type mismatch")
	}
}

func TestIssueRequiresIdentity(t *testing.T) {
	m, _ := NewManager(config.AuthConfig{JWTSecret: "secret"})
	if _, err := m.Issue(time.Now(), "", "owner", 0); err == nil {
		t.Fatalf("expected error for empty user")
	}
	if _, err := m.Issue(time.Now(), "u", "", 0); err == nil {
		t.Fatalf("expected error for empty role")
	}
}

func TestRequireAccessToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m, _ := NewManager(config.AuthConfig{JWTSecret: "secret"})

	r := gin.New()
	r.GET("/x", RequireAccessToken(m), func(c *gin.Context) {
		uid, _ := UserID(c.Request.Context())
		role, _ := Role(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"user_id": uid, "role": role})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Code != http.StatusUnauthorized || w.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected 401 with challenge without token, got %d", w.Code)
	}

	tok, _ := m.Issue(time.Now(), "u1", "owner", time.Minute)
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if body := w.Body.String(); body != `{"role":"owner","user_id":"u1"}` {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]struct {
		tok string
		ok  bool
	}{
		"Bearer abc":   {"abc", true},
		"bearer  abc ": {"abc", true},
		"Basic abc":    {"", false},
		"Bearer":       {"", false},
		"Bearer   ":    {"", false},
		"":             {"", false},
	}
	for header, want := range cases {
		tok, ok := bearerToken(header)
		if tok != want.tok || ok != want.ok {
			t.Errorf("bearerToken(%q) = %q, %v; want %q, %v", header, tok, ok, want.tok, want.ok)
		}
	}
}

func TestIdentityFrom(t *testing.T) {
	if _, err := IdentityFrom(context.Background()); !errors.Is(err, ErrNoIdentity) {
		t.Fatalf("expected ErrNoIdentity, got %v", err)
	}
	ctx := WithIdentity(context.Background(), "u1", "")
	if _, err := Role(ctx); err == nil {
		t.Fatalf("empty role should be an error")
	}
	id, err := IdentityFrom(WithIdentity(context.Background(), "u1", "admin"))
	if err != nil || id != (Identity{UserID: "u1", Role: "admin"}) {
		t.Fatalf("unexpected identity %+v %v", id, err)
	}
}

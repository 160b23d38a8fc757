package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"call-orchestrator/internal/auth"

	"github.com/gin-gonic/gin"
)

func serve(userID, role string, mw ...gin.HandlerFunc) int {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	chain := []gin.HandlerFunc{func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), userID, role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}}
	chain = append(chain, mw...)
	chain = append(chain, func(c *gin.Context) { c.Status(200) })
	r.GET("/x", chain...)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestRequireAnyRole_AdminBypasses(t *testing.T) {
	if code := serve("u", RoleAdmin, RequireUser(), RequireAnyRole(RoleOwner)); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_DeniesOtherRoles(t *testing.T) {
	if code := serve("u", RoleOperator, RequireUser(), RequireAnyRole(RoleOwner)); code != 403 {
		t.Fatalf("expected 403, got %d", code)
	}
	if code := serve("u", "super_admin", RequireUser(), RequireAnyRole("super_admin")); code != 403 {
		t.Fatalf("unknown role must be denied, got %d", code)
	}
	if code := serve("u", RoleOperator, RequireUser(), RequireAnyRole(RoleOwner, RoleOperator)); code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireUser(t *testing.T) {
	if code := serve("", RoleOwner, RequireUser(), RequireAnyRole(RoleOwner)); code != 401 {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestCanAccess(t *testing.T) {
	cases := []struct {
		role, caller, owner string
		want                bool
	}{
		{RoleOwner, "u1", "u1", true},
		{RoleOwner, "u1", "u2", false},
		{RoleOperator, "", "", false},
		{RoleAdmin, "a", "u2", true},
	}
	for _, tc := range cases {
		if got := CanAccess(tc.role, tc.caller, tc.owner); got != tc.want {
			t.Fatalf("CanAccess(%q,%q,%q) = %v, want %v", tc.role, tc.caller, tc.owner, got, tc.want)
		}
	}
}

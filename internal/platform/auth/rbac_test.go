package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextWithRoles(c echo.Context, roles ...string) {
	ctx := context.WithValue(c.Request().Context(), UserRolesKey, roles)
	c.SetRequest(c.Request().WithContext(ctx))
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name    string
		roles   []string
		allowed bool
	}{
		{"importer allowed", []string{RoleImporter}, true},
		{"admin bypass", []string{RoleAdmin}, true},
		{"viewer denied", []string{RoleViewer}, false},
		{"no roles denied", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/imports", nil)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)
			contextWithRoles(c, tt.roles...)

			called := false
			h := RequireRole(RoleImporter)(func(c echo.Context) error {
				called = true
				return c.NoContent(http.StatusOK)
			})
			err := h(c)

			if called != tt.allowed {
				t.Fatalf("handler called = %v, want %v", called, tt.allowed)
			}
			if tt.allowed {
				return
			}
			httpErr, ok := err.(*echo.HTTPError)
			if !ok || httpErr.Code != http.StatusForbidden {
				t.Fatalf("expected 403, got %v", err)
			}
		})
	}
}

func TestHasRole(t *testing.T) {
	if !HasRole([]string{"viewer", "importer"}, RoleImporter) {
		t.Error("expected importer to match")
	}
	if HasRole([]string{"viewer"}, RoleImporter, "auditor") {
		t.Error("expected viewer not to match")
	}
	if !HasRole([]string{RoleAdmin}) {
		t.Error("expected admin to match any requirement")
	}
}

func TestUserIDFromContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), UserIDKey, "user-123")
	if uid := UserIDFromContext(ctx); uid != "user-123" {
		t.Errorf("expected user-123, got %s", uid)
	}
	if empty := UserIDFromContext(context.Background()); empty != "" {
		t.Errorf("expected empty string, got %s", empty)
	}
}

package security

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckPermission(t *testing.T) {
	tests := []struct {
		role, method, path string
		want               bool
	}{
		{RoleAdmin, "DELETE", "/api/queue", true},
		{RoleAdmin, "GET", "/api/anything", true},
		{RoleCustomer, "GET", "/api/status", true},
		{RoleCustomer, "POST", "/api/updates", true},
		{RoleCustomer, "POST", "/api/updates/order-1/rollback", true},
		{RoleCustomer, "POST", "/api/queue", true},
		{RoleCustomer, "GET", "/api/queue", false},
		{RoleCustomer, "POST", "/api/queue/drain", false},
		{RoleCustomer, "DELETE", "/api/updates", false},
		{RoleWarehouse, "GET", "/api/queue", true},
		{RoleWarehouse, "POST", "/api/queue/drain", true},
		{RoleWarehouse, "DELETE", "/api/queue", false},
		{RoleSalesAdmin, "DELETE", "/api/queue", true},
		{RoleSalesAdmin, "GET", "/api/errors", true},
		{RoleSales, "GET", "/api/errors", false},
		{RoleSales, "GET", "/api/queue/", true},
		{RoleSales, "GET", "/api/unknown", false},
		{"intruder", "GET", "/api/status", false},
	}
	for _, tt := range tests {
		t.Run(tt.role+" "+tt.method+" "+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, CheckPermission(tt.role, tt.method, tt.path))
		})
	}
}

func TestIsValidRole(t *testing.T) {
	for _, r := range ValidRoles {
		assert.True(t, IsValidRole(r), r)
	}
	assert.False(t, IsValidRole("service_role"))
	assert.False(t, IsValidRole(""))
}

func TestMatchRoute(t *testing.T) {
	assert.True(t, matchRoute("/api/updates/{id}/rollback", "/api/updates/abc/rollback"))
	assert.False(t, matchRoute("/api/updates/{id}/rollback", "/api/updates/abc"))
	assert.True(t, matchRoute("/api/queue", "/api/queue/drain"))
	assert.False(t, matchRoute("/api/queue", "/api/queues"))
}

func TestRequirePermission(t *testing.T) {
	handler := RequirePermission()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	serve := func(claims *Claims, method, path string) int {
		req := httptest.NewRequest(method, path, nil)
		if claims != nil {
			req = req.WithContext(WithClaims(req.Context(), claims))
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, serve(nil, "DELETE", "/api/queue"), "no claims means dev mode")
	assert.Equal(t, http.StatusForbidden, serve(&Claims{Role: RoleCustomer}, "DELETE", "/api/queue"))
	assert.Equal(t, http.StatusOK, serve(&Claims{Role: RoleSalesAdmin}, "DELETE", "/api/queue"))
}
